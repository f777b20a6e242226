package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/executor"
	"github.com/sharding-system/pkg/mergedreader"
	"github.com/sharding-system/pkg/msconn"
	"github.com/sharding-system/pkg/policy"
	"go.uber.org/zap"
)

// QueryHandler fronts pkg/msconn for ad hoc fan-out queries: POST a
// command and connection string template, get back every shard's rows
// flattened into one JSON array, grounded on the teacher's JSON-body-in
// request/response shape.
type QueryHandler struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewQueryHandler builds a QueryHandler resolving targets from cat.
func NewQueryHandler(cat *catalog.Catalog, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{catalog: cat, logger: logger}
}

// RegisterRoutes registers the query API routes.
func (h *QueryHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/maps/{mapID}/query", h.Execute).Methods("POST", "OPTIONS")
}

// queryRequest is the body of POST /api/v1/maps/{mapID}/query.
type queryRequest struct {
	ConnectionStringTemplate string        `json:"connection_string_template"`
	Command                  string        `json:"command"`
	Args                     []any         `json:"args"`
	CommandTimeoutSeconds    int           `json:"command_timeout_seconds"`
	ExecutionPolicy          string        `json:"execution_policy"`
	IncludeShardNameColumn   bool          `json:"include_shard_name_column"`
}

type queryRow struct {
	Columns []string       `json:"columns"`
	Values  []any          `json:"values"`
}

type queryResponse struct {
	Rows       []queryRow `json:"rows"`
	RowCount   int        `json:"row_count"`
	Exceptions []string   `json:"exceptions,omitempty"`
}

// Execute resolves mapID's shards from the catalog, runs command against
// every one of them, and returns the merged row set.
func (h *QueryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	mapID, err := uuid.Parse(mux.Vars(r)["mapID"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "command is required"))
		return
	}

	execPolicy := policy.PartialResults
	if req.ExecutionPolicy == string(policy.CompleteResults) {
		execPolicy = policy.CompleteResults
	}

	conn, err := msconn.NewConnection(h.catalog, mapID, req.ConnectionStringTemplate, executor.SQLDialer(h.logger), h.logger)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	cmd := conn.NewCommand(req.Command, req.Args...)
	cmd.ExecutionPolicy = execPolicy
	cmd.ExecutionOptions = policy.ExecutionOptions{IncludeShardNameColumn: req.IncludeShardNameColumn}
	if req.CommandTimeoutSeconds > 0 {
		cmd.CommandTimeout = time.Duration(req.CommandTimeoutSeconds) * time.Second
	}

	reader, err := cmd.ExecuteReader(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer reader.Close()

	resp, err := collectRows(r.Context(), reader)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if aggErr := msconn.AggregateError(reader); aggErr != nil {
		resp.Exceptions = []string{aggErr.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func collectRows(ctx context.Context, reader *mergedreader.Reader) (*queryResponse, error) {
	resp := &queryResponse{}
	cols := reader.ColumnNames()
	for {
		ok, err := reader.Next(ctx)
		if err != nil {
			return resp, err
		}
		if !ok {
			break
		}
		row := queryRow{Columns: cols, Values: make([]any, len(cols))}
		for i := range cols {
			v, err := reader.Value(i)
			if err != nil {
				return resp, err
			}
			row.Values[i] = v
		}
		resp.Rows = append(resp.Rows, row)
		resp.RowCount++
	}
	return resp, nil
}
