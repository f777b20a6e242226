package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalog"
	"go.uber.org/zap"
)

// RecoveryHandler exposes the recovery manager's detect/resolve cycle
// over HTTP: list discrepancies between a shard's local mirror and the
// global store, then apply one of the three named resolutions.
type RecoveryHandler struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewRecoveryHandler builds a RecoveryHandler fronting cat.
func NewRecoveryHandler(cat *catalog.Catalog, logger *zap.Logger) *RecoveryHandler {
	return &RecoveryHandler{catalog: cat, logger: logger}
}

// RegisterRoutes registers the recovery API routes.
func (h *RecoveryHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/maps/{mapID}/recovery/discrepancies", h.Detect).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/recovery/resolve", h.Resolve).Methods("POST", "OPTIONS")
}

// Detect runs the recovery manager's detection pass across every shard
// of a map and reports what it found.
func (h *RecoveryHandler) Detect(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	discrepancies, err := h.catalog.DetectDiscrepancies(r.Context(), mapID)
	if err != nil {
		h.logger.Warn("recovery detection incomplete", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, discrepancies)
}

// resolveRequest is the body of POST .../recovery/resolve.
type resolveRequest struct {
	Discrepancy catalog.Discrepancy  `json:"discrepancy"`
	Resolution  catalog.Resolution   `json:"resolution"`
}

// Resolve applies resolution to the discrepancy an earlier Detect call
// surfaced. Resolution must be one of authoritative_global,
// authoritative_local, detach.
func (h *RecoveryHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if _, err := parseMapID(r); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Discrepancy.MappingID == uuid.Nil && req.Discrepancy.ShardID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "discrepancy is required"))
		return
	}
	if err := h.catalog.Resolve(r.Context(), req.Discrepancy, req.Resolution); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
