package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/keycodec"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"go.uber.org/zap"
)

// CatalogHandler exposes shard map catalog administration over HTTP:
// create/delete shard maps, create/delete shards, add/delete list and
// range mappings. Grounded on the teacher's JSON-body-in/typed-error-
// envelope-out request shape.
type CatalogHandler struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewCatalogHandler builds a CatalogHandler fronting cat.
func NewCatalogHandler(cat *catalog.Catalog, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: cat, logger: logger}
}

// RegisterRoutes registers the catalog API routes.
func (h *CatalogHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/maps", h.ListMaps).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/maps", h.CreateMap).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}", h.DeleteMap).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/shards", h.ListShards).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/shards", h.CreateShard).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/shards/{shardID}", h.DeleteShard).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/mappings/list", h.ListListMappings).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/mappings/list", h.AddListMapping).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/mappings/list", h.DeleteListMapping).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/mappings/range", h.AddRangeMapping).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/maps/{mapID}/refresh", h.Refresh).Methods("POST", "OPTIONS")
}

// httpStatusFor maps an mserrors.Kind to the HTTP status the admin surface
// reports it as.
func httpStatusFor(err error) int {
	var msErr *mserrors.Error
	if !asMsErr(err, &msErr) {
		return http.StatusInternalServerError
	}
	switch msErr.Kind {
	case mserrors.KindShardMapDoesNotExist, mserrors.KindShardDoesNotExist, mserrors.KindMappingDoesNotExist,
		mserrors.KindMappingNotFoundForKey:
		return http.StatusNotFound
	case mserrors.KindShardMapAlreadyExists, mserrors.KindShardAlreadyExists, mserrors.KindShardLocationAlreadyExists,
		mserrors.KindMappingPointAlreadyMapped, mserrors.KindMappingRangeAlreadyMapped:
		return http.StatusConflict
	case mserrors.KindInvalidKey, mserrors.KindInvalidShardMapName, mserrors.KindInsufficientParameters,
		mserrors.KindShardNotValid:
		return http.StatusBadRequest
	case mserrors.KindGlobalStoreVersionMismatch, mserrors.KindLocalStoreVersionMismatch, mserrors.KindShardVersionMismatch:
		return http.StatusConflict
	case mserrors.KindNotSupported:
		return http.StatusNotImplemented
	case mserrors.KindTimeout, mserrors.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func asMsErr(err error, target **mserrors.Error) bool {
	if e, ok := err.(*mserrors.Error); ok {
		*target = e
		return true
	}
	return false
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := httpStatusFor(err)
	logger.Warn("catalog request failed", zap.Error(err), zap.Int("status", status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errors.New(status, err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseMapID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["mapID"])
}

// ListMaps lists every registered shard map.
func (h *CatalogHandler) ListMaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.ListMaps())
}

// createMapRequest is the body of POST /api/v1/maps.
type createMapRequest struct {
	Name    string             `json:"name"`
	Kind    models.ShardMapKind `json:"kind"`
	KeyType keycodec.KeyType   `json:"key_type"`
}

// CreateMap registers a new shard map.
func (h *CatalogHandler) CreateMap(w http.ResponseWriter, r *http.Request) {
	var req createMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	sm, err := h.catalog.CreateMap(r.Context(), req.Name, req.Kind, req.KeyType)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sm)
}

// DeleteMap deletes an empty shard map.
func (h *CatalogHandler) DeleteMap(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	if err := h.catalog.DeleteMap(r.Context(), mapID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListShards lists every shard registered under a map.
func (h *CatalogHandler) ListShards(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	shards, err := h.catalog.ListShards(mapID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, shards)
}

// createShardRequest is the body of POST /api/v1/maps/{mapID}/shards.
type createShardRequest struct {
	Location models.ShardLocation `json:"location"`
}

// CreateShard registers a new shard under a map.
func (h *CatalogHandler) CreateShard(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	var req createShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	sh, err := h.catalog.CreateShard(r.Context(), mapID, req.Location)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

// DeleteShard removes an unmapped shard from a map.
func (h *CatalogHandler) DeleteShard(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	shardID, err := uuid.Parse(mux.Vars(r)["shardID"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid shard id"))
		return
	}
	if err := h.catalog.DeleteShard(r.Context(), mapID, shardID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListListMappings lists every list mapping under a map.
func (h *CatalogHandler) ListListMappings(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	mappings, err := h.catalog.ListListMappings(mapID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

// listMappingRequest is the body of POST .../mappings/list. Key is
// base64-encoded since shard keys are arbitrary bytes once encoded by
// keycodec.
type listMappingRequest struct {
	Key     string    `json:"key"`
	ShardID uuid.UUID `json:"shard_id"`
}

// AddListMapping maps a single key to a shard.
func (h *CatalogHandler) AddListMapping(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	var req listMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "key must be base64-encoded"))
		return
	}
	m, err := h.catalog.AddListMapping(r.Context(), mapID, key, req.ShardID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// DeleteListMapping removes a key's mapping. ?force=true bypasses the
// Offline-before-delete requirement.
func (h *CatalogHandler) DeleteListMapping(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	keyB64 := r.URL.Query().Get("key")
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "key must be base64-encoded"))
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.catalog.DeleteListMapping(r.Context(), mapID, key, force); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rangeMappingRequest is the body of POST .../mappings/range.
type rangeMappingRequest struct {
	Low     string    `json:"low"`
	High    string    `json:"high"`
	ShardID uuid.UUID `json:"shard_id"`
}

// AddRangeMapping maps a half-open key range to a shard.
func (h *CatalogHandler) AddRangeMapping(w http.ResponseWriter, r *http.Request) {
	mapID, err := parseMapID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	var req rangeMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid request body"))
		return
	}
	low, err := base64.StdEncoding.DecodeString(req.Low)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "low must be base64-encoded"))
		return
	}
	high, err := base64.StdEncoding.DecodeString(req.High)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "high must be base64-encoded"))
		return
	}
	m, err := h.catalog.AddRangeMapping(r.Context(), mapID, low, high, req.ShardID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Refresh forces the catalog to reload every map's cache from the global
// store, the manual counterpart to catalogjobs's scheduled refresh. The
// mapID in the path is validated but does not narrow the reload.
func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if _, err := parseMapID(r); err != nil {
		writeJSON(w, http.StatusBadRequest, errors.New(http.StatusBadRequest, "invalid map id"))
		return
	}
	if err := h.catalog.Refresh(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
