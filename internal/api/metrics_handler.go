package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sharding-system/pkg/obsmetrics"
)

// MetricsHandler exposes the catalog and executor's Prometheus metrics.
type MetricsHandler struct {
	collector *obsmetrics.Collector
}

// NewMetricsHandler builds a MetricsHandler serving collector's registry.
func NewMetricsHandler(collector *obsmetrics.Collector) *MetricsHandler {
	return &MetricsHandler{collector: collector}
}

// RegisterRoutes registers the /metrics route.
func (h *MetricsHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/metrics", h.collector.Handler()).Methods(http.MethodGet)
}
