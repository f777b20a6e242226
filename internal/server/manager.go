package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/api"
	"github.com/sharding-system/internal/middleware"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/catalogjobs"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/obsmetrics"
	"github.com/sharding-system/pkg/security"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// ManagerServer is the single HTTP surface for the catalog: shard map and
// mapping CRUD, ad hoc fan-out queries, recovery detect/resolve, metrics
// and auth. It replaces the teacher's split manager/router processes —
// pkg/msconn and pkg/executor already are the query engine, so there is
// nothing left for a separate router process to own.
type ManagerServer struct {
	server    *http.Server
	scheduler *catalogjobs.Scheduler
	logger    *zap.Logger
}

// NewManagerServer wires the catalog, background jobs and HTTP handlers
// into one mux.Router, mirroring the teacher's middleware chain
// (CORS, Recovery, Logging, auth) and route-setup-per-handler shape.
func NewManagerServer(cfg *config.Config, cat *catalog.Catalog, logger *zap.Logger) (*ManagerServer, error) {
	authManager := security.NewAuthManager(cfg.Security.JWTSecret)
	metrics := obsmetrics.New()

	scheduler := catalogjobs.New(cat, logger)
	if err := scheduler.ScheduleRefresh("@every 1m"); err != nil {
		return nil, fmt.Errorf("schedule catalog refresh: %w", err)
	}
	if err := scheduler.ScheduleRecoverySweep("@every 5m", nil); err != nil {
		return nil, fmt.Errorf("schedule recovery sweep: %w", err)
	}

	authHandler := api.NewAuthHandler(authManager, logger)
	catalogHandler := api.NewCatalogHandler(cat, logger)
	queryHandler := api.NewQueryHandler(cat, logger)
	recoveryHandler := api.NewRecoveryHandler(cat, logger)
	metricsHandler := api.NewMetricsHandler(metrics)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := mux.NewRouter()

	// CORS must run first so preflight OPTIONS short-circuits before auth.
	router.Use(middleware.CORS)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.RequestSizeLimit(middleware.DefaultMaxRequestSize))
	router.Use(middleware.ContentTypeValidation([]string{"application/json"}))
	if cfg.Security.EnableRBAC {
		router.Use(middleware.AuthMiddleware(authManager))
	}

	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/api/v1/health", healthHandler).Methods("GET")
	router.HandleFunc("/swagger/doc.json", api.ServeSwaggerDoc).Methods("GET")
	router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://%s/swagger/doc.json", addr)),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("none"),
		httpSwagger.DomID("swagger-ui"),
	))

	api.SetupAuthRoutes(router, authHandler)
	catalogHandler.RegisterRoutes(router)
	queryHandler.RegisterRoutes(router)
	recoveryHandler.RegisterRoutes(router)
	metricsHandler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &ManagerServer{server: httpServer, scheduler: scheduler, logger: logger}, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Start runs the scheduler and serves HTTP until the process is stopped.
func (s *ManagerServer) Start() error {
	s.scheduler.Start()
	s.logger.Info("starting manager server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *ManagerServer) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Fatal("manager server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the scheduler and gracefully drains in-flight requests.
func (s *ManagerServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down manager server")
	s.scheduler.Stop()
	return s.server.Shutdown(ctx)
}
