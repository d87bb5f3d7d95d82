package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/plot-installments/internal/config"
	"github.com/Dan9191/plot-installments/internal/handler"
	"github.com/Dan9191/plot-installments/internal/integrations/ratefeed"
	"github.com/Dan9191/plot-installments/internal/jobs"
	"github.com/Dan9191/plot-installments/internal/metrics"
	"github.com/Dan9191/plot-installments/internal/middleware"
	"github.com/Dan9191/plot-installments/internal/repository"
	"github.com/Dan9191/plot-installments/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Initialize storage
	var store repository.Store
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		db, err := sql.Open("postgres", cfg.DBConn)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("Failed to ping database: %v", err)
		}
		if cfg.RunMigrations {
			if err := repository.RunMigrations(db); err != nil {
				logger.Fatalf("Failed to run migrations: %v", err)
			}
			logger.Info("Database migrations applied")
		}
		store = repository.NewRepository(db)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize layers
	opts := []service.Option{service.WithMetrics(m)}
	if cfg.RateFeedURL != "" {
		opts = append(opts, service.WithRateProvider(ratefeed.NewClient(cfg, logger)))
	}
	svc := service.NewService(store, logger, cfg, opts...)
	h := handler.NewHandler(svc, logger)

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	// Public routes
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/reference-rate", h.ReferenceRate).Methods(http.MethodGet)
	// Sale routes carry the acting user
	salesRouter := r.PathPrefix("/").Subrouter()
	salesRouter.Use(middleware.AuthMiddleware(cfg))
	h.RegisterRoutes(salesRouter)

	// Late fee job
	if cfg.LateFeeCron != "" {
		job, err := jobs.NewLateFeeJob(cfg.LateFeeCron, svc, logger)
		if err != nil {
			logger.Fatalf("Failed to schedule late fee job: %v", err)
		}
		job.Start()
		defer job.Stop()
	}

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}
