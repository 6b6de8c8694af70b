package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-n-ai/pai-qbank/internal/api"
	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/exporter"
	"github.com/p-n-ai/pai-qbank/internal/importer"
	"github.com/p-n-ai/pai-qbank/internal/platform/cache"
	"github.com/p-n-ai/pai-qbank/internal/platform/config"
	"github.com/p-n-ai/pai-qbank/internal/platform/database"
	"github.com/p-n-ai/pai-qbank/internal/platform/logging"
	"github.com/p-n-ai/pai-qbank/internal/taxonomy"
)

// check is one readiness dependency.
type check func(ctx context.Context) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.Log))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	store, err := exercise.NewPostgresStore(db.Pool)
	if err != nil {
		slog.Error("failed to create exercise store", "error", err)
		os.Exit(1)
	}

	if cfg.TaxonomyPath != "" {
		catalogs, err := taxonomy.Load(cfg.TaxonomyPath)
		if err != nil {
			slog.Error("failed to load taxonomy", "path", cfg.TaxonomyPath, "error", err)
			os.Exit(1)
		}
		if _, err := taxonomy.Seed(ctx, store, catalogs); err != nil {
			slog.Error("failed to seed taxonomy", "error", err)
			os.Exit(1)
		}
	}

	checks := map[string]check{"database": db.HealthCheck}

	var reports importer.ReportStore
	c, err := cache.New(ctx, cfg.Cache)
	switch {
	case err == nil:
		defer func() { _ = c.Close() }()
		reports = importer.NewRedisReportStore(c.Client, cfg.Import.ReportTTLDuration())
		checks["cache"] = c.HealthCheck
	case errors.Is(err, cache.ErrDisabled):
		slog.Info("cache disabled, keeping import reports in memory")
	default:
		slog.Warn("cache unavailable, keeping import reports in memory", "error", err)
	}

	policy, err := importer.ParsePolicy(cfg.Import.Policy)
	if err != nil {
		slog.Error("invalid import policy", "error", err)
		os.Exit(1)
	}

	handler := api.New(
		store,
		importer.New(store, reports, cfg.Import.ChunkSize),
		exporter.New(store, cfg.Export.ChunkSize),
		audit.NewPostgresLogger(db.Pool),
		api.Options{Policy: policy, MaxUploadBytes: cfg.Import.MaxUploadBytes()},
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     newMux(handler, checks),
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// newMux creates the HTTP router with the API, metrics, and health endpoints.
func newMux(h *api.Handler, checks map[string]check) *http.ServeMux {
	mux := http.NewServeMux()
	if h != nil {
		h.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(checks))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks map[string]check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, c := range checks {
			if err := c(ctx); err != nil {
				failed[name] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			slog.Warn("readiness check failed", "failed", failed)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
