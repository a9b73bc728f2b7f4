package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/todomirror/internal/archive"
	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/config"
	"github.com/hyperengineering/todomirror/internal/server"
	"github.com/hyperengineering/todomirror/internal/store"
	"github.com/hyperengineering/todomirror/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the todo backend",
	Long:  "Serve the snapshot query, the change stream and the write interface over HTTP.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	slog.SetDefault(newLogger(cfg.Log, parseLogLevel(cfg.Log.Level), cmd.OutOrStdout()))
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DatabasePath)

	// 5. Authentication
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		db.Close()
		return err
	}

	// 6. Change log archive
	uploader, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		db.Close()
		return err
	}
	if cfg.Archive.Bucket != "" {
		slog.Info("change log archive enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	// 7. Metrics, change hub and router
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)
	hub := server.NewHub(metrics)
	handler := server.NewHandler(db, hub, metrics, Version)
	router := server.NewRouter(handler, verifier, reg)
	slog.Info("router initialized")

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "change-hub", hub.Run)
	if interval := time.Duration(cfg.Server.CompactionInterval); interval > 0 {
		compactor := worker.NewCompactor(db, uploader, interval,
			time.Duration(cfg.Server.ChangeLogRetention), cfg.Server.AuditDir)
		startWorker(ctx, &wg, "changelog-compaction", compactor.Run)
	}

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests; the hub has already
	// released every change stream)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newVerifier returns the token verifier for cfg, or nil when no signing
// secret is configured and the backend runs without authentication.
func newVerifier(cfg config.AuthConfig) (server.TokenVerifier, error) {
	if cfg.JWTSecret == "" {
		slog.Warn("no JWT secret configured; accepting unauthenticated requests",
			"component", "server")
		return nil, nil
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, time.Duration(cfg.TokenTTL))
	if err != nil {
		return nil, err
	}
	return issuer, nil
}
