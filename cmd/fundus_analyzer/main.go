package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/retinalab/fundus_analyzer/internal/analysis"
	"github.com/retinalab/fundus_analyzer/internal/auth"
	"github.com/retinalab/fundus_analyzer/internal/config"
	"github.com/retinalab/fundus_analyzer/internal/http/rest"
	"github.com/retinalab/fundus_analyzer/internal/inference"
	"github.com/retinalab/fundus_analyzer/internal/ingest"
	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/record"
	"github.com/retinalab/fundus_analyzer/internal/session"
	"github.com/retinalab/fundus_analyzer/internal/storage/sqlite"
	"github.com/retinalab/fundus_analyzer/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("fundus analyzer starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "fundus_analyzer",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	credRepo := sqlite.NewInstrumentedCredentialRepository(database, tel)

	// =========================================================================
	// Restore Session
	gate := session.NewGate(credRepo)
	if err := gate.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate session gate: %w", err)
	}

	// =========================================================================
	// Start Analysis Pipeline
	store := record.NewStore()
	validator := ingest.NewValidator(cfg.MaxFileSize, cfg.PreviewMaxDim)

	inferenceClient := inference.NewClient(cfg.InferenceURL, gate, cfg.InferenceTimeout)
	instrumented := inference.NewInstrumentedService(inferenceClient, tel)
	orchestrator := analysis.NewOrchestrator(store, instrumented, tel)

	setupResultNotifications(ctx, orchestrator)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	authClient := auth.NewClient(cfg.AuthURL, credRepo)
	server := setupServer(ctx, cfg, tel, rest.NewHandler(store, validator, orchestrator, authClient, gate, tel))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for uploads...",
		"inference_url", cfg.InferenceURL,
		"max_file_size", cfg.MaxFileSize,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupResultNotifications logs when an analysis run produced new results.
func setupResultNotifications(ctx context.Context, orchestrator *analysis.Orchestrator) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-orchestrator.OnResultsReady:
				logger.Info("new analysis results ready")
			}
		}
	}()
}

// setupServer prepares the handlers and middleware to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, handler *rest.Handler) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
