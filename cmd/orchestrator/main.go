// Package main is the entry point for the orchestrator control server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/cancellation"
	"github.com/capitalize-ai/turn-orchestrator/internal/config"
	"github.com/capitalize-ai/turn-orchestrator/internal/events"
	"github.com/capitalize-ai/turn-orchestrator/internal/handler"
	"github.com/capitalize-ai/turn-orchestrator/internal/middleware"
	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	natsclient "github.com/capitalize-ai/turn-orchestrator/internal/nats"
	"github.com/capitalize-ai/turn-orchestrator/internal/operation"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/internal/poller"
	"github.com/capitalize-ai/turn-orchestrator/internal/service"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting orchestrator", zap.String("backend", cfg.BackendURL))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "turn-orchestrator", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	backend := operation.NewClient(operation.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
	}, log)

	canceller := cancellation.New(cancellation.Config{
		URL:            cfg.CancelURL,
		ConnectTimeout: cfg.CancelConnectTimeout,
		Linger:         cfg.CancelLinger,
		KeepAlive:      cfg.CancelKeepAlive,
	}, log)
	defer canceller.Close()

	hub := events.NewHub(events.DefaultBuffer, events.DefaultHistory, log)
	defer hub.Close()

	presenters := orchestrator.Presenters{hub, logPresenter(log)}

	// Optional event persistence in JetStream
	var (
		natsClient *natsclient.Client
		history    handler.EventHistory
		natsHealth interface{ IsConnected() bool }
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     cfg.NATSClientName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}

		publisher := natsclient.NewEventPublisher(natsClient, log)
		defer publisher.Close()

		presenters = append(presenters, publisher)
		history = streamManager
		natsHealth = natsClient
	}

	// Initialize orchestrator and services
	orch := orchestrator.New(backend, presenters, orchestrator.Config{Model: cfg.DefaultModel}, log)
	turnSvc := service.NewTurnService(
		orch,
		backend,
		canceller,
		poller.NewConsolePoller(backend, cfg.PollInterval, log),
		poller.NewTerminalPoller(backend, cfg.PollInterval, log),
		log,
	)
	defer turnSvc.Close()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(backend, natsHealth)
	turnHandler := handler.NewTurnHandler(turnSvc, log)
	commandHandler := handler.NewCommandHandler(turnSvc, log)
	streamHandler := handler.NewStreamHandler(hub, history, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Turns
		r.Route("/turns", func(r chi.Router) {
			r.Post("/", turnHandler.Submit)
			r.Get("/current", turnHandler.Current)
			r.Post("/cancel", turnHandler.Cancel)
			r.Post("/continue", turnHandler.Continue)
			r.Get("/{requestID}/events", streamHandler.Events)
		})

		// Command approvals
		r.Route("/commands/{kind}/{messageID}", func(r chi.Router) {
			r.Post("/accept", commandHandler.Accept)
			r.Post("/cancel", commandHandler.Cancel)
		})

		r.Post("/messages/{messageID}/revert", commandHandler.Revert)

		// Streaming
		r.Get("/stream", streamHandler.Stream)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	cancelOnShutdown(ctx, orch, canceller, shutdownCancelTimeout, log)

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Open event streams never finish on their own.
	hub.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	if natsClient != nil {
		h := natsClient.Health()
		log.Info("event store session",
			zap.Bool("connected", h.Connected),
			zap.Uint64("reconnects", h.Reconnects),
			zap.Uint64("disconnects", h.Disconnects),
			zap.String("last_error", h.LastError),
		)
	}

	log.Info("server stopped")
}

// shutdownCancelTimeout bounds delivery of the last ai_cancel frame.
const shutdownCancelTimeout = 5 * time.Second

// canceller delivers ai_cancel frames.
type canceller interface {
	Send(ctx context.Context, requestID string) error
}

// cancelOnShutdown ends the active turn and delivers its ai_cancel frame
// before returning, so the backend is not left working for nobody. It returns
// the cancelled request id, or "" when idle.
func cancelOnShutdown(ctx context.Context, orch *orchestrator.Orchestrator, c canceller, timeout time.Duration, log *logger.Logger) string {
	turn := orch.Cancel(ctx)
	if turn == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := c.Send(sctx, turn.RequestID()); err != nil {
		log.Warn("cancellation not delivered on shutdown", zap.String("request_id", turn.RequestID()), zap.Error(err))
	} else {
		log.Info("cancelled active turn on shutdown", zap.String("request_id", turn.RequestID()))
	}
	return turn.RequestID()
}

// logPresenter records every turn event at debug level.
func logPresenter(log *logger.Logger) orchestrator.Presenter {
	return orchestrator.PresenterFunc(func(ctx context.Context, ev *model.TurnEvent) {
		log.Debug("turn event",
			zap.String("request_id", ev.RequestID),
			zap.String("type", string(ev.Type)),
			zap.String("status", string(ev.Status)),
			zap.Uint64("sequence", ev.Sequence),
		)
	})
}
