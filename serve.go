package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"chat-relay/internal/broadcast"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/handlers"
	"chat-relay/internal/logging"
	"chat-relay/internal/middleware"
	"chat-relay/internal/natsbus"
	"chat-relay/internal/observability"
	"chat-relay/internal/presence"
	"chat-relay/internal/rabbitmq"
	"chat-relay/internal/repositories"
	"chat-relay/internal/store"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "err", err)
		}
	}()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	if reason := observability.NoopReason(publisher); reason != "" {
		logger.Warn("event publishing disabled", "reason", reason)
	}

	snapshots, err := openSnapshots(cfg, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	audit := telemetry.NewAuditEmitter(publisher, cfg.Events.AuditKey, cfg.Tracing.ServiceName, cfg.Environment, logger.With("component", "audit"))

	tracker := presence.NewTracker(
		presence.WithTimeout(cfg.Presence.HeartbeatTimeout.Std()),
		presence.WithLogger(logger.With("component", "presence")),
	)
	hub := ws.NewHub(tracker, logger.With("component", "hub"))
	rooms := store.NewRoomStore(nil)
	messages := store.NewMessageLog(rooms, logger.With("component", "messages"))
	engine := broadcast.New(rooms, messages, hub, tracker, broadcast.Options{
		Snapshots:      snapshots,
		Audit:          audit,
		PersistTimeout: cfg.Relay.PersistTimeout.Std(),
		Logger:         logger.With("component", "engine"),
	})

	go tracker.Run(ctx, cfg.Presence.SweepInterval.Std())
	go engine.Run(ctx)

	wsHandler := ws.NewHandler(hub, engine, tracker, ws.HandlerConfig{
		SendBuffer: cfg.Relay.SendBuffer,
		RateLimit:  rate.Limit(cfg.Relay.RateLimitRPS),
		Burst:      cfg.Relay.RateLimitBurst,
	}, logger.With("component", "ws"))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	router.GET("/healthz", handlers.Health(hub.Count, publisher.Mode))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)

	api := router.Group("/", middleware.RateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst), middleware.DeviceID(false))
	handlers.NewRoomHandler(engine, audit).Register(api)
	handlers.RegisterDebugRoutes(api, audit, cfg.Debug.Enabled)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "events", publisher.Mode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newPublisher(cfg config.Config, logger *log.Logger) observability.Publisher {
	switch cfg.Events.Backend {
	case "amqp":
		return rabbitmq.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger.With("component", "amqp"))
	case "nats":
		return natsbus.NewPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.With("component", "nats"))
	}
	return observability.NoopPublisher{Reason: "events backend disabled", Logger: logger}
}

func openSnapshots(cfg config.Config, logger *log.Logger) (repositories.SnapshotRepository, error) {
	switch cfg.Store.Backend {
	case "postgres":
		database, err := db.Connect(cfg.Store.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return repositories.NewPostgresSnapshotRepo(database), nil
	case "pebble":
		repo, err := repositories.OpenPebbleSnapshotRepo(cfg.Store.PebblePath, logger.With("component", "pebble"))
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	return repositories.NewMemorySnapshotRepo(), nil
}
