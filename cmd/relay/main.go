package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-sync-relay/internal/config"
	"github.com/weiawesome/wes-sync-relay/internal/directory"
	relaygrpc "github.com/weiawesome/wes-sync-relay/internal/grpc"
	"github.com/weiawesome/wes-sync-relay/internal/handler"
	"github.com/weiawesome/wes-sync-relay/internal/hub"
	"github.com/weiawesome/wes-sync-relay/internal/idgen"
	"github.com/weiawesome/wes-sync-relay/internal/kafka"
	"github.com/weiawesome/wes-sync-relay/internal/metrics"
	"github.com/weiawesome/wes-sync-relay/internal/oauth"
	"github.com/weiawesome/wes-sync-relay/internal/registry"
	"github.com/weiawesome/wes-sync-relay/internal/service"
	pkglog "github.com/weiawesome/wes-sync-relay/pkg/log"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadAndWatch()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: "sync-relay",
	})
	logger := pkglog.L()

	logger.Info().Str("version", version).Str("addr", cfg.Server.Addr()).
		Dur("probe_interval", cfg.Heartbeat.ProbeInterval).Dur("ack_timeout", cfg.Heartbeat.AckTimeout).
		Bool("implicit_join", cfg.Relay.ImplicitJoin).Str("id_strategy", cfg.Relay.IDStrategy).
		Msg("starting sync relay")

	instance := instanceName(cfg)
	m := metrics.New()

	ids, err := idgen.New(cfg.Relay.IDStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	dir := initDirectory(cfg, instance)
	producer := initProducer(cfg, instance)

	reg := registry.New(registry.Config{
		ProbeInterval: cfg.Heartbeat.ProbeInterval,
		AckTimeout:    cfg.Heartbeat.AckTimeout,
	}, registry.WithIDGenerator(ids), registry.WithMetrics(m))

	roomHub := hub.New(reg, hub.Config{
		ImplicitJoin: cfg.Relay.ImplicitJoin,
		EventBuffer:  cfg.Relay.EventBuffer,
	}, m, dir, kafka.NewPublisher(producer))

	relaySvc := service.NewRelayService(reg, roomHub, dir, producer, oauth.NewClient(cfg.OAuth), m)

	// The service outlives the signal context so that leave events from the
	// final connection sweep still reach the observers.
	if err := relaySvc.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay service")
	}

	// Setup HTTP server
	wsHandler := handler.NewWSHandler(relaySvc, cfg.WebSocket)
	httpHandler := handler.NewHandler(relaySvc, wsHandler, m.Handler(), version)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.NewRouter(httpHandler, logger, cfg.CORS.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var grpcServer *relaygrpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = relaygrpc.NewServer(logger)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("sync relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			return grpcServer.ListenAndServe(cfg.GRPC.Addr())
		})
	}

	// Staged shutdown once a signal arrives or a server fails.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down sync relay")

		if grpcServer != nil {
			grpcServer.SetServing(false)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server forced to shutdown")
		}

		// Hijacked WebSocket connections are not tracked by Shutdown.
		if err := relaySvc.Stop(); err != nil {
			logger.Error().Err(err).Msg("relay service stop")
		}

		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("sync relay exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("sync relay stopped")
}

// instanceName identifies this process in the room directory and on the
// event stream.
func instanceName(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return cfg.Server.Addr()
	}
	return fmt.Sprintf("%s:%d", host, cfg.Server.Port)
}

// initDirectory connects the Redis room directory, falling back to a no-op
// directory when Redis is not configured or unreachable.
func initDirectory(cfg *config.Config, instance string) directory.Directory {
	l := pkglog.L()
	if cfg.Redis.Address == "" {
		l.Info().Msg("redis not configured, room directory disabled")
		return directory.NewNoOpDirectory()
	}

	dir, err := directory.NewRedisDirectory(cfg.Redis, instance)
	if err != nil {
		l.Warn().Err(err).Msg("failed to connect to redis, room directory disabled")
		return directory.NewNoOpDirectory()
	}
	l.Info().Str("address", cfg.Redis.Address).Msg("room directory connected")
	return dir
}

// initProducer creates the Kafka room event producer, falling back to a
// no-op producer when Kafka is not configured.
func initProducer(cfg *config.Config, instance string) kafka.EventProducer {
	l := pkglog.L()
	if cfg.Kafka.Brokers == "" {
		l.Info().Msg("kafka not configured, room event stream disabled")
		return kafka.NewNoOpProducer()
	}

	producer, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions, instance)
	if err != nil {
		l.Warn().Err(err).Msg("failed to create kafka producer, room event stream disabled")
		return kafka.NewNoOpProducer()
	}
	l.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("room event stream enabled")
	return producer
}
