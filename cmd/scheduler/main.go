package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/catalog"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/coordination"
	"github.com/milvaion/milvaion/internal/cron"
	"github.com/milvaion/milvaion/internal/dispatch"
	"github.com/milvaion/milvaion/internal/logstream"
	"github.com/milvaion/milvaion/internal/resolution"
	"github.com/milvaion/milvaion/internal/tracking"
	"github.com/milvaion/milvaion/internal/zombie"
	"github.com/milvaion/milvaion/pkg/observability"
)

const serviceName = "milvaion-scheduler"

func main() {
	if err := run(); err != nil {
		// slog may not be initialized if config loading fails; stderr is safe.
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obs := cfg.Observability
	lp, logger, err := observability.InitLogger(ctx, serviceName, obs.Collector, obs.OTelEnabled,
		observability.LevelFromString(obs.LogLevel))
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, obs.Collector, obs.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, serviceName, obs.Collector, obs.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting milvaion scheduler", "node_id", cfg.NodeID)

	// Catalog store
	store, err := catalog.New(ctx, catalog.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetimeDuration(),
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTimeDuration(),
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog store: %w", err)
	}
	defer store.Close()
	slog.InfoContext(ctx, "catalog initialized", "dsn", maskPassword(cfg.Database.DSN))

	// Coordination store
	redisClient, err := coordination.NewClient(ctx, coordination.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordination client: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("failed to close coordination client", "error", err)
		}
	}()
	slog.InfoContext(ctx, "coordination store initialized", "addr", cfg.Redis.Addr)

	keys := coordination.NewKeys(cfg.Redis.KeyPrefix)
	breaker := coordination.NewCircuitBreaker("coordination", coordination.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenInterval:     cfg.Breaker.OpenDuration(),
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	})

	schedule := coordination.NewScheduleIndex(redisClient, keys, breaker)
	jobCache := coordination.NewJobCache(redisClient, keys, breaker)
	locks := coordination.NewLockManager(redisClient, keys, breaker)
	running := coordination.NewRunningSet(redisClient, keys, breaker)
	registry := coordination.NewWorkerRegistry(redisClient, keys, breaker,
		cfg.Registry.InstanceTTL(), cfg.Registry.ClassTTL())
	cancellations := coordination.NewCancellationBus(redisClient, keys, breaker)

	// Message bus
	clientID := cfg.Bus.ClientID
	if clientID == "" {
		clientID = cfg.NodeID
	}
	producerClient, err := bus.NewClient(bus.ClientConfig{
		Brokers:  cfg.Bus.Brokers,
		ClientID: clientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create bus producer: %w", err)
	}
	defer producerClient.Close()
	if err := bus.Ping(ctx, producerClient); err != nil {
		return err
	}
	slog.InfoContext(ctx, "bus initialized", "brokers", cfg.Bus.Brokers)

	statusClient, err := bus.NewClient(bus.ClientConfig{
		Brokers:      cfg.Bus.Brokers,
		ClientID:     clientID,
		Group:        "milvaion-status-tracker",
		Topics:       []string{cfg.Bus.StatusTopic},
		FetchMaxWait: cfg.StatusTracker.BatchInterval(),
	})
	if err != nil {
		return fmt.Errorf("failed to create status consumer client: %w", err)
	}
	defer statusClient.Close()

	logsClient, err := bus.NewClient(bus.ClientConfig{
		Brokers:      cfg.Bus.Brokers,
		ClientID:     clientID,
		Group:        "milvaion-log-collector",
		Topics:       []string{cfg.Bus.LogsTopic},
		FetchMaxWait: cfg.LogCollector.BatchInterval(),
	})
	if err != nil {
		return fmt.Errorf("failed to create logs consumer client: %w", err)
	}
	defer logsClient.Close()

	publisher := bus.NewPublisher(producerClient)
	deadLetters := bus.NewDeadLetterer(producerClient, cfg.Bus.DLQTopic)

	// Components
	maxLogs := cfg.LogCollector.MaxLogCount

	outbox := dispatch.NewOutboxBridge(publisher, store.Occurrences(), store.Jobs(),
		cfg.Bus.JobTopicPrefix, maxLogs)
	lease := coordination.NewLease(locks, coordination.ResourceDispatcherLeader,
		cfg.NodeID, cfg.Dispatcher.LeaseTTL())

	dispatcher, err := dispatch.NewDispatcher(cfg.Dispatcher, cfg.Cache.TTL(),
		schedule, jobCache, store.Jobs(), running, registry, store.Occurrences(),
		outbox, cron.New(), lease)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	failedQueue := resolution.NewHandler(store.Failed(), 256)
	finalizer := tracking.NewFinalizer(cfg.AutoDisable, store.Jobs(), schedule,
		jobCache, running, registry, failedQueue)

	tracker, err := tracking.NewStatusTracker(cfg.StatusTracker, store.Occurrences(), finalizer, deadLetters)
	if err != nil {
		return fmt.Errorf("failed to create status tracker: %w", err)
	}
	statusConsumer := bus.NewConsumer("status-tracker", statusClient,
		cfg.StatusTracker.BatchSize, tracker.HandleBatch)

	collector := logstream.NewCollector(cfg.LogCollector, store.Occurrences(), deadLetters)
	logsConsumer := bus.NewConsumer("log-collector", logsClient,
		cfg.LogCollector.BatchSize, collector.HandleBatch)

	zombieDetector, err := zombie.NewDetector(cfg.Zombie, maxLogs, store.Occurrences(), finalizer)
	if err != nil {
		return fmt.Errorf("failed to create zombie detector: %w", err)
	}

	cancellationListener := tracking.NewCancellationListener(cancellations, store.Occurrences(), maxLogs)

	services := []service{
		{name: "status-consumer", run: statusConsumer.Run},
		{name: "logs-consumer", run: logsConsumer.Run},
		{name: "failed-occurrence-handler", run: failedQueue.Run},
		{name: "cancellation-listener", run: cancellationListener.Run},
	}
	if cfg.Dispatcher.Enabled {
		services = append(services, service{name: "dispatcher", run: dispatcher.Run})
	}
	if cfg.Zombie.Enabled {
		services = append(services, service{name: "zombie-detector", run: zombieDetector.Run})
	}

	return runServices(ctx, cfg.ShutdownTimeout(), services)
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
