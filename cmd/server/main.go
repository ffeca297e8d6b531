package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/rent-scheduler/internal/api"
	"github.com/t77yq/rent-scheduler/internal/billing"
	"github.com/t77yq/rent-scheduler/internal/config"
	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/jobs"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/monitor"
	"github.com/t77yq/rent-scheduler/internal/notify"
	"github.com/t77yq/rent-scheduler/internal/reporting"
	"github.com/t77yq/rent-scheduler/internal/scheduler"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

var queues = []string{
	model.QueuePaymentJobs,
	model.QueueNotificationJobs,
	model.QueueMonitoringJobs,
	model.QueueAnalyticsJobs,
}

func main() {
	configFile := flag.String("config", "", "path to config file (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.App.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("app", cfg.App.Name))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := storage.Open(logger, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	payments := storage.NewSQLitePaymentStore(logger, db)
	execLogs := storage.NewSQLiteExecutionLog(logger, db)

	// Execution layer
	logManager := executor.NewLogManager(execLogs, executor.LogConfig{
		Retention:     time.Duration(cfg.Logs.RetentionDays) * 24 * time.Hour,
		FlushInterval: cfg.Logs.FlushInterval,
		PurgeInterval: cfg.Logs.PurgeInterval,
		MaxBuffered:   cfg.Logs.MaxBuffered,
	}, logger)
	resources := executor.NewResourceManager(executor.ResourceLimits{
		MaxRunning:     cfg.Executor.MaxRunning,
		SampleInterval: cfg.Executor.SampleInterval,
	}, logger)
	exec := executor.NewExecutor(logManager, resources, logger)

	defs, err := cfg.ApplyOverrides(scheduler.DefaultDefinitions(cfg.App.Timezone))
	if err != nil {
		return err
	}
	registry, err := scheduler.NewRegistry(defs, logger)
	if err != nil {
		return fmt.Errorf("failed to build schedule table: %w", err)
	}

	// NATS is optional; without it triggers run in-process
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		publisher, err := executor.NewJetStreamPublisher(js, logger)
		if err != nil {
			return err
		}
		exec.SetPublisher(publisher)
	}

	// Alerting
	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.SMTP.Timeout,
		}, logger)
	}

	refill := cfg.Alerts.RefillPerHour / 3600
	var limiter monitor.Limiter = monitor.NewLocalBucket(cfg.Alerts.Burst, refill)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, alert limiter fails open until it recovers", zap.Error(err))
		}
		limiter = monitor.NewTokenBucket(rdb, "rentjobs:alerts:", cfg.Alerts.Burst, refill, 24*time.Hour)
	}

	alerts := monitor.NewAlertManager(mailer, limiter, cfg.Alerts.Recipients, logger)
	if js != nil {
		alerts.SetJetStream(js)
	}

	health := monitor.NewHealthMonitor(logManager, registry, resources, monitor.Thresholds{
		Window:           cfg.Health.Window,
		MaxRunning:       cfg.Health.MaxRunning,
		MaxAvgDuration:   cfg.Health.MaxAvgDuration,
		MinSuccessRate:   cfg.Health.MinSuccessRate,
		StuckAfter:       cfg.Health.StuckAfter,
		BacklogThreshold: cfg.Health.BacklogThreshold,
		MemoryThreshold:  cfg.Health.MemoryThreshold,
	}, logger)

	reporter := reporting.NewReporter(logManager, cfg.Location(), logger)
	if cfg.Reports.S3.Enabled {
		archiver, err := reporting.NewS3Archiver(ctx, reporting.S3Config{
			Bucket:          cfg.Reports.S3.Bucket,
			Region:          cfg.Reports.S3.Region,
			Endpoint:        cfg.Reports.S3.Endpoint,
			Prefix:          cfg.Reports.S3.Prefix,
			PathStyle:       cfg.Reports.S3.PathStyle,
			AccessKeyID:     cfg.Reports.S3.AccessKeyID,
			SecretAccessKey: cfg.Reports.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to set up report archive: %w", err)
		}
		reporter.SetArchiver(archiver)
	}

	// Jobs
	deps := jobs.Deps{
		Store:  payments,
		Mailer: mailer,
		Charger: billing.NewSimulatedCharger(billing.SimulatorConfig{
			FailureRate: cfg.Billing.FailureRate,
			Latency:     cfg.Billing.Latency,
			Timeout:     cfg.Billing.Timeout,
		}, logger),
		Location: cfg.Location(),
		Logger:   logger,
	}
	exec.Register(jobs.NewRentGeneration(deps))
	exec.Register(jobs.NewReminderEmail(deps))
	exec.Register(jobs.NewOverdueNotification(deps))
	exec.Register(jobs.NewAutoPay(deps))
	exec.Register(jobs.NewHealthCheck(health, alerts, logger))
	exec.Register(jobs.NewAnalytics(reporter, cfg.Location(), logger))

	for _, def := range registry.List() {
		if !exec.Has(def.Slug) {
			return fmt.Errorf("job %s has no implementation", def.Slug)
		}
	}

	// Dispatch
	var dispatcher scheduler.Dispatcher = scheduler.NewDirectDispatcher(registry, exec, logger)
	var worker *scheduler.JetStreamWorker
	if js != nil {
		jsDispatcher, err := scheduler.NewJetStreamDispatcher(js, queues, logger)
		if err != nil {
			return err
		}
		dispatcher = jsDispatcher
		health.SetQueueInspector(jsDispatcher)

		if cfg.NATS.Worker {
			worker = scheduler.NewJetStreamWorker(js, registry, exec, queues, logger)
		}
	}

	// Start components
	logManager.Start(ctx)
	resources.Start(ctx)
	if err := alerts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert manager: %w", err)
	}
	if worker != nil {
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	if err := registry.Start(ctx, dispatcher); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server := api.New(ctx, registry, logManager, health, reporter, logger)
	server.SetAlerts(alerts)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		registry.Stop()
		if worker != nil {
			worker.Stop()
		}
		alerts.Stop()
		logManager.Stop(shutdownCtx)
		return err
	})
	return g.Wait()
}

// connectNATS connects with the reconnect options used across our services,
// retrying the initial dial with a linear backoff
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
