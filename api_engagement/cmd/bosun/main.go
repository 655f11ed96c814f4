package main

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/domain"
	"vibeslop/api_engagement/internal/executor"
	"vibeslop/api_engagement/internal/handlers"
	"vibeslop/api_engagement/internal/maintenance"
	"vibeslop/api_engagement/internal/orchestrator"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/api_engagement/internal/selector"
	"vibeslop/api_engagement/internal/settings"
	"vibeslop/api_engagement/internal/store"
	"vibeslop/api_engagement/internal/textgen"
	"vibeslop/api_engagement/internal/timing"
	"vibeslop/api_engagement/internal/watcher"
	"vibeslop/pkg/cache"
	"vibeslop/pkg/config"
	"vibeslop/pkg/database"
	"vibeslop/pkg/kafka"
	"vibeslop/pkg/llm"
	"vibeslop/pkg/logging"
	"vibeslop/pkg/monitoring"
	"vibeslop/pkg/redis"
	"vibeslop/pkg/server"
	"vibeslop/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bosun")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(version.Fields()).Info("Starting Bosun (engagement engine)")

	config.RequireEnv("DATABASE_URL")
	cfg, err := settings.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	st := store.NewStore(db)
	if err := st.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	rdb, err := redis.NewUniversalClient(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bosun", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bosun", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(cfg.Required()))

	queueMetrics := queue.Metrics{
		JobsProcessed: metricsCollector.NewCounter("jobs_processed_total", "Queue jobs settled", []string{"kind", "result"}),
		JobDuration:   metricsCollector.NewHistogram("job_duration_seconds", "Queue job handling time", []string{"kind"}, nil),
		QueueDepth:    metricsCollector.NewGauge("queue_depth", "Jobs per queue set", []string{"set"}),
	}
	orchestratorMetrics := orchestrator.Metrics{
		EntriesScheduled:   metricsCollector.NewCounter("entries_scheduled_total", "Plan entries scheduled", []string{"type"}),
		SelectionShortfall: metricsCollector.NewCounter("selection_shortfall_total", "Targets left unfilled for lack of eligible actors", []string{"type"}),
	}
	executorMetrics := executor.Metrics{
		Executions: metricsCollector.NewCounter("executions_total", "Plan entries settled", []string{"type", "status"}),
	}
	rosterEvents := metricsCollector.NewCounter("roster_cache_events_total", "Actor roster cache events", []string{"event"})

	q := queue.New(rdb, cfg.QueueName)
	workerConfig := queue.DefaultWorkerConfig()
	workerConfig.Concurrency = cfg.WorkerConcurrency
	worker := queue.NewWorker(q, workerConfig, logger, queueMetrics)

	directory := actors.NewDirectory(db, logger, actors.DirectoryOptions{
		Hooks: cache.Hooks{OnEvent: func(event string) { rosterEvents.WithLabelValues(event).Inc() }},
	})

	rng := timing.NewLockedRand(0)
	sel := selector.New(directory, st, selector.Config{MinAge: cfg.MinAge, Location: cfg.Location}, rng, logger)

	var text orchestrator.TextGenerator
	if cfg.LLM.Enabled() {
		provider, err := llm.NewProvider(cfg.LLM)
		if err != nil {
			logger.WithError(err).Fatal("Invalid LLM configuration")
		}
		text = textgen.New(provider, cfg.TextTimeout)
	} else {
		logger.Warn("LLM_MODEL not set; comments and quotes use fallback text")
	}

	// Outcome events and the content trigger are optional.
	var publisher kafka.Publisher
	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		publisher = producer
		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.Client()))

		consumer, err = kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
	}

	platform := domain.NewClient(cfg.DomainAPIURL, cfg.ServiceToken, logger)

	orch := orchestrator.New(st, sel, text, q, orchestrator.Config{
		Profile:      cfg.Profile,
		CatchUpAfter: cfg.CatchUpAfter,
		MaxAttempts:  cfg.JobMaxAttempts,
	}, rng, logger, orchestratorMetrics)
	exec := executor.New(st, directory, platform, publisher, executor.Config{
		Lease: cfg.ExecutionLease,
	}, logger, executorMetrics)
	handlers.Register(worker, orch, exec, logger)

	trigger := watcher.NewTrigger(q, logger)
	poller := watcher.NewPoller(st, trigger, watcher.PollerConfig{
		Interval: cfg.WatchInterval,
		Lookback: cfg.WatchLookback,
	}, logger)
	if consumer != nil {
		consumer.AddHandler(cfg.ContentTopic, kafka.WithDeadLetter(publisher, "bosun", watcher.EventHandler(trigger)))
	}

	resetter, err := maintenance.NewUsageResetter(maintenance.ResetterConfig{
		Store:    directory,
		At:       cfg.UsageResetAt,
		Location: cfg.Location,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid usage reset time")
	}
	sweeper := maintenance.NewOrphanSweeper(maintenance.SweeperConfig{
		Store:       st,
		Queue:       q,
		Interval:    cfg.SweepInterval,
		MaxAttempts: cfg.JobMaxAttempts,
		Logger:      logger,
	})

	logger.WithFields(logging.Fields{
		"intensity":   cfg.Profile.Name,
		"lookahead":   cfg.Profile.Lookahead.String(),
		"concurrency": cfg.WorkerConcurrency,
		"kafka":       cfg.KafkaEnabled(),
		"llm":         text != nil,
	}).Info("Engine configured")

	router := server.SetupServiceRouter(logger, "bosun", healthChecker, metricsCollector)
	serverConfig := server.DefaultConfig("bosun", "18030")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return resetter.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Start(gctx) })
	}
	g.Go(func() error { return server.Start(gctx, serverConfig, router, logger) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("Bosun stopped")
	}
	logger.Info("Bosun stopped")
}
