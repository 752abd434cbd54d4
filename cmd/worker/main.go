package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/ai"
	"mailpilot/internal/cache"
	"mailpilot/internal/config"
	"mailpilot/internal/mqhandler"
	"mailpilot/internal/provider"
	"mailpilot/internal/provider/gmail"
	"mailpilot/internal/repository"
	"mailpilot/internal/scheduler"
	"mailpilot/internal/service/autohandle"
	"mailpilot/internal/service/classify"
	"mailpilot/internal/service/draft"
	"mailpilot/internal/service/mailsync"
	"mailpilot/internal/service/token"
	"mailpilot/internal/service/triage"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/db"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/redis"
	"mailpilot/pkg/tokencrypt"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	logger := logger.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting worker...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := db.Migrate(ctx, dbConn); err != nil {
		logger.Fatal("Schema migration failed", zap.Error(err))
	}

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	box, err := tokencrypt.NewBox(cfg.Security.TokenKey)
	if err != nil {
		logger.Fatal("Invalid token encryption key", zap.Error(err))
	}

	aiClient, err := ai.New(cfg.AI, ai.WithLogger(logger))
	if err != nil {
		logger.Fatal("AI client init failed", zap.Error(err))
	}
	if aiClient == nil {
		logger.Info("AI disabled, classification uses rules and stub tiers only")
	}

	// services
	store := repository.NewStore(dbConn, box)
	providers := provider.NewRegistry(gmail.New(cfg.Gmail, logger))
	tokens := token.NewManager(store, providers, logger)
	counts := cache.NewTriageCounts(rdb, 0, logger)

	tiers := []classify.Tier{classify.NewRulesTier()}
	if aiClient != nil {
		tiers = append(tiers, classify.NewAITier(aiClient))
	}
	cascade := classify.NewCascade(logger, tiers...)

	orchestrator := mailsync.NewOrchestrator(store, store, tokens, providers, logger)
	classifier := classify.NewService(store, cascade, counts, logger)
	drafter := draft.NewService(store, draft.NewGenerator(aiClient, logger), logger)
	executor := autohandle.NewExecutor(store, tokens, providers, logger)
	engine := triage.NewEngine(store, counts, tokens, providers, logger)

	// consumers
	consumers := []struct {
		policy  mq.Policy
		handler mq.MessageHandler
	}{
		{
			policy:  mq.PolicyFromConfig(mqcontracts.QueueSync, mqcontracts.RoutingKeySync, cfg.Queues.Sync),
			handler: mqhandler.NewSyncHandler(orchestrator, logger).Handle,
		},
		{
			policy:  mq.PolicyFromConfig(mqcontracts.QueueClassify, mqcontracts.RoutingKeyClassify, cfg.Queues.Classify),
			handler: mqhandler.NewClassifyRouter(classifier, drafter).Handle,
		},
		{
			policy:  mq.PolicyFromConfig(mqcontracts.QueueAutoHandle, mqcontracts.RoutingKeyAutoHandle, cfg.Queues.AutoHandle),
			handler: mqhandler.NewAutoHandleHandler(executor, logger).Handle,
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		logger.Info("Init consumer", zap.String("queue", c.policy.Queue))
		consumer, err := mq.NewConsumer(cfg.MQ.URL, c.policy, logger)
		if err != nil {
			logger.Fatal("Consumer init failed", zap.String("queue", c.policy.Queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(c.handler)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// periodic jobs
	dispatcher := outbox.NewDispatcher(dbConn, outbox.NewRepository(dbConn), publisher, logger).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	syncScheduler := scheduler.NewSyncScheduler(store, publisher, cfg.Sync.IncrementalInterval, logger)
	sweeper := scheduler.NewSnoozeSweeper(engine, cfg.Sync.SnoozeInterval, logger)

	g.Go(func() error { dispatcher.Start(gctx); return nil })
	g.Go(func() error { syncScheduler.Start(gctx); return nil })
	g.Go(func() error { sweeper.Start(gctx); return nil })

	logger.Info("Worker running")
	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("Worker stopped")
}
