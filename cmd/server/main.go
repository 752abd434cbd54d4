package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/cache"
	"mailpilot/internal/config"
	"mailpilot/internal/handler"
	"mailpilot/internal/httpserver"
	"mailpilot/internal/oauthstate"
	"mailpilot/internal/provider"
	"mailpilot/internal/provider/gmail"
	"mailpilot/internal/repository"
	"mailpilot/internal/service/token"
	"mailpilot/internal/service/triage"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/db"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/redis"
	"mailpilot/pkg/tokencrypt"
	"mailpilot/pkg/util"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	logger := logger.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	// MQ publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	box, err := tokencrypt.NewBox(cfg.Security.TokenKey)
	if err != nil {
		logger.Fatal("Invalid token encryption key", zap.Error(err))
	}

	store := repository.NewStore(dbConn, box)
	providers := provider.NewRegistry(gmail.New(cfg.Gmail, logger))
	tokens := token.NewManager(store, providers, logger)
	counts := cache.NewTriageCounts(rdb, 0, logger)
	engine := triage.NewEngine(store, counts, tokens, providers, logger)
	deduper := util.NewDeduperWithLogger(rdb, cfg.Sync.PushDedupTTL, logger)

	router := httpserver.NewRouter(httpserver.Handlers{
		OAuth:    handler.NewOAuthHandler(oauthstate.NewSigner(cfg.OAuth.StateSecret), providers, store, cfg.OAuth.SuccessURL, logger),
		Webhook:  handler.NewWebhookHandler(store, deduper, publisher, cfg.OAuth.WebhookToken, logger),
		Triage:   handler.NewTriageHandler(engine, store, logger),
		Accounts: handler.NewAccountHandler(store, publisher, logger),
	}, cfg.JWT.Secret,
		httpserver.Probe{Name: "db", Check: dbConn.Ping},
		httpserver.Probe{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		httpserver.Probe{Name: "mq", Check: func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher disconnected")
			}
			return nil
		}},
	)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
