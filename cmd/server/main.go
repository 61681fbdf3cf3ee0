package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"snagit/internal/chat"
	"snagit/internal/config"
	"snagit/internal/db"
	"snagit/internal/logging"
	"snagit/internal/metrics"
	"snagit/internal/price"
	"snagit/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("❌ server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	configPath := flag.String("config", config.ConfigPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closeLog := logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// 2. Chat transport (mock or PostgreSQL)
	var transport chat.Transport
	switch cfg.Transport {
	case config.TransportPostgres:
		database, err := db.NewDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("✅ Database schema initialized")

		repo := chat.NewRepository(database.Conn)
		if err := repo.EnsureConversation(ctx, chat.GeneralConversationID, "General"); err != nil {
			return err
		}
		if err := repo.EnsureConversation(ctx, chat.IOSConversationID, "iOS"); err != nil {
			return err
		}
		transport = repo
	default:
		transport = chat.NewMockTransport(chat.MockConfig{
			FetchLatency:    250 * time.Millisecond,
			SendLatency:     180 * time.Millisecond,
			SendFailureRate: cfg.Mock.SendFailureRate,
			FeedMinInterval: time.Duration(cfg.Mock.FeedMinSeconds) * time.Second,
			FeedMaxInterval: time.Duration(cfg.Mock.FeedMaxSeconds) * time.Second,
		})
		logger.Info("🧪 Using mock chat transport")
	}

	// 3. Redis push feed (optional)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)
		transport = chat.NewRedisFeed(transport, redisClient, cfg.ChannelPrefix, logger)
	}

	// 4. Stores
	store := chat.NewStore(transport,
		chat.WithLogger(logger),
		chat.WithMetrics(m),
		chat.WithPageSizes(cfg.InitialPage, cfg.OlderPage),
	)
	go store.Run(ctx)

	priceAPI := price.NewMockAPI()
	priceAPI.FailureOdds = cfg.Mock.PriceFailureOdds
	prices := price.NewStore(priceAPI,
		price.WithLogger(logger),
		price.WithMetrics(m),
		price.WithConcurrency(cfg.RefreshConcurrency),
		price.WithItems(price.DefaultItems()),
	)
	go prices.Run(ctx)

	// 5. Websocket hub & outbox
	hub := server.NewHub(logger)
	go hub.Run(ctx)

	outbox := chat.NewOutbox(store, func() { hub.Broadcast(server.EventOutbox) })
	defer outbox.Close()

	srv := server.New(ctx, server.Deps{
		Hub:     hub,
		Chat:    store,
		Outbox:  outbox,
		Prices:  prices,
		Metrics: m,
		Logger:  logger,
	})

	// 6. HTTP
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server starting", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
