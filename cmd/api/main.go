package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tryonapi/controllers"
	"tryonapi/dbhelper"
	"tryonapi/logging"
	"tryonapi/services"
	"tryonapi/tasks"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", services.GetEnv("TRYON_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := services.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          "tryonapi@1.0.0",
			TracesSampleRate: 1.0,
		})
		if err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		defer sentry.Recover()
		defer sentry.Flush(2 * time.Second)
	}

	storage, err := services.NewS3Storage(context.Background(), cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}

	// Metadata is optional: without a database try-ons are still rendered and stored.
	var store services.MetadataStore
	if cfg.Database.Host != "" {
		db, err := dbhelper.SetupDB(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		store = services.GormMetadataStore{DB: db}
	} else {
		logger.Warn("DB_HOST is not set, try-on metadata will not be recorded")
	}

	var enqueuer tasks.Enqueuer
	if cfg.Queue.BrokerAddress != "" {
		asynqClient := tasks.NewClient(cfg.Queue.BrokerAddress)
		defer asynqClient.Close()
		enqueuer = asynqClient
	}

	tryOnService, err := services.NewTryOnService(cfg, storage, store, logger)
	if err != nil {
		logger.Fatal("failed to initialize try-on service", zap.Error(err))
	}
	logger.Info("try-on generators ready", zap.String("primary", tryOnService.Generator.Name()), zap.Bool("gemini", cfg.GeminiEnabled()))

	e := controllers.SetupServer(tryOnService, store, enqueuer, controllers.ServerOptions{
		RateLimit:      cfg.Server.RateLimit,
		MaxUploadBytes: cfg.Fetch.MaxImageBytes,
		Logger:         logger,
	})
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Logger.Fatal(e.Start(":" + cfg.Server.Port))
}
