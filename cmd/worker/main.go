package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tryonapi/dbhelper"
	"tryonapi/logging"
	"tryonapi/services"
	"tryonapi/tasks"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const staleTryOnAfter = 30 * time.Minute

func runScheduler(brokerAddress string) {
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: brokerAddress}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	entries := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/10 * * * *",
			task: tasks.NewRequeueStaleTryOnsTask(),
			desc: "Requeue stale pending try-ons",
		},
	}
	for _, t := range entries {
		entryID, err := scheduler.Register(t.cron, t.task, asynq.Queue(tasks.QueueGenerate))
		if err != nil {
			log.Fatalf("Failed to register task '%s': %v", t.desc, err)
		}
		log.Printf("Registered task '%s' with ID: %s, cron: %s", t.desc, entryID, t.cron)
	}

	log.Println("Starting scheduler...")
	if err := scheduler.Run(); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
}

func main() {
	configPath := flag.String("config", services.GetEnv("TRYON_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := services.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Queue.BrokerAddress == "" {
		log.Fatal("ASYNC_BROKER_ADDRESS environment variable is not set!")
	}
	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := dbhelper.SetupDB(cfg.Database)
	if err != nil {
		logger.Fatal("[Queue] failed to connect to database", zap.Error(err))
	}
	store := services.GormMetadataStore{DB: db}
	storage, err := services.NewS3Storage(context.Background(), cfg.Storage)
	if err != nil {
		logger.Fatal("[Queue] failed to initialize storage", zap.Error(err))
	}
	tryOnService, err := services.NewTryOnService(cfg, storage, store, logger)
	if err != nil {
		logger.Fatal("[Queue] failed to initialize try-on service", zap.Error(err))
	}
	asynqClient := tasks.NewClient(cfg.Queue.BrokerAddress)
	defer asynqClient.Close()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Queue.BrokerAddress},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			tasks.QueueGenerate: 7,
		}},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTryOnGeneration, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleTryOnGenerationTask(ctx, t, store, tryOnService)
	})
	mux.HandleFunc(tasks.TypeRequeueStaleTryOns, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleRequeueStaleTryOnsTask(ctx, store, asynqClient, staleTryOnAfter)
	})

	go runScheduler(cfg.Queue.BrokerAddress)
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
