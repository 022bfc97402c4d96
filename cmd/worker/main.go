package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"classwatch/internal/ai"
	"classwatch/internal/ai/gemini"
	"classwatch/internal/blob"
	"classwatch/internal/config"
	"classwatch/internal/controller"
	"classwatch/internal/database"
	"classwatch/internal/joblog"
	"classwatch/internal/media"
	"classwatch/internal/orchestrator"
	"classwatch/internal/orchestrator/worker"
	"classwatch/internal/quota"
	"classwatch/internal/rabbitmq"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	log.Info().Msg("MongoDB connection established")

	rabbit, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
	}
	defer rabbit.Close()

	files, err := blob.NewFileService(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create file service")
	}

	provider := gemini.NewProvider(cfg.AI)
	pricing := ai.NewPricing(cfg.AI.Pricing)
	ledger := quota.NewLedger(db, cfg.Quota.DefaultAIQuota)
	logger := joblog.NewLogger(db, rabbit, cfg.RabbitMQ.ExchangeName, cfg.RabbitMQ.UsageQueueName)
	encoder := media.NewEncoder(cfg.Media.FFmpegBinary, cfg.Media.FFprobeBinary)
	engine := worker.NewAnalysisEngine(db, provider, pricing, ledger, logger, cfg.AI, cfg.Media)

	registry := orchestrator.NewWorkerRegistry(
		worker.NewVideoBuildWorker(db, files, ledger, encoder, cfg.Media),
		worker.NewZipWorker(db, files, ledger, cfg.Media),
		worker.NewAnalysisWorker(engine),
		worker.NewPropertyUploadWorker(db),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jc := controller.NewJobController(db, rabbit, cfg.RabbitMQ, registry)
	if err := jc.ProcessJobs(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job processing")
	}

	usageConsumer := quota.NewUsageConsumer(db, rabbit, cfg.RabbitMQ)
	usageTag := "usage-consumer-" + uuid.NewString()
	if err := usageConsumer.Start(ctx, usageTag); err != nil {
		log.Fatal().Err(err).Msg("Failed to start usage consumer")
	}

	log.Info().Str("env", cfg.Env).Msg("Worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down worker")
	cancel()
	jc.StopProcessing()
}

func setupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Logger = log.With().Timestamp().Logger()
}
