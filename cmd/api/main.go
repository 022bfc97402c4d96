package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"classwatch/internal/ai"
	"classwatch/internal/ai/gemini"
	"classwatch/internal/blob"
	"classwatch/internal/cache"
	"classwatch/internal/config"
	"classwatch/internal/controller"
	"classwatch/internal/database"
	"classwatch/internal/joblog"
	"classwatch/internal/media"
	"classwatch/internal/orchestrator"
	"classwatch/internal/orchestrator/worker"
	"classwatch/internal/quota"
	"classwatch/internal/rabbitmq"
	"classwatch/internal/server"
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

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Redis cache connection")
	}
	defer redisCache.Close()

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

	// The API registers the same workers as the consumer so job-type
	// validation and the synchronous retry path share one registry, but it
	// never consumes the job queue; cmd/worker does.
	registry := orchestrator.NewWorkerRegistry(
		worker.NewVideoBuildWorker(db, files, ledger, encoder, cfg.Media),
		worker.NewZipWorker(db, files, ledger, cfg.Media),
		worker.NewAnalysisWorker(engine),
		worker.NewPropertyUploadWorker(db),
	)

	jc := controller.NewJobController(db, rabbit, cfg.RabbitMQ, registry)
	jobCache := cache.NewJobCache(redisCache)

	srv := server.New(*cfg, db, jobCache, jc, engine)

	log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("Starting API server")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("HTTP server stopped")
	}
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
