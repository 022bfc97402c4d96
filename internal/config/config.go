package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the entire application configuration
type Config struct {
	Env      string         `json:"env"`
	Port     int            `json:"port"`
	AppName  string         `json:"app_name"`
	MongoDB  MongoDBConfig  `json:"mongodb"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	S3       S3Config       `json:"s3"`
	AI       AIConfig       `json:"ai"`
	Quota    QuotaConfig    `json:"quota"`
	Media    MediaConfig    `json:"media"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig contains the broker connection and topology names.
type RabbitMQConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	VHost          string `json:"vhost"`
	ExchangeName   string `json:"exchange_name"`
	JobQueueName   string `json:"job_queue_name"`
	UsageQueueName string `json:"usage_queue_name"`
	PrefetchCount  int    `json:"prefetch_count"`
}

// S3Config contains the blob store credentials and bucket.
type S3Config struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
}

// AIConfig configures the vision-language model provider.
type AIConfig struct {
	Provider      string        `json:"provider"`
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	TopP          float64       `json:"top_p"`
	MaxToolRounds int           `json:"max_tool_rounds"`
	Pricing       PricingConfig `json:"pricing"`
}

// PricingConfig holds the per-token prices and estimation constants used by
// the cost estimator. Zero values fall back to the package defaults.
type PricingConfig struct {
	InputPricePerToken     float64 `json:"input_price_per_token"`
	OutputPricePerToken    float64 `json:"output_price_per_token"`
	CharsPerToken          int     `json:"chars_per_token"`
	TokensPerImageEstimate int     `json:"tokens_per_image_estimate"`
}

// QuotaConfig configures the per-class AI spend ceiling default.
type QuotaConfig struct {
	DefaultAIQuota float64 `json:"default_ai_quota"`
}

// MediaConfig configures the video pipeline.
type MediaConfig struct {
	FFmpegBinary        string  `json:"ffmpeg_binary"`
	FFprobeBinary       string  `json:"ffprobe_binary"`
	FrameIntervalSecs   float64 `json:"frame_interval_secs"`
	ScreenshotBatchSize int     `json:"screenshot_batch_size"`
	AnalysisBatchSize   int     `json:"analysis_batch_size"`
	MaxVideosPerJob     int     `json:"max_videos_per_job"`
	ZipCompressionLevel int     `json:"zip_compression_level"`
	WorkDir             string  `json:"work_dir"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Quota.DefaultAIQuota <= 0 {
		c.Quota.DefaultAIQuota = 10.0
	}
	if c.Media.FFmpegBinary == "" {
		c.Media.FFmpegBinary = "ffmpeg"
	}
	if c.Media.FFprobeBinary == "" {
		c.Media.FFprobeBinary = "ffprobe"
	}
	if c.Media.FrameIntervalSecs <= 0 {
		c.Media.FrameIntervalSecs = 5
	}
	if c.Media.ScreenshotBatchSize <= 0 {
		c.Media.ScreenshotBatchSize = 50
	}
	if c.Media.AnalysisBatchSize <= 0 {
		c.Media.AnalysisBatchSize = 10
	}
	if c.Media.MaxVideosPerJob <= 0 {
		c.Media.MaxVideosPerJob = 100
	}
	if c.Media.ZipCompressionLevel <= 0 {
		c.Media.ZipCompressionLevel = 6
	}
	if c.AI.MaxToolRounds <= 0 {
		c.AI.MaxToolRounds = 4
	}
}
