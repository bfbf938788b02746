package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

type Config struct {
	Environment string

	HTTP     HTTPConfig
	Gemini   GeminiConfig
	YouTube  YouTubeConfig
	Redis    RedisConfig
	Scraper  ScraperConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

// LogConfig aliases the logger's own config so callers only import this
// package for configuration types.
type LogConfig = logger.Config

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float64
	Timeout     time.Duration

	// MaxAttempts is the total number of tries per generation call. The
	// pipeline core performs no automatic retry, so the default is 1; the
	// backoff loop only engages when operators raise it.
	MaxAttempts int
}

type YouTubeConfig struct {
	APIKey            string
	ResultsPerKeyword int64
	Timeout           time.Duration
	RecencyWindow     time.Duration
}

type RedisConfig struct {
	URL             string
	PoolSize        int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	LogStreamMaxLen int64
}

type ScraperConfig struct {
	Timeout         time.Duration
	MaxContentChars int
	MinUsableChars  int
	MaxSources      int
}

type PipelineConfig struct {
	KeywordCount      int
	MaxVideos         int
	TranscriptTimeout time.Duration
}

func Load() (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxTokens:   int32(getEnvInt("GEMINI_MAX_TOKENS", 8192)),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", 0.4),
			Timeout:     getEnvDuration("GEMINI_TIMEOUT", 10*time.Second),
			MaxAttempts: getEnvInt("GEMINI_MAX_ATTEMPTS", 1),
		},
		YouTube: YouTubeConfig{
			APIKey:            os.Getenv("YOUTUBE_API_KEY"),
			ResultsPerKeyword: int64(getEnvInt("YOUTUBE_RESULTS_PER_KEYWORD", 3)),
			Timeout:           getEnvDuration("YOUTUBE_TIMEOUT", 8*time.Second),
			RecencyWindow:     getEnvDuration("YOUTUBE_RECENCY_WINDOW", 24*time.Hour),
		},
		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize:        getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:     getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:     getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:    getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LogStreamMaxLen: int64(getEnvInt("REDIS_LOG_STREAM_MAXLEN", 1024)),
		},
		Scraper: ScraperConfig{
			Timeout:         getEnvDuration("SCRAPER_TIMEOUT", 8*time.Second),
			MaxContentChars: getEnvInt("SCRAPER_MAX_CONTENT_CHARS", 15000),
			MinUsableChars:  getEnvInt("SCRAPER_MIN_USABLE_CHARS", 500),
			MaxSources:      getEnvInt("SCRAPER_MAX_SOURCES", 3),
		},
		Pipeline: PipelineConfig{
			KeywordCount:      getEnvInt("PIPELINE_KEYWORD_COUNT", 5),
			MaxVideos:         getEnvInt("PIPELINE_MAX_VIDEOS", 5),
			TranscriptTimeout: getEnvDuration("PIPELINE_TRANSCRIPT_TIMEOUT", 8*time.Second),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gemini.APIKey == "" {
		return models.NewConfigurationError("GEMINI_API_KEY_MISSING", "GEMINI_API_KEY is required")
	}
	if c.YouTube.APIKey == "" {
		return models.NewConfigurationError("YOUTUBE_API_KEY_MISSING", "YOUTUBE_API_KEY is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return models.NewConfigurationError("INVALID_PORT", "PORT must be between 1 and 65535")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
