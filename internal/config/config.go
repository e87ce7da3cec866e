package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir          string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	RetryCount           int           `envconfig:"RETRY_COUNT" default:"3"`
	Timeout              time.Duration `envconfig:"TIMEOUT" default:"8s"`
	ReadWriteTimeout     time.Duration `envconfig:"READ_WRITE_TIMEOUT" default:"8s"`
	TickInterval         time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	InsecureSkipVerify   bool          `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`
	RejectDuplicatePaths bool          `envconfig:"REJECT_DUPLICATE_PATHS" default:"false"`
	RateLimit            int64         `envconfig:"RATE_LIMIT" default:"0"` // bytes per second, 0 disables
	LogLevel             string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL    string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath               string        `envconfig:"DB_PATH" default:"downloads.db"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"assetfetch"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig loads envFiles (a missing file is not an error) and then reads
// environment variables into a Config. Variables already set in the
// environment win over file values. With no envFiles, ".env" is tried.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must not be negative, got %d", c.RetryCount)
	}

	if c.Timeout <= 0 || c.ReadWriteTimeout <= 0 {
		return errors.New("TIMEOUT and READ_WRITE_TIMEOUT must be positive")
	}

	if c.TickInterval <= 0 {
		return errors.New("TICK_INTERVAL must be positive")
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("RATE_LIMIT must not be negative, got %d", c.RateLimit)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
