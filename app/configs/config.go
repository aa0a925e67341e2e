package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultCompletionBaseURL = "https://api.groq.com/openai/v1/"
	DefaultCompletionModel   = "llama3-8b-8192"
)

type Config struct {
	Telegram   TelegramConfig
	Completion CompletionConfig
	Storage    StorageConfig
	Runtime    RuntimeConfig
	Task       TaskConfig
	CLI        CLIConfig
}

type TelegramConfig struct {
	BotToken       string
	TimeoutSeconds int
}

type CompletionConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
}

type StorageConfig struct {
	DataDir  string
	LogDir   string
	TraceDir string
}

type RuntimeConfig struct {
	Queue       QueueConfig
	Maintenance MaintenanceConfig
	// StatusPort enables the HTTP status server when positive.
	StatusPort  int
}

type QueueConfig struct {
	Enabled            bool
	Workers            int
	Buffer             int
	ShutdownTimeoutSec int
	EnqueueTimeoutSec  int
}

type MaintenanceConfig struct {
	Enabled            bool
	TraceRetentionDays int
	BackupKeep         int
}

type TaskConfig struct {
	// StrictDelete restricts /delete to tasks owned by the caller.
	StrictDelete bool
}

type CLIConfig struct {
	Enabled bool
	UserID  int64
}

// Load reads an optional .env file from the working directory and then builds
// the config from environment variables.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the config from a lookup function so tests can avoid the
// process environment.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	r := envReader{lookup: lookup}
	cfg := Config{
		Telegram: TelegramConfig{
			BotToken:       r.str("BOT_TOKEN"),
			TimeoutSeconds: r.intVal("TELEGRAM_POLL_TIMEOUT_SEC"),
		},
		Completion: CompletionConfig{
			APIKey:  r.str("GROQ_API_KEY"),
			BaseURL: r.str("COMPLETION_BASE_URL"),
			Model:   r.str("COMPLETION_MODEL"),
		},
		Storage: StorageConfig{
			DataDir:  r.str("DATA_DIR"),
			LogDir:   r.str("LOG_DIR"),
			TraceDir: r.str("TRACE_DIR"),
		},
		Runtime: RuntimeConfig{
			Queue: QueueConfig{
				Enabled:            r.boolVal("QUEUE_ENABLED", true),
				Workers:            r.intVal("QUEUE_WORKERS"),
				Buffer:             r.intVal("QUEUE_BUFFER"),
				ShutdownTimeoutSec: r.intVal("QUEUE_SHUTDOWN_TIMEOUT_SEC"),
				EnqueueTimeoutSec:  r.intVal("QUEUE_ENQUEUE_TIMEOUT_SEC"),
			},
			Maintenance: MaintenanceConfig{
				Enabled:            r.boolVal("MAINTENANCE_ENABLED", true),
				TraceRetentionDays: r.intVal("TRACE_RETENTION_DAYS"),
				BackupKeep:         r.intVal("DB_BACKUP_KEEP"),
			},
			StatusPort: r.intVal("STATUS_PORT"),
		},
		Task: TaskConfig{
			StrictDelete: r.boolVal("STRICT_DELETE", false),
		},
		CLI: CLIConfig{
			Enabled: r.boolVal("CLI_ENABLED", false),
			UserID:  int64(r.intVal("CLI_USER_ID")),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Telegram.TimeoutSeconds <= 0 {
		cfg.Telegram.TimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.Completion.BaseURL) == "" {
		cfg.Completion.BaseURL = DefaultCompletionBaseURL
	}
	if strings.TrimSpace(cfg.Completion.Model) == "" {
		cfg.Completion.Model = DefaultCompletionModel
	}
	if cfg.Completion.Temperature <= 0 {
		cfg.Completion.Temperature = 0.7
	}
	if cfg.Completion.MaxTokens <= 0 {
		cfg.Completion.MaxTokens = 500
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		cfg.Storage.DataDir = "output/db"
	}
	if strings.TrimSpace(cfg.Storage.LogDir) == "" {
		cfg.Storage.LogDir = "output/logs"
	}
	if strings.TrimSpace(cfg.Storage.TraceDir) == "" {
		cfg.Storage.TraceDir = "output/trace"
	}
	if cfg.Runtime.Queue.Workers <= 0 {
		cfg.Runtime.Queue.Workers = 4
	}
	if cfg.Runtime.Queue.Buffer <= 0 {
		cfg.Runtime.Queue.Buffer = 64
	}
	if cfg.Runtime.Queue.ShutdownTimeoutSec <= 0 {
		cfg.Runtime.Queue.ShutdownTimeoutSec = 5
	}
	if cfg.Runtime.Queue.EnqueueTimeoutSec <= 0 {
		cfg.Runtime.Queue.EnqueueTimeoutSec = 3
	}
	if cfg.Runtime.Maintenance.TraceRetentionDays <= 0 {
		cfg.Runtime.Maintenance.TraceRetentionDays = 14
	}
	if cfg.Runtime.Maintenance.BackupKeep <= 0 {
		cfg.Runtime.Maintenance.BackupKeep = 3
	}
	if cfg.CLI.UserID <= 0 {
		cfg.CLI.UserID = 1
	}
}

// Validate reports missing secrets. The bot token is optional only when the
// CLI channel is the sole transport.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Telegram.BotToken) == "" && !c.CLI.Enabled {
		missing = append(missing, "BOT_TOKEN")
	}
	if strings.TrimSpace(c.Completion.APIKey) == "" {
		missing = append(missing, "GROQ_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) str(key string) string {
	v, _ := r.lookup(key)
	return strings.TrimSpace(v)
}

func (r *envReader) intVal(key string) int {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("parse %s=%q: %w", key, raw, err)
		}
		return 0
	}
	return n
}

func (r *envReader) boolVal(key string, fallback bool) bool {
	raw := r.str(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("parse %s=%q: %w", key, raw, err)
		}
		return fallback
	}
	return b
}
