package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/virtool/jobrunner/pkg/models"
)

// Config holds all configuration for the job runner server and workers.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Queue    QueueConfig
	Rights   RightsConfig
	Tools    ToolsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type LogConfig struct {
	Level slog.Level
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	DataPath string
	TempPath string
	HMMPath  string
}

type WorkerConfig struct {
	ID                 string
	Proc               int
	Mem                int
	Tasks              []models.Task
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
}

type QueueConfig struct {
	ScanLimit        int
	HeartbeatTimeout time.Duration
	ReapSchedule     string
	CancelFlagTTL    time.Duration
}

type RightsConfig struct {
	AdministratorBypass bool
}

// ToolsConfig names the external executables the workflows invoke.
type ToolsConfig struct {
	Bowtie2      string
	Bowtie2Build string
	Spades       string
	HMMScan      string
	Skewer       string
	FastQC       string
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	tasks, err := envTasks("VT_WORKER_TASKS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("VT_PORT", 9950),
			Env:  envString("VT_ENV", "development"),
		},
		Log: LogConfig{
			Level: envLevel("LOG_LEVEL", slog.LevelInfo),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsPath:  envString("VT_MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			DataPath: os.Getenv("VT_DATA_PATH"),
			TempPath: envString("VT_TEMP_PATH", os.TempDir()),
			HMMPath:  os.Getenv("VT_HMM_PATH"),
		},
		Worker: WorkerConfig{
			ID:                 os.Getenv("VT_WORKER_ID"),
			Proc:               envInt("VT_WORKER_PROC", 2),
			Mem:                envInt("VT_WORKER_MEM", 8),
			Tasks:              tasks,
			PollInterval:       envDuration("VT_POLL_INTERVAL", 5*time.Second),
			HeartbeatInterval:  envDuration("VT_HEARTBEAT_INTERVAL", 10*time.Second),
			CancelPollInterval: envDuration("VT_CANCEL_POLL_INTERVAL", 2*time.Second),
		},
		Queue: QueueConfig{
			ScanLimit:        envInt("VT_QUEUE_SCAN_LIMIT", 50),
			HeartbeatTimeout: envDuration("VT_HEARTBEAT_TIMEOUT", 90*time.Second),
			ReapSchedule:     envString("VT_REAP_SCHEDULE", "@every 30s"),
			CancelFlagTTL:    envDuration("VT_CANCEL_FLAG_TTL", 24*time.Hour),
		},
		Rights: RightsConfig{
			AdministratorBypass: envBool("VT_ADMIN_BYPASS", true),
		},
		Tools: ToolsConfig{
			Bowtie2:      envString("VT_BOWTIE2", "bowtie2"),
			Bowtie2Build: envString("VT_BOWTIE2_BUILD", "bowtie2-build"),
			Spades:       envString("VT_SPADES", "spades.py"),
			HMMScan:      envString("VT_HMMSCAN", "hmmscan"),
			Skewer:       envString("VT_SKEWER", "skewer"),
			FastQC:       envString("VT_FASTQC", "fastqc"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.DataPath == "" {
		return fmt.Errorf("VT_DATA_PATH is required")
	}

	return c.ValidateWorker()
}

// ValidateWorker checks the worker and queue settings. It is run again by
// the worker command after flags are applied.
func (c *Config) ValidateWorker() error {
	if c.Worker.Proc <= 0 {
		return fmt.Errorf("VT_WORKER_PROC must be positive, got %d", c.Worker.Proc)
	}
	if c.Worker.Mem <= 0 {
		return fmt.Errorf("VT_WORKER_MEM must be positive, got %d", c.Worker.Mem)
	}
	if c.Queue.ScanLimit <= 0 {
		return fmt.Errorf("VT_QUEUE_SCAN_LIMIT must be positive, got %d", c.Queue.ScanLimit)
	}
	if c.Worker.HeartbeatInterval >= c.Queue.HeartbeatTimeout {
		return fmt.Errorf("VT_HEARTBEAT_INTERVAL (%s) must be shorter than VT_HEARTBEAT_TIMEOUT (%s)",
			c.Worker.HeartbeatInterval, c.Queue.HeartbeatTimeout)
	}
	return nil
}

// ParseTasks converts a comma-separated task list. An empty list means all
// tasks.
func ParseTasks(v string) ([]models.Task, error) {
	tasks := []models.Task{}
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for _, t := range models.Tasks {
			if string(t) == name {
				tasks = append(tasks, t)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown task %q", name)
		}
	}
	return tasks, nil
}

func envTasks(key string) ([]models.Task, error) {
	tasks, err := ParseTasks(os.Getenv(key))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return tasks, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return l
}
