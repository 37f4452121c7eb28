package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int    `yaml:"maxUploadBytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig selects the unit store. Driver "memory" keeps all state
// in process and is only useful with role "all".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// QueueConfig selects the task queue backend: redis, nats or memory.
type QueueConfig struct {
	Backend string     `yaml:"backend"`
	Name    string     `yaml:"name"`
	NATS    NATSConfig `yaml:"nats"`
}

// LockConfig controls the per-batch finalization lock.
type LockConfig struct {
	Backend   string `yaml:"backend"`
	TTLMs     int    `yaml:"ttlMs"`
	WaitMs    int    `yaml:"waitMs"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type ConverterConfig struct {
	Binary    string `yaml:"binary"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// BundleConfig controls retries of archive construction before the
// batch is marked with a failed bundle.
type BundleConfig struct {
	MaxAttempts    int `yaml:"maxAttempts"`
	InitialDelayMs int `yaml:"initialDelayMs"`
}

// RetentionConfig controls TTL-like deletion of finished batches and
// their files so storage does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	Days                   int  `yaml:"days"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Lock      LockConfig      `yaml:"lock"`
	Storage   StorageConfig   `yaml:"storage"`
	Converter ConverterConfig `yaml:"converter"`
	Worker    WorkerConfig    `yaml:"worker"`
	Bundle    BundleConfig    `yaml:"bundle"`
	Retention RetentionConfig `yaml:"retention"`
}

// Load reads the YAML file at path, applies environment overrides and
// fills in defaults. A missing file is not an error: the service can be
// configured from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Queue.NATS.URL = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("FILE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CONVERTER_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CONVERTER_TIMEOUT_MS: %w", err)
		}
		cfg.Converter.TimeoutMs = ms
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = 100 << 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "docbatch:tasks"
	}
	if cfg.Queue.NATS.Subject == "" {
		cfg.Queue.NATS.Subject = "docbatch.tasks"
	}
	if cfg.Queue.NATS.Queue == "" {
		cfg.Queue.NATS.Queue = "docbatch-workers"
	}
	if cfg.Lock.Backend == "" {
		if cfg.Redis.URL != "" {
			cfg.Lock.Backend = "redis"
		} else {
			cfg.Lock.Backend = "local"
		}
	}
	if cfg.Lock.TTLMs <= 0 {
		cfg.Lock.TTLMs = 120000
	}
	if cfg.Lock.WaitMs <= 0 {
		cfg.Lock.WaitMs = 30000
	}
	if cfg.Lock.KeyPrefix == "" {
		cfg.Lock.KeyPrefix = "docbatch:finalize:"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "storage"
	}
	if cfg.Converter.Binary == "" {
		cfg.Converter.Binary = "libreoffice"
	}
	if cfg.Converter.TimeoutMs <= 0 {
		cfg.Converter.TimeoutMs = 60000
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Bundle.MaxAttempts <= 0 {
		cfg.Bundle.MaxAttempts = 3
	}
	if cfg.Bundle.InitialDelayMs <= 0 {
		cfg.Bundle.InitialDelayMs = 200
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = 7
	}
	if cfg.Retention.CleanupIntervalMinutes <= 0 {
		cfg.Retention.CleanupIntervalMinutes = 60
	}
}

// Validate checks combinations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn (or DATABASE_URL) is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q (expected postgres|memory)", c.Database.Driver)
	}

	switch c.Queue.Backend {
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url (or REDIS_URL) is required for the redis queue")
		}
	case "nats":
		if c.Queue.NATS.URL == "" {
			return fmt.Errorf("queue.nats.url (or NATS_URL) is required for the nats queue")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue.backend %q (expected redis|nats|memory)", c.Queue.Backend)
	}

	switch c.Lock.Backend {
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url (or REDIS_URL) is required for the redis lock")
		}
	case "local":
	default:
		return fmt.Errorf("unknown lock.backend %q (expected redis|local)", c.Lock.Backend)
	}
	return nil
}
