// Package config loads casesvc settings from YAML with CASESVC_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/casesvc/internal/utils"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Pool       PoolConfig       `yaml:"pool"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Tranche is the digit written after the questionnaire type in new QIDs.
	Tranche int `yaml:"tranche"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MigrationsDir string `yaml:"migrations_dir"` // empty uses the embedded set
}

type PoolConfig struct {
	MinSize        int    `yaml:"min_size"`
	MaxSize        int    `yaml:"max_size"`
	AcquireTimeout string `yaml:"acquire_timeout"`
}

type GeneratorConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
	Timeout string `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	GroupID         string   `yaml:"group_id"`
	SampleTopic     string   `yaml:"sample_topic"`
	CaseEventsTopic string   `yaml:"case_events_topic"`
	ResponseTopic   string   `yaml:"response_topic"`
	OutboundTopic   string   `yaml:"outbound_topic"`
	Workers         int      `yaml:"workers"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryBackoff    string   `yaml:"retry_backoff"`
}

// DeadLetterConfig selects the S3 archive. With no bucket, unprocessable
// messages are only logged.
type DeadLetterConfig struct {
	Bucket string `yaml:"bucket"`
	Queue  string `yaml:"queue"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// OperatorSecret signs operator tokens for the case history API. Empty
	// leaves the API open.
	OperatorSecret string `yaml:"operator_secret"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "data/casesvc.db"},
		Pool: PoolConfig{
			MinSize:        500,
			MaxSize:        1000,
			AcquireTimeout: "60s",
		},
		Generator: GeneratorConfig{
			BaseURL: "http://localhost:8164",
			Timeout: "30s",
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			GroupID:         "casesvc",
			SampleTopic:     "case.sample.inbound",
			CaseEventsTopic: "case.action.events",
			ResponseTopic:   "case.response.events",
			OutboundTopic:   "case.rh.updates",
			Workers:         10,
			MaxAttempts:     5,
			RetryBackoff:    "500ms",
		},
		HTTP:    HTTPConfig{Addr: ":8171"},
		Logging: LoggingConfig{Level: "info"},
		Tranche: 2,
	}
}

// Load reads path over the defaults and then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	envInt := func(key string, dst *int) {
		n, err := utils.SafeEnvInt(key, *dst)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = n
	}

	c.Database.Path = utils.SafeEnv("CASESVC_DB_PATH", c.Database.Path)
	c.Database.MigrationsDir = utils.SafeEnv("CASESVC_MIGRATIONS_DIR", c.Database.MigrationsDir)

	envInt("CASESVC_POOL_MIN", &c.Pool.MinSize)
	envInt("CASESVC_POOL_MAX", &c.Pool.MaxSize)
	c.Pool.AcquireTimeout = utils.SafeEnv("CASESVC_POOL_ACQUIRE_TIMEOUT", c.Pool.AcquireTimeout)

	c.Generator.BaseURL = utils.SafeEnv("CASESVC_GENERATOR_URL", c.Generator.BaseURL)
	c.Generator.Secret = utils.SafeEnv("CASESVC_GENERATOR_SECRET", c.Generator.Secret)

	c.Kafka.Brokers = utils.SafeEnvList("CASESVC_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.GroupID = utils.SafeEnv("CASESVC_KAFKA_GROUP", c.Kafka.GroupID)
	envInt("CASESVC_KAFKA_WORKERS", &c.Kafka.Workers)

	c.DeadLetter.Bucket = utils.SafeEnv("CASESVC_DLQ_BUCKET", c.DeadLetter.Bucket)
	c.DeadLetter.Queue = utils.SafeEnv("CASESVC_DLQ_QUEUE", c.DeadLetter.Queue)

	c.HTTP.Addr = utils.SafeEnv("CASESVC_ADDR", c.HTTP.Addr)
	c.HTTP.OperatorSecret = utils.SafeEnv("CASESVC_OPERATOR_SECRET", c.HTTP.OperatorSecret)
	c.Logging.Level = utils.SafeEnv("CASESVC_LOG_LEVEL", c.Logging.Level)
	return errors.Join(errs...)
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, v)
	}
	return d, nil
}

// AcquireTimeout returns the pool acquire timeout, or 60s when unparsable.
func (c *Config) AcquireTimeout() time.Duration {
	if d, err := parseDuration("pool.acquire_timeout", c.Pool.AcquireTimeout); err == nil {
		return d
	}
	return 60 * time.Second
}

func (c *Config) GeneratorTimeout() time.Duration {
	if d, err := parseDuration("generator.timeout", c.Generator.Timeout); err == nil {
		return d
	}
	return 30 * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	if d, err := parseDuration("kafka.retry_backoff", c.Kafka.RetryBackoff); err == nil {
		return d
	}
	return 500 * time.Millisecond
}

// Validate rejects settings the service cannot run with. Consumer workers
// may not outnumber the codes a single refill delivers, or blocked acquires
// could drain the pool faster than one refill can restore it.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Pool.MinSize < 0 {
		errs = append(errs, fmt.Errorf("pool.min_size %d must not be negative", c.Pool.MinSize))
	}
	if c.Pool.MaxSize <= c.Pool.MinSize {
		errs = append(errs, fmt.Errorf("pool.max_size %d must exceed pool.min_size %d", c.Pool.MaxSize, c.Pool.MinSize))
	}
	if _, err := parseDuration("pool.acquire_timeout", c.Pool.AcquireTimeout); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Generator.BaseURL) == "" {
		errs = append(errs, errors.New("generator.base_url is required"))
	}
	if c.Generator.Timeout != "" {
		if _, err := parseDuration("generator.timeout", c.Generator.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if c.Kafka.SampleTopic == "" || c.Kafka.CaseEventsTopic == "" || c.Kafka.ResponseTopic == "" {
		errs = append(errs, errors.New("kafka inbound topics are required"))
	}
	if c.Kafka.Workers < 1 {
		errs = append(errs, fmt.Errorf("kafka.workers %d must be at least 1", c.Kafka.Workers))
	}
	if c.Kafka.Workers > c.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("kafka.workers %d must not exceed pool.max_size %d", c.Kafka.Workers, c.Pool.MaxSize))
	}
	if c.Kafka.RetryBackoff != "" {
		if _, err := parseDuration("kafka.retry_backoff", c.Kafka.RetryBackoff); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DeadLetter.Bucket != "" && c.DeadLetter.Queue == "" {
		errs = append(errs, errors.New("dead_letter.queue is required when dead_letter.bucket is set"))
	}
	if c.Tranche < 0 || c.Tranche > 9 {
		errs = append(errs, fmt.Errorf("tranche %d must be a single digit", c.Tranche))
	}
	return errors.Join(errs...)
}
