package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// JournalBackend selects which journal.Service implementation a
// pbsnode or pbscheckpointer binary constructs.
type JournalBackend string

const (
	JournalBackendMemory JournalBackend = "memory"
	JournalBackendBolt   JournalBackend = "bolt"
)

// NoSQLBackend selects which nosql.Provider implementation to build.
type NoSQLBackend string

const (
	NoSQLBackendMemory NoSQLBackend = "memory"
	NoSQLBackendDynamo NoSQLBackend = "dynamo"
)

// BlobBackend selects which blobstore.Store implementation to build.
type BlobBackend string

const (
	BlobBackendLocal BlobBackend = "local"
	BlobBackendS3    BlobBackend = "s3"
)

// JournalConfig configures the write-ahead log.
type JournalConfig struct {
	Backend JournalBackend `mapstructure:"backend"`
	BoltDB  struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"bolt"`
}

// NoSQLConfig configures the durable per-timeframe-group backing store.
type NoSQLConfig struct {
	Backend   NoSQLBackend `mapstructure:"backend"`
	TableName string       `mapstructure:"table_name"`
}

// BlobConfig configures checkpoint blob persistence.
type BlobConfig struct {
	Backend   BlobBackend `mapstructure:"backend"`
	Partition string      `mapstructure:"partition"`
	Local     struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"local"`
	S3 struct {
		Bucket string `mapstructure:"bucket"`
	} `mapstructure:"s3"`
}

// RetryConfig configures internal/retry's backoff dispatcher.
type RetryConfig struct {
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// CacheConfig configures the Budget Key Provider's and Timeframe
// Manager's auto-expiring caches.
type CacheConfig struct {
	BudgetKeyTTLSeconds   int `mapstructure:"budget_key_ttl_seconds"`
	BudgetKeySweepSeconds int `mapstructure:"budget_key_sweep_seconds"`
	TimeframeTTLSeconds   int `mapstructure:"timeframe_ttl_seconds"`
	TimeframeSweepSeconds int `mapstructure:"timeframe_sweep_seconds"`
}

// CheckpointConfig configures the periodic Checkpoint Service cycle.
type CheckpointConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for pbsnode/pbscheckpointer.
type Config struct {
	Journal    JournalConfig    `mapstructure:"journal"`
	NoSQL      NoSQLConfig      `mapstructure:"nosql"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Default returns a Config usable with no config file at all: in-memory
// journal and NoSQL, a local blob directory, and spec.md §5's default
// retry/cache parameters.
func Default() *Config {
	var c Config
	c.Journal.Backend = JournalBackendMemory
	c.Journal.BoltDB.Path = "pbs-journal.db"
	c.NoSQL.Backend = NoSQLBackendMemory
	c.NoSQL.TableName = "PBS_BudgetKeys"
	c.Blob.Backend = BlobBackendLocal
	c.Blob.Partition = "default"
	c.Blob.Local.Dir = "pbs-checkpoints"
	c.Retry.BaseDelayMs = 31
	c.Retry.MaxAttempts = 12
	c.Cache.BudgetKeyTTLSeconds = 600
	c.Cache.BudgetKeySweepSeconds = 30
	c.Cache.TimeframeTTLSeconds = 100
	c.Cache.TimeframeSweepSeconds = 10
	c.Checkpoint.IntervalSeconds = 300
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return &c
}

// Load reads configuration from CONFIG_PATH (or ./config/pbs.yaml if
// present), falling back to Default() values for anything unset, and
// applies PBS_-prefixed environment variable overrides. Grounded on
// this package's own pre-existing viper.New()/SetConfigFile/
// ReadInConfig/Unmarshal idiom.
func Load() (*Config, error) {
	cfg := Default()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("config/pbs.yaml"); err == nil {
			cfgPath = "config/pbs.yaml"
		}
	}

	v := viper.New()
	v.SetEnvPrefix("PBS")
	v.AutomaticEnv()

	if cfgPath != "" {
		if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
			cfgPath = filepath.Join(cfgPath, "pbs.yaml")
		}
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PBS_JOURNAL_BACKEND"); v != "" {
		c.Journal.Backend = JournalBackend(v)
	}
	if v := os.Getenv("PBS_NOSQL_BACKEND"); v != "" {
		c.NoSQL.Backend = NoSQLBackend(v)
	}
	if v := os.Getenv("PBS_BLOB_BACKEND"); v != "" {
		c.Blob.Backend = BlobBackend(v)
	}
	if v := os.Getenv("PBS_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			c.Metrics.Port = p
		}
	}
	if v := os.Getenv("PBS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// CheckpointInterval returns Checkpoint.IntervalSeconds as a Duration.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Checkpoint.IntervalSeconds) * time.Second
}

// RetryBaseDelay returns Retry.BaseDelayMs as a Duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}
