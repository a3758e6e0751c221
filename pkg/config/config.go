// Package config loads and validates sonic-search configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Index, Indexer, Walker, Watcher, Search, Redis, Kafka,
// Journal, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Index   IndexConfig   `yaml:"index"`
	Indexer IndexerConfig `yaml:"indexer"`
	Walker  WalkerConfig  `yaml:"walker"`
	Watcher WatcherConfig `yaml:"watcher"`
	Search  SearchConfig  `yaml:"search"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// IndexConfig controls the on-disk index: where it lives, when the active
// segment is flushed and how segments are merged.
type IndexConfig struct {
	Dir             string        `yaml:"dir"`
	FlushDocs       int           `yaml:"flushDocs"`
	FlushBytes      int64         `yaml:"flushBytes"`
	FlushInterval   time.Duration `yaml:"flushInterval"`
	MergeInterval   time.Duration `yaml:"mergeInterval"`
	MergeFactor     int           `yaml:"mergeFactor"`
	KeepManifests   int           `yaml:"keepManifests"`
	ContentIndexing bool          `yaml:"contentIndexing"`
	MaxContentBytes int64         `yaml:"maxContentBytes"`
}

// IndexerConfig sizes the tokenizer pool and the single-writer mutation queue.
type IndexerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
	BatchSize int `yaml:"batchSize"`
}

// WalkerConfig controls directory traversal and ignore-rule resolution.
type WalkerConfig struct {
	Workers         int           `yaml:"workers"`
	IgnoreFiles     []string      `yaml:"ignoreFiles"`
	Excludes        []string      `yaml:"excludes"`
	IncludeHidden   bool          `yaml:"includeHidden"`
	FollowSymlinks  bool          `yaml:"followSymlinks"`
	MaxSymlinkDepth int           `yaml:"maxSymlinkDepth"`
	DirTimeout      time.Duration `yaml:"dirTimeout"`
	BufferSize      int           `yaml:"bufferSize"`
}

// WatcherConfig controls notification debouncing and overflow handling.
type WatcherConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	QueueSize    int           `yaml:"queueSize"`
	MaxPending   int           `yaml:"maxPending"`
	RescanPerMin int           `yaml:"rescanPerMin"`
}

// SearchConfig controls query limits and relevance tuning.
type SearchConfig struct {
	DefaultLimit     int     `yaml:"defaultLimit"`
	MaxResults       int     `yaml:"maxResults"`
	MaxFuzzyDistance int     `yaml:"maxFuzzyDistance"`
	FilenameBoost    float64 `yaml:"filenameBoost"`
	SnippetBytes     int     `yaml:"snippetBytes"`
}

// RedisConfig holds Redis connection and query-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds broker settings for the commit-event publisher.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	BufferSize    int      `yaml:"bufferSize"`
}

// JournalConfig selects the SQL database recording scan runs.
type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Journal drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config suitable for indexing a home directory on a
// developer machine.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Dir:             defaultIndexDir(),
			FlushDocs:       5000,
			FlushBytes:      32 << 20,
			FlushInterval:   2 * time.Second,
			MergeInterval:   30 * time.Second,
			MergeFactor:     8,
			KeepManifests:   3,
			ContentIndexing: false,
			MaxContentBytes: 1 << 20,
		},
		Indexer: IndexerConfig{
			Workers:   runtime.NumCPU(),
			QueueSize: 1024,
			BatchSize: 256,
		},
		Walker: WalkerConfig{
			Workers:         runtime.NumCPU(),
			IgnoreFiles:     []string{".gitignore", ".ignore", ".ssignore"},
			Excludes:        []string{".git/", "node_modules/"},
			MaxSymlinkDepth: 8,
			DirTimeout:      10 * time.Second,
			BufferSize:      1024,
		},
		Watcher: WatcherConfig{
			Debounce:     250 * time.Millisecond,
			QueueSize:    256,
			MaxPending:   10000,
			RescanPerMin: 6,
		},
		Search: SearchConfig{
			DefaultLimit:     20,
			MaxResults:       1000,
			MaxFuzzyDistance: 2,
			FilenameBoost:    2.0,
			SnippetBytes:     160,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topic:         "sonic-search.index-commits",
			ConsumerGroup: "sonic-search-tail",
			BufferSize:    1024,
		},
		Journal: JournalConfig{
			Driver:          DriverSQLite,
			MaxOpenConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

func defaultIndexDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sonic-search")
	}
	return ".sonic-search"
}

// Validate checks every section.
func (c *Config) Validate() error {
	return validation.Errors{
		"index":   c.Index.Validate(),
		"indexer": c.Indexer.Validate(),
		"walker":  c.Walker.Validate(),
		"watcher": c.Watcher.Validate(),
		"search":  c.Search.Validate(),
		"journal": c.Journal.Validate(),
		"logging": c.Logging.Validate(),
	}.Filter()
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.FlushDocs, validation.Required, validation.Min(1)),
		validation.Field(&c.FlushBytes, validation.Required, validation.Min(int64(1024))),
		validation.Field(&c.MergeFactor, validation.Required, validation.Min(2)),
		validation.Field(&c.KeepManifests, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxContentBytes, validation.Min(int64(0))),
	)
}

// Validate validates the indexer configuration.
func (c *IndexerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
	)
}

// Validate validates the walker configuration.
func (c *WalkerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxSymlinkDepth, validation.Min(0)),
		validation.Field(&c.BufferSize, validation.Min(0)),
	)
}

// Validate validates the watcher configuration.
func (c *WatcherConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxPending, validation.Required, validation.Min(1)),
		validation.Field(&c.RescanPerMin, validation.Required, validation.Min(1)),
	)
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DefaultLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxResults, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxFuzzyDistance, validation.Min(0), validation.Max(2)),
		validation.Field(&c.FilenameBoost, validation.Required, validation.Min(1.0)),
	)
}

// Validate validates the journal configuration.
func (c *JournalConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.When(c.Driver == DriverPostgres, validation.Required)),
	)
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}

// applyEnvOverrides reads SS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SS_INDEX_DIR"); v != "" {
		cfg.Index.Dir = v
	}
	if v := os.Getenv("SS_INDEX_CONTENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Index.ContentIndexing = b
		}
	}
	if v := os.Getenv("SS_INDEX_FLUSH_DOCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.FlushDocs = n
		}
	}
	if v := os.Getenv("SS_WALKER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Walker.Workers = n
		}
	}
	if v := os.Getenv("SS_WALKER_EXCLUDES"); v != "" {
		cfg.Walker.Excludes = strings.Split(v, ",")
	}
	if v := os.Getenv("SS_WALKER_FOLLOW_SYMLINKS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Walker.FollowSymlinks = b
		}
	}
	if v := os.Getenv("SS_WATCHER_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watcher.Debounce = d
		}
	}
	if v := os.Getenv("SS_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SS_JOURNAL_DRIVER"); v != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Driver = v
	}
	if v := os.Getenv("SS_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
	if v := os.Getenv("SS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Port = port
		}
	}
}
