package quadstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/aleksaelezovic/quadstore/internal/triples"
)

// Storage engines
const (
	EngineBadger = "badger"
	EngineBolt   = "bolt"
)

// Config holds store settings. The zero value of a field selects its
// default.
type Config struct {
	// Indexes is the comma separated list of statement field orders
	Indexes string `yaml:"indexes"`
	// DupSort reads two-field prefixes as batched duplicate lists
	DupSort bool `yaml:"dup_sort"`
	// DupPageSize is the number of duplicates fetched per batch
	DupPageSize int `yaml:"dup_page_size"`
	// Engine is the storage engine, badger or bolt
	Engine string `yaml:"engine"`
	// MapSize is the initial storage capacity in bytes
	MapSize int64 `yaml:"map_size"`
	// MaxMapSize bounds auto-grow, zero means unbounded
	MaxMapSize int64 `yaml:"max_map_size"`
	// AutoGrow doubles the capacity when a write does not fit
	AutoGrow bool `yaml:"auto_grow"`

	ValueCacheSize    int `yaml:"value_cache_size"`
	ValueIDCacheSize  int `yaml:"value_id_cache_size"`
	KeyCacheSize      int `yaml:"key_cache_size"`
	KeyCacheThreshold int `yaml:"key_cache_threshold"`
	EstimateLimit     int `yaml:"estimate_limit"`
	LockStripes       int `yaml:"lock_stripes"`

	Logger     logrus.FieldLogger    `yaml:"-"`
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		Indexes:           triples.DefaultIndexes,
		DupSort:           true,
		DupPageSize:       1024,
		Engine:            EngineBadger,
		MapSize:           1 << 30,
		AutoGrow:          true,
		ValueCacheSize:    1 << 14,
		ValueIDCacheSize:  1 << 14,
		KeyCacheSize:      1 << 12,
		KeyCacheThreshold: 4,
		EstimateLimit:     1000,
		LockStripes:       64,
	}
}

// LoadConfig reads settings from a YAML file on top of the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine {
	case EngineBadger, EngineBolt:
	default:
		return fmt.Errorf("unknown storage engine %q", c.Engine)
	}
	if c.MapSize <= 0 {
		return fmt.Errorf("map size must be positive, got %d", c.MapSize)
	}
	if c.MaxMapSize != 0 && c.MaxMapSize < c.MapSize {
		return fmt.Errorf("max map size %d is below map size %d", c.MaxMapSize, c.MapSize)
	}
	if _, err := triples.ParseIndexSpecs(c.Indexes); err != nil {
		return err
	}
	return nil
}

// Option configures a Store
type Option func(*Config)

// WithConfig replaces all settings
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithIndexes sets the statement indexes, e.g. "spoc,posc,cosp"
func WithIndexes(indexes string) Option {
	return func(c *Config) {
		c.Indexes = indexes
	}
}

// WithDupSort enables or disables batched duplicate reads
func WithDupSort(enabled bool) Option {
	return func(c *Config) {
		c.DupSort = enabled
	}
}

// WithDupPageSize sets the number of duplicates read per batch
func WithDupPageSize(n int) Option {
	return func(c *Config) {
		c.DupPageSize = n
	}
}

// WithEngine selects the storage engine
func WithEngine(engine string) Option {
	return func(c *Config) {
		c.Engine = engine
	}
}

// WithMapSize sets the initial and maximum capacity and whether the store
// may grow between them
func WithMapSize(size, maxSize int64, autoGrow bool) Option {
	return func(c *Config) {
		c.MapSize = size
		c.MaxMapSize = maxSize
		c.AutoGrow = autoGrow
	}
}

// WithValueCacheSize sets the sizes of the ID to value and value to ID caches
func WithValueCacheSize(values, ids int) Option {
	return func(c *Config) {
		c.ValueCacheSize = values
		c.ValueIDCacheSize = ids
	}
}

// WithKeyCache sets the size of the hot key cache and the number of misses
// after which a key is cached
func WithKeyCache(size, threshold int) Option {
	return func(c *Config) {
		c.KeyCacheSize = size
		c.KeyCacheThreshold = threshold
	}
}

// WithLockStripes sets the number of batch preparation stripes
func WithLockStripes(n int) Option {
	return func(c *Config) {
		c.LockStripes = n
	}
}

// WithLogger sets the logger. Pass nil for the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRegisterer registers store metrics with r
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = r
	}
}
