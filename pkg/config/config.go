// Package config loads graphkv configuration from environment variables and
// YAML files.
//
// Defaults come from Default(). LoadFile overlays a YAML file on them and
// LoadFromEnv overlays GRAPHKV_* environment variables. LoadFromEnvOrFile does
// both, with the environment taking precedence.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - GRAPHKV_DATA_DIR="./data"
//   - GRAPHKV_IN_MEMORY=false
//   - GRAPHKV_SYNC_WRITES=false
//   - GRAPHKV_COMPRESSION=true
//   - GRAPHKV_CACHE_SIZE=64MB
//   - GRAPHKV_INDEX_CACHE_SIZE=16MB
//   - GRAPHKV_FLUSH_INTERVAL=1s
//   - GRAPHKV_LOW_MEMORY=false
//   - GRAPHKV_MEMTABLE_SIZE=128MB
//   - GRAPHKV_CONFLICT_RETRIES=3
//   - GRAPHKV_BULK_CHUNK_SIZE=10000
//   - GRAPHKV_INDEXED_PROPERTIES="name,email"
//   - GRAPHKV_LOG_LEVEL=info
//   - GRAPHKV_LOG_FORMAT=text
//
// Sizes take an optional KB/MB/GB/TB unit; a bare number means megabytes.
//
// YAML mirrors the struct layout:
//
//	storage:
//	  data_dir: /var/lib/graphkv
//	  compression: true
//	  flush_interval: 1s
//	bulk:
//	  chunk_size: 50000
//	index:
//	  properties: [name, email]
//	logging:
//	  level: debug
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphkv/pkg/graph"
)

// Config holds all graphkv configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Bulk    BulkConfig    `yaml:"bulk"`
	Index   IndexConfig   `yaml:"index"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds BadgerDB settings.
type StorageConfig struct {
	// DataDir is where badger keeps its files. Ignored when InMemory is set.
	DataDir string `yaml:"data_dir"`

	// InMemory keeps all data in RAM. Nothing survives Close.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// Compression enables ZSTD block compression.
	Compression bool `yaml:"compression"`

	// CacheSizeMB is the block cache size. Required when Compression is on.
	CacheSizeMB int `yaml:"cache_size_mb"`

	// IndexCacheSizeMB is the table index cache size.
	IndexCacheSizeMB int `yaml:"index_cache_size_mb"`

	// FlushInterval syncs to disk periodically when positive.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// LowMemory shrinks badger's memtables for constrained hosts.
	LowMemory bool `yaml:"low_memory"`

	// MemTableSizeMB overrides the memtable size. A single transaction is
	// limited to roughly 15% of it, so raise it when one DeleteVertex must
	// cascade over very many edges. Zero keeps badger's default.
	MemTableSizeMB int `yaml:"memtable_size_mb"`

	// ConflictRetries bounds how often a single write is recomputed after a
	// write conflict.
	ConflictRetries int `yaml:"conflict_retries"`
}

// BulkConfig holds bulk loader settings.
type BulkConfig struct {
	// ChunkSize is the number of items per write batch flush.
	ChunkSize int `yaml:"chunk_size"`

	// PreSorted skips per-chunk key sorting.
	PreSorted bool `yaml:"pre_sorted"`
}

// IndexConfig lists property names declared indexed at startup.
type IndexConfig struct {
	Properties []string `yaml:"properties"`
}

// LoggingConfig selects logrus level and formatter.
type LoggingConfig struct {
	// Level is any level logrus.ParseLevel accepts.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// minMemTableSizeMB keeps badger's transaction limit above its 1MB value
// threshold; smaller memtables fail to open.
const minMemTableSizeMB = 8

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:          "./data",
			CacheSizeMB:      32,
			IndexCacheSizeMB: 16,
		},
		Bulk: BulkConfig{
			ChunkSize: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv returns the defaults overridden by GRAPHKV_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults. Fields the file omits keep
// their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnvOrFile loads the file at path when it exists, then applies
// environment overrides. An empty path skips the file.
func LoadFromEnvOrFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("GRAPHKV_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("GRAPHKV_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("GRAPHKV_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.Compression = getEnvBool("GRAPHKV_COMPRESSION", c.Storage.Compression)
	c.Storage.CacheSizeMB = getEnvMB("GRAPHKV_CACHE_SIZE", c.Storage.CacheSizeMB)
	c.Storage.IndexCacheSizeMB = getEnvMB("GRAPHKV_INDEX_CACHE_SIZE", c.Storage.IndexCacheSizeMB)
	c.Storage.FlushInterval = getEnvDuration("GRAPHKV_FLUSH_INTERVAL", c.Storage.FlushInterval)
	c.Storage.LowMemory = getEnvBool("GRAPHKV_LOW_MEMORY", c.Storage.LowMemory)
	c.Storage.MemTableSizeMB = getEnvMB("GRAPHKV_MEMTABLE_SIZE", c.Storage.MemTableSizeMB)
	c.Storage.ConflictRetries = getEnvInt("GRAPHKV_CONFLICT_RETRIES", c.Storage.ConflictRetries)

	c.Bulk.ChunkSize = getEnvInt("GRAPHKV_BULK_CHUNK_SIZE", c.Bulk.ChunkSize)
	c.Bulk.PreSorted = getEnvBool("GRAPHKV_BULK_PRESORTED", c.Bulk.PreSorted)

	c.Index.Properties = getEnvList("GRAPHKV_INDEXED_PROPERTIES", c.Index.Properties)

	c.Logging.Level = getEnv("GRAPHKV_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GRAPHKV_LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory is required unless running in memory")
	}
	if c.Storage.CacheSizeMB < 0 || c.Storage.IndexCacheSizeMB < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	if c.Storage.MemTableSizeMB != 0 && c.Storage.MemTableSizeMB < minMemTableSizeMB {
		return fmt.Errorf("memtable size must be 0 or at least %dMB", minMemTableSizeMB)
	}
	if c.Storage.Compression && c.Storage.CacheSizeMB == 0 {
		return fmt.Errorf("compression requires a block cache")
	}
	if c.Storage.FlushInterval < 0 {
		return fmt.Errorf("invalid flush interval: %s", c.Storage.FlushInterval)
	}
	if c.Storage.ConflictRetries < 0 {
		return fmt.Errorf("invalid conflict retries: %d", c.Storage.ConflictRetries)
	}
	if c.Bulk.ChunkSize <= 0 {
		return fmt.Errorf("invalid bulk chunk size: %d", c.Bulk.ChunkSize)
	}
	for _, p := range c.Index.Properties {
		if _, err := graph.NewIdentifier(p); err != nil {
			return fmt.Errorf("indexed property %q: %w", p, err)
		}
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// NewLogger builds a logrus logger writing to out.
func (c LoggingConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.InMemory {
		dir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, Compression: %v, Cache: %dMB, Chunk: %d, Indexed: %v}",
		dir,
		c.Storage.Compression,
		c.Storage.CacheSizeMB,
		c.Bulk.ChunkSize,
		c.Index.Properties,
	)
}

// GRAPHKV_* parsing. A variable that is unset or does not parse leaves the
// current setting alone.

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// getEnvDuration accepts a Go duration ("250ms") or whole seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// getEnvList splits a comma separated list, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvMB(key string, fallback int) int {
	if mb, ok := parseMB(os.Getenv(key)); ok {
		return mb
	}
	return fallback
}

// sizeUnits maps suffixes to byte shifts. Two-letter suffixes come first so
// "MB" is not read as a bare "B".
var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"TB", 40}, {"GB", 30}, {"MB", 20}, {"KB", 10},
	{"T", 40}, {"G", 30}, {"M", 20}, {"K", 10},
	{"B", 0},
}

// parseMB converts a size such as "64", "64MB", "2g" or "1048576B" to whole
// megabytes. A number without a unit is already in megabytes.
func parseMB(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	shift := uint(20)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return int((n << shift) >> 20), true
}

// FormatMemorySize renders a byte count with a binary unit, e.g. "1.50 KB".
func FormatMemorySize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}
