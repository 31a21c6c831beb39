// Package storage maps the property graph onto BadgerDB.
//
// BadgerEngine owns the database handle. On top of it sit three cooperating
// pieces: the Coordinator (atomic commit boundary for delta sets), the query
// executor (range scans and index lookups inside one read-only snapshot) and
// the BulkLoader (chunked WriteBatch fast path). Datastore ties them together
// with the index manager and implements graph.Datastore.
//
// Key layout is defined in package keys; this package never builds keys by hand.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphkv/pkg/config"
	"github.com/orneryd/graphkv/pkg/graph"
)

const (
	defaultBlockCacheSize = 32 << 20
	defaultIndexCacheSize = 16 << 20
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db      *badger.DB
	opts    BadgerOptions
	logger  logrus.FieldLogger
	metrics *Metrics

	mu     sync.RWMutex // guards closed
	closed bool

	stopFlush chan struct{}
	flushWG   sync.WaitGroup
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Compression enables ZSTD block compression.
	Compression bool

	// BlockCacheSize and IndexCacheSize are in bytes. Zero picks the defaults
	// (32MB / 16MB).
	BlockCacheSize int64
	IndexCacheSize int64

	// FlushInterval, when positive, syncs the database to disk on a ticker.
	// Ignored for in-memory engines.
	FlushInterval time.Duration

	// LowMemory shrinks memtables and level-zero tables.
	LowMemory bool

	// MemTableSize overrides badger's memtable size in bytes. One transaction
	// may hold at most about 15% of it, which bounds how many edges a single
	// DeleteVertex can cascade over; larger cascades fail with
	// graph.ErrTxnTooLarge. Zero keeps 64MB (16MB with LowMemory).
	MemTableSize int64

	// ConflictRetries is how many times Datastore writes are recomputed after
	// a write conflict before ErrConflict is returned. Zero surfaces every
	// conflict to the caller.
	ConflictRetries int

	// ChunkSize is the bulk loader flush threshold in items.
	ChunkSize int

	// PreSorted tells the bulk loader its input already yields ascending keys.
	PreSorted bool

	// IndexedProperties are declared indexed when a Datastore is opened.
	IndexedProperties []string

	// Logger receives engine and adapter logs. Nil uses a warn-level logrus logger.
	Logger logrus.FieldLogger

	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// OptionsFromConfig translates the loaded configuration into engine options.
func OptionsFromConfig(cfg *config.Config) BadgerOptions {
	return BadgerOptions{
		DataDir:           cfg.Storage.DataDir,
		InMemory:          cfg.Storage.InMemory,
		SyncWrites:        cfg.Storage.SyncWrites,
		Compression:       cfg.Storage.Compression,
		BlockCacheSize:    int64(cfg.Storage.CacheSizeMB) << 20,
		IndexCacheSize:    int64(cfg.Storage.IndexCacheSizeMB) << 20,
		FlushInterval:     cfg.Storage.FlushInterval,
		LowMemory:         cfg.Storage.LowMemory,
		MemTableSize:      int64(cfg.Storage.MemTableSizeMB) << 20,
		ConflictRetries:   cfg.Storage.ConflictRetries,
		ChunkSize:         cfg.Bulk.ChunkSize,
		PreSorted:         cfg.Bulk.PreSorted,
		IndexedProperties: cfg.Index.Properties,
	}
}

// badgerLogger routes badger's internal logging through logrus, demoting its
// chatty info output to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}

// NewBadgerEngine opens a persistent engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:       "./data/graph",
//		Compression:   true,
//		FlushInterval: time.Second,
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, errors.New("data directory is required for persistent storage")
	}

	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	logger = logger.WithField("component", "storage")

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(badgerLogger{logger.WithField("component", "badger")})

	blockCache := opts.BlockCacheSize
	if blockCache <= 0 {
		blockCache = defaultBlockCacheSize
	}
	indexCache := opts.IndexCacheSize
	if indexCache <= 0 {
		indexCache = defaultIndexCacheSize
	}
	badgerOpts = badgerOpts.
		WithBlockCacheSize(blockCache).
		WithIndexCacheSize(indexCache)

	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.ZSTD)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4)
	}
	if opts.MemTableSize > 0 {
		badgerOpts = badgerOpts.WithMemTableSize(opts.MemTableSize)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	b := &BadgerEngine{
		db:        db,
		opts:      opts,
		logger:    logger,
		metrics:   NewMetrics(opts.Registerer),
		stopFlush: make(chan struct{}),
	}

	if opts.FlushInterval > 0 && !opts.InMemory {
		b.flushWG.Add(1)
		go b.flushLoop(opts.FlushInterval)
	}

	logger.WithFields(logrus.Fields{
		"dir":         opts.DataDir,
		"in_memory":   opts.InMemory,
		"compression": opts.Compression,
	}).Debug("storage engine opened")

	return b, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
// Data is lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

func (b *BadgerEngine) flushLoop(interval time.Duration) {
	defer b.flushWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopFlush:
			return
		case <-ticker.C:
			if err := b.db.Sync(); err != nil {
				b.logger.WithError(err).Warn("periodic sync failed")
			}
		}
	}
}

// Metrics returns the engine's metrics bundle, or nil when metrics are disabled.
func (b *BadgerEngine) Metrics() *Metrics {
	return b.metrics
}

// IsInMemory reports whether the engine keeps data only in RAM.
func (b *BadgerEngine) IsInMemory() bool {
	return b.opts.InMemory
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return graph.ErrClosed
	}
	return nil
}

// view runs fn in a read-only snapshot. Engine errors surfacing from the
// snapshot itself are wrapped as IOError; fn's own errors pass through.
func (b *BadgerEngine) view(fn func(q *executor) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&executor{txn: txn, logger: b.logger, metrics: b.metrics})
	})
}

// Close stops background work and closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	close(b.stopFlush)
	b.flushWG.Wait()

	if err := b.db.Close(); err != nil {
		return &graph.IOError{Op: "close", Err: err}
	}
	return nil
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.db.Sync(); err != nil {
		return &graph.IOError{Op: "sync", Err: err}
	}
	return nil
}

// RunGC runs garbage collection on the BadgerDB value log.
// ErrNoRewrite means there was nothing to collect and is not reported.
// In-memory engines have no value log and return immediately.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.opts.InMemory {
		return nil
	}
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return &graph.IOError{Op: "value log gc", Err: err}
	}
	return nil
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	if b.checkOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

// engineError classifies an error returned by badger.
func engineError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return graph.ErrConflict
	case errors.Is(err, badger.ErrDBClosed):
		return graph.ErrClosed
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%s: %w", op, graph.ErrTxnTooLarge)
	default:
		return &graph.IOError{Op: op, Err: err}
	}
}
