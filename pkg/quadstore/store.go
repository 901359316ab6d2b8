// Package quadstore is an embedded RDF quad store. Terms are interned into
// 64-bit IDs, statements are kept in several sorted indexes and statement
// patterns and chains of patterns are evaluated over IDs.
package quadstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/contexts"
	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/internal/txn"
	"github.com/aleksaelezovic/quadstore/internal/values"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// Store is an open store directory
type Store struct {
	dir    string
	cfg    Config
	logger logrus.FieldLogger

	lock     *kv.DirLock
	env      *kv.Env
	txns     *txn.Manager
	values   *values.Store
	triples  *triples.Store
	contexts *contexts.Store
	keys     *varint.KeyCache
	metrics  *metrics

	propsMu sync.Mutex
	props   properties

	closed atomic.Bool
}

// Open opens or creates a store in dir. The directory is locked until
// Close; a second Open fails with a *LockError.
func Open(dir string, opts ...Option) (_ *Store, err error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &Store{dir: dir, cfg: cfg, logger: logger.WithField("dir", dir)}
	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]() // #nosec G104
			}
		}
	}()

	if s.lock, err = kv.LockDir(dir); err != nil {
		return nil, err
	}
	cleanup = append(cleanup, s.lock.Release)

	prev, err := readProperties(dir)
	if err != nil {
		return nil, err
	}
	mapSize := cfg.MapSize
	if prev != nil {
		if prev.Engine != cfg.Engine {
			return nil, fmt.Errorf("directory uses the %s engine, configured %s", prev.Engine, cfg.Engine)
		}
		if prev.MapSize > mapSize {
			mapSize = prev.MapSize
		}
	}

	var backend kv.Storage
	switch cfg.Engine {
	case EngineBolt:
		backend, err = kv.NewBoltStorage(filepath.Join(dir, "data.db"), kv.BoltMmapSize(mapSize, cfg.MaxMapSize))
	default:
		backend, err = kv.NewBadgerStorage(filepath.Join(dir, "data"))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Engine, err)
	}
	cleanup = append(cleanup, backend.Close)

	s.metrics = newMetrics(cfg.Registerer, s)
	cleanup = append(cleanup, func() error {
		s.metrics.unregister()
		return nil
	})
	if s.env, err = kv.NewEnv(backend, kv.EnvConfig{
		MapSize:    mapSize,
		MaxMapSize: cfg.MaxMapSize,
		AutoGrow:   cfg.AutoGrow,
		OnGrow:     s.onGrow,
		Logger:     s.logger,
	}); err != nil {
		return nil, err
	}
	if s.txns, err = txn.NewManager(s.env, txn.Config{LockStripes: cfg.LockStripes, Logger: s.logger}); err != nil {
		return nil, err
	}
	if s.keys, err = varint.NewKeyCache(cfg.KeyCacheSize, cfg.KeyCacheThreshold); err != nil {
		return nil, err
	}
	if s.triples, err = triples.New(triples.Config{
		Indexes:       cfg.Indexes,
		DupSort:       cfg.DupSort,
		DupPageSize:   cfg.DupPageSize,
		EstimateLimit: cfg.EstimateLimit,
		KeyCache:      s.keys,
		Logger:        s.logger,
	}); err != nil {
		return nil, err
	}

	snap, err := s.txns.BeginRead()
	if err != nil {
		return nil, err
	}
	s.values, err = values.New(snap.Tx(), values.Config{
		CacheSize:   cfg.ValueCacheSize,
		IDCacheSize: cfg.ValueIDCacheSize,
		Snapshots:   s.txns,
		Logger:      s.logger,
	})
	snap.Close() // #nosec G104
	if err != nil {
		return nil, err
	}

	if prev != nil && !slices.Equal(prev.Indexes, s.triples.IndexNames()) {
		if err := s.reindex(prev.Indexes); err != nil {
			return nil, err
		}
	}

	s.props = properties{
		Version: FormatVersion,
		Engine:  cfg.Engine,
		Indexes: s.triples.IndexNames(),
		MapSize: s.env.Limit(),
	}
	if err := writeProperties(dir, &s.props); err != nil {
		return nil, err
	}

	if s.contexts, err = contexts.Open(filepath.Join(dir, contexts.FileName), s.txns.Seq(), s.countContexts, s.logger); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"engine":  cfg.Engine,
		"indexes": s.triples.IndexNames(),
		"dupsort": cfg.DupSort,
		"seq":     s.txns.Seq(),
	}).Info("store opened")
	return s, nil
}

func (s *Store) reindex(previous []string) error {
	w, err := s.txns.BeginWrite(context.Background())
	if err != nil {
		return err
	}
	if err := s.triples.Reindex(context.Background(), w.Tx(), previous); err != nil {
		w.Rollback() // #nosec G104
		return fmt.Errorf("reindex: %w", err)
	}
	_, err = w.Commit()
	return err
}

// countContexts rebuilds the context counts from the explicit statements
func (s *Store) countContexts() (map[uint64]int64, error) {
	snap, err := s.txns.BeginRead()
	if err != nil {
		return nil, err
	}
	defer snap.Close() // #nosec G104
	it, err := s.triples.GetTriples(context.Background(), snap.Tx(), triples.Any, triples.Any, triples.Any, triples.Any, true)
	if err != nil {
		return nil, err
	}
	defer it.Close() // #nosec G104
	counts := make(map[uint64]int64)
	for it.Next() {
		if c := it.Record().Quad[3]; c != triples.Unknown {
			counts[c]++
		}
	}
	return counts, it.Err()
}

func (s *Store) onGrow(oldLimit, newLimit int64) {
	s.metrics.grows.Inc()
	s.propsMu.Lock()
	defer s.propsMu.Unlock()
	s.props.MapSize = newLimit
	if s.props.Version == 0 {
		// still opening, properties are written afterwards
		return
	}
	if err := writeProperties(s.dir, &s.props); err != nil {
		s.logger.WithError(err).Warn("failed to persist grown map size")
	}
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// Config returns the effective configuration
func (s *Store) Config() Config {
	return s.cfg
}

// Close syncs the context counts, closes the storage and releases the
// directory lock
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	if s.contexts.Stale() {
		if err := s.contexts.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.env.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.lock.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	s.metrics.unregister()
	s.logger.Info("store closed")
	return result.ErrorOrNil()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}
