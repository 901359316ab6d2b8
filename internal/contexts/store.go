// Package contexts keeps per-context counts of explicit statements so that
// the named graphs of a store can be listed without scanning the indexes.
package contexts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// FileName is the context count file inside a store directory
const FileName = "contexts.msgpack"

const formatVersion = 1

// Rebuild derives the counts from the statement indexes
type Rebuild func() (map[uint64]int64, error)

type file struct {
	Version int              `msgpack:"version"`
	Stamp   uint64           `msgpack:"stamp"`
	Counts  map[uint64]int64 `msgpack:"counts"`
}

// Store holds committed counts plus the deltas of the active write
// transaction. The file records the commit stamp it was written at; a
// missing or outdated file is rebuilt on Open.
type Store struct {
	path   string
	logger logrus.FieldLogger

	mu      sync.RWMutex
	counts  map[uint64]int64
	stamp   uint64
	written uint64
	pending map[uint64]int64
}

// Open loads the counts from path. stamp is the current commit stamp of
// the statement data; rebuild is called when the file does not match it.
func Open(path string, stamp uint64, rebuild Rebuild, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{path: path, logger: logger, stamp: stamp, pending: make(map[uint64]int64)}

	f, err := readFile(path)
	reason := ""
	switch {
	case errors.Is(err, os.ErrNotExist):
		reason = "missing"
	case err != nil:
		reason = err.Error()
	case f.Version != formatVersion:
		reason = fmt.Sprintf("version %d", f.Version)
	case f.Stamp != stamp:
		reason = fmt.Sprintf("stale stamp %d", f.Stamp)
	}
	if reason == "" {
		s.counts = f.Counts
		if s.counts == nil {
			s.counts = make(map[uint64]int64)
		}
		s.written = stamp
		return s, nil
	}

	logger.WithFields(logrus.Fields{
		"path":   path,
		"reason": reason,
		"stamp":  stamp,
	}).Info("rebuilding context store")
	counts, err := rebuild()
	if err != nil {
		return nil, fmt.Errorf("rebuild context counts: %w", err)
	}
	s.counts = make(map[uint64]int64, len(counts))
	for c, n := range counts {
		if n > 0 {
			s.counts[c] = n
		}
	}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

func readFile(path string) (*file, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var f file
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &f, nil
}

// Increment records one explicit statement added to ctx
func (s *Store) Increment(ctx uint64) {
	s.DecrementBy(ctx, -1)
}

// DecrementBy records n explicit statements removed from ctx
func (s *Store) DecrementBy(ctx uint64, n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ctx] -= n
}

// Pending returns the count of ctx including uncommitted deltas
func (s *Store) Pending(ctx uint64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[ctx] + s.pending[ctx]
}

// Commit applies the pending deltas and persists them with stamp
func (s *Store) Commit(stamp uint64) error {
	s.mu.Lock()
	changed := len(s.pending) > 0
	for c, d := range s.pending {
		if n := s.counts[c] + d; n > 0 {
			s.counts[c] = n
		} else {
			delete(s.counts, c)
		}
	}
	s.pending = make(map[uint64]int64)
	s.stamp = stamp
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.Sync()
}

// Rollback discards the pending deltas
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[uint64]int64)
}

// Count returns the committed number of explicit statements in ctx
func (s *Store) Count(ctx uint64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[ctx]
}

// Contexts returns the contexts holding at least one explicit statement,
// in ascending order
func (s *Store) Contexts() []uint64 {
	s.mu.RLock()
	out := make([]uint64, 0, len(s.counts))
	for c := range s.counts {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sync writes the committed counts and the current stamp
func (s *Store) Sync() error {
	s.mu.RLock()
	f := file{Version: formatVersion, Stamp: s.stamp, Counts: s.counts}
	data, err := msgpack.Marshal(&f)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode context counts: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write context counts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write context counts: %w", err)
	}
	s.mu.Lock()
	s.written = f.Stamp
	s.mu.Unlock()
	return nil
}

// Stale reports whether commits happened since the file was last written
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.written != s.stamp
}
