package kv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/varint"
)

var usedKey = []byte("used")

// EnvConfig controls capacity accounting
type EnvConfig struct {
	// MapSize is the initial capacity in bytes
	MapSize int64
	// MaxMapSize bounds auto-grow. Zero means unbounded.
	MaxMapSize int64
	// AutoGrow doubles the capacity instead of failing a write
	AutoGrow bool
	// OnGrow is called with the new limit after the capacity was raised
	OnGrow func(oldLimit, newLimit int64)
	Logger logrus.FieldLogger
}

// Env wraps a Storage and enforces a capacity limit on the logical bytes
// written through it. Usage is the sum of stored key and value lengths and
// is persisted with every commit.
type Env struct {
	backend Storage
	cfg     EnvConfig
	logger  logrus.FieldLogger

	mu    sync.Mutex
	limit int64
	used  int64
}

// NewEnv wraps backend and loads the persisted usage counter
func NewEnv(backend Storage, cfg EnvConfig) (*Env, error) {
	if cfg.MapSize <= 0 {
		return nil, fmt.Errorf("map size must be positive, got %d", cfg.MapSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Env{backend: backend, cfg: cfg, logger: logger, limit: cfg.MapSize}

	tx, err := backend.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // #nosec G104
	v, err := tx.Get(reservedTable, usedKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read usage counter: %w", err)
	default:
		used, _, err := varint.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("decode usage counter: %w", err)
		}
		e.used = int64(used)
	}
	for e.used > e.limit && cfg.AutoGrow && e.canGrow() {
		e.limit = e.nextLimit()
	}
	return e, nil
}

// Begin starts a transaction. Write transactions are capacity checked.
func (e *Env) Begin(writable bool) (Transaction, error) {
	tx, err := e.backend.Begin(writable)
	if err != nil || !writable {
		return tx, err
	}
	return &envTransaction{Transaction: tx, env: e}, nil
}

func (e *Env) Close() error { return e.backend.Close() }

func (e *Env) Sync() error { return e.backend.Sync() }

// Used returns the committed logical size in bytes
func (e *Env) Used() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// Limit returns the current capacity in bytes
func (e *Env) Limit() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}

func (e *Env) canGrow() bool {
	return e.cfg.MaxMapSize == 0 || e.limit < e.cfg.MaxMapSize
}

func (e *Env) nextLimit() int64 {
	next := e.limit * 2
	if e.cfg.MaxMapSize > 0 && next > e.cfg.MaxMapSize {
		next = e.cfg.MaxMapSize
	}
	return next
}

// reserve grows the limit until need fits or reports a CapacityError
func (e *Env) reserve(need int64) error {
	e.mu.Lock()
	old := e.limit
	for need > e.limit && e.cfg.AutoGrow && e.canGrow() {
		e.limit = e.nextLimit()
	}
	grown, limit := e.limit != old, e.limit
	e.mu.Unlock()

	if grown {
		e.logger.WithFields(logrus.Fields{
			"old_size": old,
			"new_size": limit,
		}).Info("storage capacity grown")
		if e.cfg.OnGrow != nil {
			e.cfg.OnGrow(old, limit)
		}
	}
	if need > limit {
		return &CapacityError{Resource: "map", Current: need, Limit: limit}
	}
	return nil
}

type envTransaction struct {
	Transaction
	env          *Env
	delta        int64
	rollbackOnly error
}

// stored returns the size a key and its value take now, zero when absent
func (t *envTransaction) stored(table Table, key []byte) (int64, error) {
	v, err := t.Transaction.Get(table, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return int64(len(key) + len(v)), nil
}

// Set charges only the growth of the record, so overwriting a key of the
// same size costs nothing
func (t *envTransaction) Set(table Table, key, value []byte) error {
	if t.rollbackOnly != nil {
		return fmt.Errorf("%w: %v", ErrRollbackOnly, t.rollbackOnly)
	}
	prev, err := t.stored(table, key)
	if err != nil {
		return err
	}
	size := int64(len(key)+len(value)) - prev
	if size > 0 {
		if err := t.env.reserve(t.env.Used() + t.delta + size); err != nil {
			t.rollbackOnly = err
			return err
		}
	}
	if err := t.Transaction.Set(table, key, value); err != nil {
		var capErr *CapacityError
		if errors.As(err, &capErr) {
			t.rollbackOnly = err
		}
		return err
	}
	t.delta += size
	return nil
}

func (t *envTransaction) Delete(table Table, key []byte) error {
	if t.rollbackOnly != nil {
		return fmt.Errorf("%w: %v", ErrRollbackOnly, t.rollbackOnly)
	}
	prev, err := t.stored(table, key)
	if err != nil || prev == 0 {
		return err
	}
	if err := t.Transaction.Delete(table, key); err != nil {
		return err
	}
	t.delta -= prev
	return nil
}

func (t *envTransaction) Commit() error {
	if t.rollbackOnly != nil {
		_ = t.Transaction.Rollback()
		return fmt.Errorf("%w: %v", ErrRollbackOnly, t.rollbackOnly)
	}
	used := t.env.Used() + t.delta
	if used < 0 {
		used = 0
	}
	if err := t.Transaction.Set(reservedTable, usedKey, varint.Append(nil, uint64(used))); err != nil {
		_ = t.Transaction.Rollback()
		return err
	}
	if err := t.Transaction.Commit(); err != nil {
		return err
	}
	t.env.mu.Lock()
	t.env.used = used
	t.env.mu.Unlock()
	return nil
}

// RollbackOnly returns the error that poisoned a write transaction, if any
func RollbackOnly(tx Transaction) error {
	if et, ok := tx.(*envTransaction); ok {
		return et.rollbackOnly
	}
	return nil
}
