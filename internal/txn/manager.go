// Package txn coordinates snapshot reads and the single write transaction
// over a storage environment.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

var (
	// ErrWriteActive is returned by TryBeginWrite while another write is active
	ErrWriteActive = errors.New("write transaction already active")
	// ErrNoWriteTxn is returned when a finished write transaction is used
	ErrNoWriteTxn = errors.New("no active write transaction")
	// ErrSnapshotClosed is returned when a closed snapshot is used
	ErrSnapshotClosed = errors.New("snapshot closed")
)

var seqKey = []byte("txn/commit-seq")

// State is the write side state of a Manager
type State int

const (
	Idle State = iota
	WriteActive
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WriteActive:
		return "write-active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Manager
type Config struct {
	// LockStripes is the number of preparation lock stripes
	LockStripes int
	Logger      logrus.FieldLogger
}

// Manager hands out read snapshots and serializes writers. Every commit
// gets a sequence number; a snapshot remembers the sequence it observed.
type Manager struct {
	storage kv.Storage
	logger  logrus.FieldLogger
	stripes *Stripes

	// writer holds a token while a write transaction is active
	writer chan struct{}

	mu        sync.Mutex
	state     State
	seq       uint64
	snapshots map[uint64]int
}

// NewManager creates a Manager and loads the last commit sequence
func NewManager(storage kv.Storage, cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		storage:   storage,
		logger:    logger,
		stripes:   NewStripes(cfg.LockStripes),
		writer:    make(chan struct{}, 1),
		snapshots: make(map[uint64]int),
	}

	tx, err := storage.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // #nosec G104
	v, err := tx.Get(kv.TableMeta, seqKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read commit sequence: %w", err)
	default:
		if m.seq, _, err = varint.Decode(v); err != nil {
			return nil, fmt.Errorf("decode commit sequence: %w", err)
		}
	}
	return m, nil
}

// State returns the write side state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Seq returns the sequence number of the last commit
func (m *Manager) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Stripes returns the preparation lock stripes
func (m *Manager) Stripes() *Stripes {
	return m.stripes
}

// OpenSnapshots returns the number of open read snapshots
func (m *Manager) OpenSnapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.snapshots {
		n += c
	}
	return n
}

// OldestSnapshot returns the commit sequence observed by the oldest open
// snapshot
func (m *Manager) OldestSnapshot() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest uint64
	found := false
	for seq := range m.snapshots {
		if !found || seq < oldest {
			oldest, found = seq, true
		}
	}
	return oldest, found
}

// BeginRead opens a read snapshot of the last committed state
func (m *Manager) BeginRead() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.storage.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	m.snapshots[m.seq]++
	return &Snapshot{m: m, tx: tx, seq: m.seq}, nil
}

func (m *Manager) release(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots[seq] <= 1 {
		delete(m.snapshots, seq)
		return
	}
	m.snapshots[seq]--
}

// BeginWrite starts the write transaction, waiting while another one is
// active
func (m *Manager) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.startWrite()
}

// TryBeginWrite starts the write transaction or fails with ErrWriteActive
func (m *Manager) TryBeginWrite() (*WriteTxn, error) {
	select {
	case m.writer <- struct{}{}:
	default:
		return nil, ErrWriteActive
	}
	return m.startWrite()
}

func (m *Manager) startWrite() (*WriteTxn, error) {
	tx, err := m.storage.Begin(true)
	if err != nil {
		<-m.writer
		return nil, fmt.Errorf("begin write: %w", err)
	}
	m.mu.Lock()
	m.state = WriteActive
	m.mu.Unlock()
	return &WriteTxn{m: m, tx: tx}, nil
}

// Exclusive runs fn while holding the writer slot without opening a
// storage transaction. Snapshots taken inside fn all see the same state.
func (m *Manager) Exclusive(ctx context.Context, fn func() error) error {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.writer }()
	return fn()
}

func (m *Manager) finish(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	<-m.writer
}

// Snapshot is a read-only view of one committed state. It must be closed.
type Snapshot struct {
	m      *Manager
	tx     kv.Transaction
	seq    uint64
	once   sync.Once
	closed bool
}

// Tx returns the storage transaction behind the snapshot
func (s *Snapshot) Tx() kv.Transaction {
	return s.tx
}

// Seq returns the commit sequence the snapshot observes
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Closed reports whether Close was called
func (s *Snapshot) Closed() bool {
	return s.closed
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	var err error
	s.once.Do(func() {
		s.closed = true
		err = s.tx.Rollback()
		s.m.release(s.seq)
	})
	return err
}

// WriteTxn is the single active write transaction
type WriteTxn struct {
	m          *Manager
	tx         kv.Transaction
	done       bool
	onCommit   []func(seq uint64)
	onRollback []func()
}

// Tx returns the storage transaction
func (w *WriteTxn) Tx() kv.Transaction {
	return w.tx
}

// OnCommit registers fn to run after a successful commit
func (w *WriteTxn) OnCommit(fn func(seq uint64)) {
	w.onCommit = append(w.onCommit, fn)
}

// OnRollback registers fn to run after the transaction was rolled back,
// including a failed commit
func (w *WriteTxn) OnRollback(fn func()) {
	w.onRollback = append(w.onRollback, fn)
}

// Active reports whether the transaction can still be used
func (w *WriteTxn) Active() bool {
	return !w.done
}

// Commit persists the transaction and returns its commit sequence. A
// transaction poisoned by a capacity error is rolled back instead.
func (w *WriteTxn) Commit() (uint64, error) {
	if w.done {
		return 0, ErrNoWriteTxn
	}
	if err := kv.RollbackOnly(w.tx); err != nil {
		w.Rollback() // #nosec G104
		return 0, fmt.Errorf("%w: %v", kv.ErrRollbackOnly, err)
	}

	m := w.m
	seq := m.Seq() + 1
	if err := w.tx.Set(kv.TableMeta, seqKey, varint.Append(nil, seq)); err != nil {
		w.Rollback() // #nosec G104
		return 0, fmt.Errorf("persist commit sequence: %w", err)
	}

	// snapshots begun after this point observe the new sequence
	m.mu.Lock()
	err := w.tx.Commit()
	if err == nil {
		m.seq = seq
	}
	m.mu.Unlock()

	w.done = true
	if err != nil {
		w.tx.Rollback() // #nosec G104
		for _, fn := range w.onRollback {
			fn()
		}
		m.finish(RolledBack)
		return 0, fmt.Errorf("commit: %w", err)
	}
	for _, fn := range w.onCommit {
		fn(seq)
	}
	m.logger.WithField("seq", seq).Debug("write transaction committed")
	m.finish(Committed)
	return seq, nil
}

// Rollback discards the transaction. It is a no-op once the transaction
// has finished.
func (w *WriteTxn) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.tx.Rollback()
	for _, fn := range w.onRollback {
		fn()
	}
	w.m.finish(RolledBack)
	return err
}
