package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aleksaelezovic/quadstore/internal/kv"
)

func newManager(t *testing.T, storage kv.Storage) *Manager {
	t.Helper()
	m, err := NewManager(storage, Config{LockStripes: 8})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func newStorage(t *testing.T, dir string) kv.Storage {
	t.Helper()
	s, err := kv.NewBadgerStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return s
}

func put(t *testing.T, m *Manager, key, value string) uint64 {
	t.Helper()
	w, err := m.BeginWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Tx().Set(kv.TableMeta, []byte(key), []byte(value)); err != nil {
		t.Fatal(err)
	}
	seq, err := w.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return seq
}

func TestSnapshotIsolation(t *testing.T) {
	storage := newStorage(t, t.TempDir())
	defer storage.Close() // #nosec G104
	m := newManager(t, storage)

	before, err := m.BeginRead()
	if err != nil {
		t.Fatal(err)
	}
	defer before.Close() // #nosec G104

	w, err := m.BeginWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Tx().Set(kv.TableMeta, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := before.Tx().Get(kv.TableMeta, []byte("k")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("uncommitted write visible to snapshot: %v", err)
	}
	if _, err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := before.Tx().Get(kv.TableMeta, []byte("k")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("commit after snapshot visible to it: %v", err)
	}
	after, err := m.BeginRead()
	if err != nil {
		t.Fatal(err)
	}
	defer after.Close() // #nosec G104
	if v, err := after.Tx().Get(kv.TableMeta, []byte("k")); err != nil || string(v) != "v" {
		t.Errorf("snapshot after commit read %q, %v", v, err)
	}
	if after.Seq() != before.Seq()+1 {
		t.Errorf("snapshot sequences %d and %d", before.Seq(), after.Seq())
	}
}

func TestOldestSnapshot(t *testing.T) {
	storage := newStorage(t, t.TempDir())
	defer storage.Close() // #nosec G104
	m := newManager(t, storage)

	if _, ok := m.OldestSnapshot(); ok {
		t.Fatal("expected no open snapshots")
	}
	s1, _ := m.BeginRead()
	put(t, m, "a", "1")
	s2, _ := m.BeginRead()
	s3, _ := m.BeginRead()

	if seq, ok := m.OldestSnapshot(); !ok || seq != s1.Seq() {
		t.Errorf("oldest = %d, %v; want %d", seq, ok, s1.Seq())
	}
	if n := m.OpenSnapshots(); n != 3 {
		t.Errorf("open snapshots = %d, want 3", n)
	}
	s1.Close() // #nosec G104
	s1.Close() // #nosec G104
	if seq, _ := m.OldestSnapshot(); seq != s2.Seq() {
		t.Errorf("oldest after close = %d, want %d", seq, s2.Seq())
	}
	s2.Close() // #nosec G104
	if seq, ok := m.OldestSnapshot(); !ok || seq != s3.Seq() {
		t.Errorf("snapshot sharing a sequence was released early")
	}
	s3.Close() // #nosec G104
	if _, ok := m.OldestSnapshot(); ok {
		t.Error("expected no open snapshots after closing all")
	}
	if !s3.Closed() {
		t.Error("expected snapshot to report closed")
	}
}

func TestSingleWriter(t *testing.T) {
	storage := newStorage(t, t.TempDir())
	defer storage.Close() // #nosec G104
	m := newManager(t, storage)

	w, err := m.BeginWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != WriteActive {
		t.Errorf("state = %v, want %v", m.State(), WriteActive)
	}
	if _, err := m.TryBeginWrite(); !errors.Is(err, ErrWriteActive) {
		t.Errorf("TryBeginWrite = %v, want ErrWriteActive", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.BeginWrite(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("BeginWrite = %v, want deadline exceeded", err)
	}

	var started atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w2, err := m.BeginWrite(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		started.Store(true)
		w2.Rollback() // #nosec G104
	}()
	time.Sleep(20 * time.Millisecond)
	if started.Load() {
		t.Error("second writer started while the first was active")
	}
	if err := w.Rollback(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if !started.Load() {
		t.Error("second writer never started")
	}
	if m.State() != RolledBack {
		t.Errorf("state = %v, want %v", m.State(), RolledBack)
	}
	if _, err := w.Commit(); !errors.Is(err, ErrNoWriteTxn) {
		t.Errorf("commit after rollback = %v, want ErrNoWriteTxn", err)
	}
}

func TestHooks(t *testing.T) {
	storage := newStorage(t, t.TempDir())
	defer storage.Close() // #nosec G104
	m := newManager(t, storage)

	var committed uint64
	var rolledBack int
	w, _ := m.BeginWrite(context.Background())
	w.OnCommit(func(seq uint64) { committed = seq })
	w.OnRollback(func() { rolledBack++ })
	seq, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if committed != seq || rolledBack != 0 {
		t.Errorf("commit hooks: committed=%d rolledBack=%d", committed, rolledBack)
	}

	w, _ = m.BeginWrite(context.Background())
	w.OnCommit(func(uint64) { t.Error("commit hook ran on rollback") })
	w.OnRollback(func() { rolledBack++ })
	w.Rollback() // #nosec G104
	w.Rollback() // #nosec G104
	if rolledBack != 1 {
		t.Errorf("rollback hooks ran %d times, want 1", rolledBack)
	}
}

func TestCommitHooksRunBeforeRelease(t *testing.T) {
	storage := newStorage(t, t.TempDir())
	defer storage.Close() // #nosec G104
	m := newManager(t, storage)

	w, _ := m.BeginWrite(context.Background())
	ran := false
	w.OnCommit(func(uint64) {
		ran = true
		if _, err := m.TryBeginWrite(); !errors.Is(err, ErrWriteActive) {
			t.Errorf("TryBeginWrite inside commit hook = %v, want ErrWriteActive", err)
		}
	})
	if _, err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("commit hook did not run")
	}
	next, err := m.TryBeginWrite()
	if err != nil {
		t.Fatalf("TryBeginWrite after commit: %v", err)
	}
	next.Rollback() // #nosec G104
}

func TestSequencePersists(t *testing.T) {
	dir := t.TempDir()
	storage := newStorage(t, dir)
	m := newManager(t, storage)
	put(t, m, "a", "1")
	last := put(t, m, "b", "2")
	if err := storage.Close(); err != nil {
		t.Fatal(err)
	}

	storage = newStorage(t, dir)
	defer storage.Close() // #nosec G104
	m = newManager(t, storage)
	if m.Seq() != last {
		t.Errorf("sequence after reopen = %d, want %d", m.Seq(), last)
	}
}

func TestRollbackOnlyCommit(t *testing.T) {
	backend := newStorage(t, t.TempDir())
	env, err := kv.NewEnv(backend, kv.EnvConfig{MapSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close() // #nosec G104
	m := newManager(t, env)

	w, _ := m.BeginWrite(context.Background())
	rolledBack := false
	w.OnRollback(func() { rolledBack = true })
	err = w.Tx().Set(kv.TableMeta, []byte("big"), make([]byte, 128))
	var capErr *kv.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if _, err := w.Commit(); !errors.Is(err, kv.ErrRollbackOnly) {
		t.Errorf("commit = %v, want ErrRollbackOnly", err)
	}
	if !rolledBack {
		t.Error("rollback hooks did not run")
	}
	w2, err := m.TryBeginWrite()
	if err != nil {
		t.Fatalf("writer slot not released: %v", err)
	}
	w2.Rollback() // #nosec G104
}

func TestStripesPrepare(t *testing.T) {
	s := NewStripes(4)
	subjects := make([]uint64, 100)
	for i := range subjects {
		subjects[i] = uint64(i % 10)
	}
	var mu sync.Mutex
	order := make(map[uint64][]int)
	err := s.Prepare(context.Background(), subjects, func(_ context.Context, items []int) error {
		mu.Lock()
		defer mu.Unlock()
		for _, i := range items {
			order[subjects[i]] = append(order[subjects[i]], i)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for subj, items := range order {
		if len(items) != 10 {
			t.Errorf("subject %d prepared %d times, want 10", subj, len(items))
		}
		for j := 1; j < len(items); j++ {
			if items[j] < items[j-1] {
				t.Errorf("subject %d prepared out of order: %v", subj, items)
				break
			}
		}
	}

	boom := errors.New("boom")
	err = s.Prepare(context.Background(), subjects, func(_ context.Context, items []int) error {
		for _, i := range items {
			if i == 42 {
				return boom
			}
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Prepare error = %v, want boom", err)
	}
	if s.Index(7) != s.Index(7) {
		t.Error("stripe index is not stable")
	}
}
