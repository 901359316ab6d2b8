package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	b, err := NewBadgerStorage(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("failed to create badger storage: %v", err)
	}
	bo, err := NewBoltStorage(filepath.Join(t.TempDir(), "data.bolt"), 1<<20)
	if err != nil {
		t.Fatalf("failed to create bolt storage: %v", err)
	}
	t.Cleanup(func() {
		b.Close()  // #nosec G104
		bo.Close() // #nosec G104
	})
	return map[string]Storage{"badger": b, "bolt": bo}
}

func mustCommit(t *testing.T, tx Transaction) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBackendBasics(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			tx, err := s.Begin(true)
			if err != nil {
				t.Fatal(err)
			}
			for _, k := range []string{"a1", "a2", "a3", "b1"} {
				if err := tx.Set(TableValues, []byte(k), []byte("v"+k)); err != nil {
					t.Fatal(err)
				}
			}
			if err := tx.Set(TableMeta, []byte("a9"), nil); err != nil {
				t.Fatal(err)
			}
			mustCommit(t, tx)

			rtx, err := s.Begin(false)
			if err != nil {
				t.Fatal(err)
			}
			defer rtx.Rollback() // #nosec G104

			if err := rtx.Set(TableValues, []byte("x"), nil); !errors.Is(err, ErrTransactionRO) {
				t.Errorf("expected ErrTransactionRO, got %v", err)
			}
			v, err := rtx.Get(TableValues, []byte("a2"))
			if err != nil || string(v) != "va2" {
				t.Errorf("Get(a2) = %q, %v", v, err)
			}
			if _, err := rtx.Get(TableValues, []byte("zz")); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if _, err := rtx.Get(TableFreeIDs, []byte("a1")); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for empty table, got %v", err)
			}

			it, err := rtx.Scan(TableValues, []byte("a"), []byte("a2"))
			if err != nil {
				t.Fatal(err)
			}
			var keys []string
			for it.Next() {
				keys = append(keys, string(it.Key()))
			}
			it.Close() // #nosec G104
			if fmt.Sprint(keys) != "[a2 a3]" {
				t.Errorf("Scan(a, a2) = %v, want [a2 a3]", keys)
			}
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			w, _ := s.Begin(true)
			if err := w.Set(TableValues, []byte("k"), []byte("old")); err != nil {
				t.Fatal(err)
			}
			mustCommit(t, w)

			r, _ := s.Begin(false)
			defer r.Rollback() // #nosec G104

			w, _ = s.Begin(true)
			if err := w.Set(TableValues, []byte("k"), []byte("new")); err != nil {
				t.Fatal(err)
			}
			mustCommit(t, w)

			v, err := r.Get(TableValues, []byte("k"))
			if err != nil || string(v) != "old" {
				t.Errorf("snapshot read = %q, %v; want old", v, err)
			}
		})
	}
}

func TestGetMultiplePages(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			group := []byte{1, 7}
			w, _ := s.Begin(true)
			for i := 0; i < 25; i++ {
				if err := PutDup(w, IndexTable(0), group, []byte{byte(i)}); err != nil {
					t.Fatal(err)
				}
			}
			if err := PutDup(w, IndexTable(0), []byte{1, 8}, []byte{0}); err != nil {
				t.Fatal(err)
			}
			mustCommit(t, w)

			r, _ := s.Begin(false)
			defer r.Rollback() // #nosec G104

			var all [][]byte
			var from []byte
			for {
				page, err := GetMultiple(r, IndexTable(0), group, from, 10)
				if err != nil {
					t.Fatal(err)
				}
				all = append(all, page...)
				if len(page) < 10 {
					break
				}
				from = After(page[len(page)-1])
			}
			if len(all) != 25 {
				t.Fatalf("read %d duplicates, want 25", len(all))
			}
			for i, v := range all {
				if v[0] != byte(i) {
					t.Fatalf("duplicate %d = %v", i, v)
				}
			}
		})
	}
}

func TestEnvCapacity(t *testing.T) {
	b, err := NewBadgerStorage("")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close() // #nosec G104

	t.Run("fixed", func(t *testing.T) {
		env, err := NewEnv(b, EnvConfig{MapSize: 64})
		if err != nil {
			t.Fatal(err)
		}
		tx, _ := env.Begin(true)
		if err := tx.Set(TableValues, []byte("small"), []byte("x")); err != nil {
			t.Fatalf("small write failed: %v", err)
		}
		err = tx.Set(TableValues, []byte("big"), make([]byte, 100))
		var capErr *CapacityError
		if !errors.As(err, &capErr) {
			t.Fatalf("expected CapacityError, got %v", err)
		}
		if capErr.Limit != 64 {
			t.Errorf("limit = %d, want 64", capErr.Limit)
		}
		if err := tx.Set(TableValues, []byte("a"), nil); !errors.Is(err, ErrRollbackOnly) {
			t.Errorf("expected ErrRollbackOnly after overflow, got %v", err)
		}
		if err := tx.Commit(); !errors.Is(err, ErrRollbackOnly) {
			t.Errorf("expected commit to fail with ErrRollbackOnly, got %v", err)
		}
		if env.Used() != 0 {
			t.Errorf("used = %d after failed commit", env.Used())
		}
	})

	t.Run("autogrow", func(t *testing.T) {
		var grown []int64
		env, err := NewEnv(b, EnvConfig{
			MapSize:    64,
			MaxMapSize: 1024,
			AutoGrow:   true,
			OnGrow:     func(_, n int64) { grown = append(grown, n) },
		})
		if err != nil {
			t.Fatal(err)
		}
		tx, _ := env.Begin(true)
		if err := tx.Set(TableValues, []byte("big"), make([]byte, 200)); err != nil {
			t.Fatalf("auto-grow write failed: %v", err)
		}
		mustCommit(t, tx)
		if env.Limit() != 256 {
			t.Errorf("limit = %d, want 256", env.Limit())
		}
		if len(grown) != 1 || grown[0] != 256 {
			t.Errorf("OnGrow calls = %v", grown)
		}
		if env.Used() != 203 {
			t.Errorf("used = %d, want 203", env.Used())
		}

		tx, _ = env.Begin(true)
		err = tx.Set(TableValues, []byte("huge"), make([]byte, 2000))
		var capErr *CapacityError
		if !errors.As(err, &capErr) || capErr.Limit != 1024 {
			t.Errorf("expected CapacityError at max size, got %v", err)
		}
		tx.Rollback() // #nosec G104

		reopened, err := NewEnv(b, EnvConfig{MapSize: 64, AutoGrow: true})
		if err != nil {
			t.Fatal(err)
		}
		if reopened.Used() != 203 || reopened.Limit() < 203 {
			t.Errorf("reopened env used=%d limit=%d", reopened.Used(), reopened.Limit())
		}
	})
}

func TestEnvChurnKeepsUsage(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			env, err := NewEnv(s, EnvConfig{MapSize: 256})
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 2000; i++ {
				tx, err := env.Begin(true)
				if err != nil {
					t.Fatal(err)
				}
				if err := tx.Set(TableMeta, []byte("counter"), []byte(fmt.Sprintf("%08d", i))); err != nil {
					t.Fatalf("cycle %d: overwrite failed: %v", i, err)
				}
				if err := tx.Set(TableValues, []byte("tmp"), make([]byte, 100)); err != nil {
					t.Fatalf("cycle %d: insert failed: %v", i, err)
				}
				if err := tx.Delete(TableValues, []byte("tmp")); err != nil {
					t.Fatal(err)
				}
				if err := tx.Delete(TableValues, []byte("missing")); err != nil {
					t.Fatal(err)
				}
				mustCommit(t, tx)
			}
			if env.Used() != 15 {
				t.Errorf("used = %d after churn, want 15", env.Used())
			}

			tx, _ := env.Begin(true)
			if err := tx.Delete(TableMeta, []byte("counter")); err != nil {
				t.Fatal(err)
			}
			mustCommit(t, tx)
			if env.Used() != 0 {
				t.Errorf("used = %d after deleting everything", env.Used())
			}
		})
	}
}

func TestBoltMmapSize(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mapping follows the initial capacity on windows")
	}
	tests := []struct {
		name             string
		mapSize, maxSize int64
		want             int64
	}{
		{"bounded", 1 << 20, 1 << 24, 4 << 24},
		{"unbounded", 1 << 20, 0, boltMmapReserve},
		{"initial above reserve", 1 << 39, 0, 4 << 39},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := BoltMmapSize(tt.mapSize, tt.maxSize); got != tt.want {
				t.Errorf("BoltMmapSize(%d, %d) = %d, want %d", tt.mapSize, tt.maxSize, got, tt.want)
			}
		})
	}
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()
	l, err := LockDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = LockDir(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) || !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected LockError wrapping ErrAlreadyLocked, got %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}
	l2, err := LockDir(dir)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	l2.Release() // #nosec G104
}

func TestLockFileHoldsCurrentPid(t *testing.T) {
	dir := t.TempDir()
	want := fmt.Sprintf("%d\n", os.Getpid())
	for i := 0; i < 5; i++ {
		l, err := LockDir(dir)
		if err != nil {
			t.Fatalf("lock #%d: %v", i, err)
		}
		if _, err := LockDir(dir); !errors.Is(err, ErrAlreadyLocked) {
			t.Fatalf("second lock #%d = %v, want ErrAlreadyLocked", i, err)
		}
		data, err := os.ReadFile(filepath.Join(dir, LockFileName))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Errorf("lock file after lock #%d = %q, want %q", i, data, want)
		}
		if err := l.Release(); err != nil {
			t.Fatal(err)
		}
	}
}
