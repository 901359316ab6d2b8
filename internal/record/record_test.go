package record

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// posc stores keys as p, o, s, c
var posc = Layout{Table: kv.IndexTable(3), Order: [4]int{P, O, S, C}, Explicit: true}

func writeRecords(t *testing.T, storage kv.Storage, layout Layout, quads []varint.Quad) {
	t.Helper()
	tx, err := storage.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range quads {
		key := varint.AppendQuad([]byte{layout.FlagByte()}, layout.ToKeyOrder(q))
		if err := tx.Set(layout.Table, key, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func newStorage(t *testing.T) kv.Storage {
	t.Helper()
	s, err := kv.NewBadgerStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() }) // #nosec G104
	return s
}

func collect(t *testing.T, it Iterator) []varint.Quad {
	t.Helper()
	var out []varint.Quad
	for it.Next() {
		out = append(out, it.Record().Quad)
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestMatcher(t *testing.T) {
	key := varint.AppendQuad(nil, varint.Quad{5, 300, 70000, 0})
	tests := []struct {
		name   string
		values []uint64
		check  []bool
		want   bool
	}{
		{"all unchecked", []uint64{0, 0, 0, 0}, []bool{false, false, false, false}, true},
		{"second field", []uint64{0, 300, 0, 0}, []bool{false, true, false, false}, true},
		{"different length", []uint64{0, 0, 70001, 0}, []bool{false, false, true, false}, false},
		{"shorter encoding", []uint64{0, 44, 0, 0}, []bool{false, true, false, false}, false},
		{"all fields", []uint64{5, 300, 70000, 0}, []bool{true, true, true, true}, true},
		{"last differs", []uint64{5, 300, 70000, 1}, []bool{true, true, true, true}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.values, tt.check)
			if got := m.Match(key); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanIteratorWithMatcher(t *testing.T) {
	storage := newStorage(t)
	quads := []varint.Quad{
		{1, 10, 100, 0},
		{2, 10, 100, 0},
		{3, 10, 200, 7},
		{4, 11, 100, 0},
	}
	writeRecords(t, storage, posc, quads)

	tx, _ := storage.Begin(false)
	defer tx.Rollback() // #nosec G104

	// p=10 bound as prefix, c=0 checked by the matcher
	prefix := varint.Append([]byte{posc.FlagByte()}, 10)
	m := NewMatcher([]uint64{0, 0, 0, 0}, []bool{false, false, false, true})
	it, err := NewScanIterator(context.Background(), tx, posc, prefix, m)
	if err != nil {
		t.Fatal(err)
	}
	if !it.NeedsMatcher() {
		t.Error("expected NeedsMatcher with a matcher")
	}
	got := collect(t, it)
	if fmt.Sprint(got) != "[[1 10 100 0] [2 10 100 0]]" {
		t.Errorf("scan returned %v", got)
	}

	inferred := posc
	inferred.Explicit = false
	it, _ = NewScanIterator(context.Background(), tx, inferred, []byte{inferred.FlagByte()}, nil)
	if got := collect(t, it); len(got) != 0 {
		t.Errorf("inferred range should be empty, got %v", got)
	}
}

func TestDupIteratorPages(t *testing.T) {
	storage := newStorage(t)
	quads := make([]varint.Quad, 0, 1301)
	for o := uint64(1); o <= 1300; o++ {
		quads = append(quads, varint.Quad{9, 42, o, 0})
	}
	quads = append(quads, varint.Quad{9, 43, 1, 0})
	// spoc layout: group (s, p), duplicates (o, c)
	spoc := Layout{Table: kv.IndexTable(0), Order: [4]int{S, P, O, C}, Explicit: true}
	writeRecords(t, storage, spoc, quads)

	tx, _ := storage.Begin(false)
	defer tx.Rollback() // #nosec G104

	it := NewDupIterator(context.Background(), tx, spoc, 9, 42, [2]uint64{}, [2]bool{}, 100)
	got := collect(t, it)
	if len(got) != 1300 {
		t.Fatalf("dup iterator returned %d rows, want 1300", len(got))
	}
	for i, q := range got {
		if q[O] != uint64(i+1) {
			t.Fatalf("row %d has object %d", i, q[O])
		}
	}

	it = NewDupIterator(context.Background(), tx, spoc, 9, 42, [2]uint64{250, 0}, [2]bool{true, true}, 100)
	got = collect(t, it)
	if len(got) != 1 || got[0] != (varint.Quad{9, 42, 250, 0}) {
		t.Errorf("seek to object 250 returned %v", got)
	}

	it = NewDupIterator(context.Background(), tx, spoc, 9, 42, [2]uint64{250, 3}, [2]bool{true, true}, 100)
	if got := collect(t, it); len(got) != 0 {
		t.Errorf("mismatching context returned %v", got)
	}
}

func TestIteratorInterrupted(t *testing.T) {
	storage := newStorage(t)
	spoc := Layout{Table: kv.IndexTable(0), Order: [4]int{S, P, O, C}, Explicit: true}
	writeRecords(t, storage, spoc, []varint.Quad{{1, 1, 1, 0}, {1, 1, 2, 0}})

	tx, _ := storage.Begin(false)
	defer tx.Rollback() // #nosec G104

	ctx, cancel := context.WithCancel(context.Background())
	it, _ := NewScanIterator(ctx, tx, spoc, []byte{spoc.FlagByte()}, nil)
	if !it.Next() {
		t.Fatal("expected a first record")
	}
	cancel()
	if it.Next() {
		t.Error("expected iteration to stop after cancel")
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", it.Err())
	}
	it.Close() // #nosec G104
}

func TestNextAfterClosePanics(t *testing.T) {
	it := Concat(Empty(), Empty())
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := it.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	defer func() {
		if r := recover(); r != ErrIteratorClosed {
			t.Errorf("expected ErrIteratorClosed panic, got %v", r)
		}
	}()
	it.Next()
}

func TestIDJoinIterator(t *testing.T) {
	left := SliceTuples([][]uint64{{1}, {2}, {3}})
	right := map[uint64][][]uint64{
		1: {{10}, {11}},
		2: {},
		3: {{30}},
	}
	j := NewIDJoinIterator(left, func(l []uint64) (TupleIterator, error) {
		return SliceTuples(right[l[0]]), nil
	})
	var rows []string
	for j.Next() {
		rows = append(rows, fmt.Sprint(j.Tuple()))
	}
	if err := j.Err(); err != nil {
		t.Fatal(err)
	}
	if j.Next() {
		t.Error("exhausted join iterator returned a row")
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(rows) != "[[1 10] [1 11] [3 30]]" {
		t.Errorf("join produced %v", rows)
	}
}
