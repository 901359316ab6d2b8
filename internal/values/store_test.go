package values

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

type fakeSnapshots struct {
	seq  uint64
	open bool
}

func (f *fakeSnapshots) OldestSnapshot() (uint64, bool) { return f.seq, f.open }

func newTestStore(t *testing.T) (kv.Storage, *Store, *fakeSnapshots) {
	t.Helper()
	storage, err := kv.NewBadgerStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() }) // #nosec G104

	snaps := &fakeSnapshots{}
	tx, _ := storage.Begin(false)
	defer tx.Rollback() // #nosec G104
	s, err := New(tx, Config{CacheSize: 64, IDCacheSize: 64, Snapshots: snaps})
	if err != nil {
		t.Fatalf("failed to create value store: %v", err)
	}
	return storage, s, snaps
}

func sampleTerms(t *testing.T) []rdf.Term {
	qt, err := rdf.NewQuotedTriple(
		rdf.NewNamedNode("http://example.org/alice"),
		rdf.NewNamedNode("http://xmlns.com/foaf/0.1/knows"),
		rdf.NewLiteralWithLanguage("Bob", "en"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return []rdf.Term{
		rdf.NewNamedNode("http://example.org/alice"),
		rdf.NewNamedNode("x:a"),
		rdf.NewBlankNode("b1"),
		rdf.NewLiteral("short"),
		rdf.NewLiteral(strings.Repeat("long literal ", 10)),
		rdf.NewLiteralWithLanguage("Bonjour", "fr"),
		rdf.NewIntegerLiteral(42),
		rdf.NewLiteralWithDatatype("2024-01-01", rdf.NewNamedNode("http://www.w3.org/2001/XMLSchema#date")),
		qt,
	}
}

func TestStoreAndResolve(t *testing.T) {
	storage, s, _ := newTestStore(t)
	terms := sampleTerms(t)

	tx, _ := storage.Begin(true)
	w, err := s.NewWriter(tx)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]uint64, len(terms))
	for i, term := range terms {
		id, err := w.StoreValue(term)
		if err != nil {
			t.Fatalf("StoreValue(%s): %v", term, err)
		}
		if id == Unknown {
			t.Fatalf("StoreValue(%s) returned Unknown", term)
		}
		ids[i] = id
		again, err := w.GetID(term, true)
		if err != nil || again != id {
			t.Errorf("storing %s twice gave ids %d and %d (%v)", term, id, again, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	w.Commit(1)

	// Resolve through a fresh store so nothing comes from the caches.
	rtx, _ := storage.Begin(false)
	defer rtx.Rollback() // #nosec G104
	fresh, err := New(rtx, Config{})
	if err != nil {
		t.Fatal(err)
	}
	r := fresh.NewReader(rtx, fresh.Revision(), 1)
	for i, term := range terms {
		got, err := r.Value(ids[i])
		if err != nil {
			t.Fatalf("Value(%d): %v", ids[i], err)
		}
		if !got.Equals(term) {
			t.Errorf("Value(%d) = %s, want %s", ids[i], got, term)
		}
		id, err := r.ID(term)
		if err != nil || id != ids[i] {
			t.Errorf("ID(%s) = %d, %v; want %d", term, id, err, ids[i])
		}
	}
	if id, err := r.ID(rdf.NewNamedNode("http://example.org/missing")); err != nil || id != Unknown {
		t.Errorf("ID(missing) = %d, %v; want Unknown", id, err)
	}
	if id, err := r.ID(rdf.NewLiteralWithDatatype("1", rdf.NewNamedNode("http://example.org/unknownType"))); err != nil || id != Unknown {
		t.Errorf("ID of literal with unknown datatype = %d, %v; want Unknown", id, err)
	}
	if n, err := r.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	} else if n < int64(len(terms)) {
		t.Errorf("Check visited %d values, want at least %d", n, len(terms))
	}
	if fresh.Stats().NextID <= ids[len(ids)-1] {
		t.Errorf("next id %d not past last allocated %d", fresh.Stats().NextID, ids[len(ids)-1])
	}
}

func TestRollbackDiscardsValues(t *testing.T) {
	storage, s, _ := newTestStore(t)
	term := rdf.NewNamedNode("http://example.org/ephemeral")

	tx, _ := storage.Begin(true)
	w, _ := s.NewWriter(tx)
	id, err := w.StoreValue(term)
	if err != nil {
		t.Fatal(err)
	}
	tx.Rollback() // #nosec G104
	w.Rollback()

	rtx, _ := storage.Begin(false)
	defer rtx.Rollback() // #nosec G104
	r := s.NewReader(rtx, s.Revision(), 0)
	if got, err := r.ID(term); err != nil || got != Unknown {
		t.Errorf("rolled back value resolved to %d, %v", got, err)
	}

	tx2, _ := storage.Begin(true)
	w2, err := s.NewWriter(tx2)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback() // #nosec G104
	other, err := w2.StoreValue(rdf.NewNamedNode("http://example.org/other"))
	if err != nil {
		t.Fatal(err)
	}
	if other != id {
		t.Errorf("expected id %d to be handed out again, got %d", id, other)
	}
	w2.Rollback()
}

func TestSingleWriter(t *testing.T) {
	storage, s, _ := newTestStore(t)
	tx, _ := storage.Begin(true)
	defer tx.Rollback() // #nosec G104
	w, err := s.NewWriter(tx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewWriter(tx); err != ErrWriterActive {
		t.Errorf("expected ErrWriterActive, got %v", err)
	}
	w.Rollback()
}

func TestGarbageCollection(t *testing.T) {
	storage, s, snaps := newTestStore(t)
	keep := rdf.NewLiteralWithDatatype("7", rdf.NewNamedNode("http://example.org/myInt"))
	drop := rdf.NewNamedNode("http://example.org/" + strings.Repeat("garbage", 5))

	tx, _ := storage.Begin(true)
	w, _ := s.NewWriter(tx)
	keepID, _ := w.StoreValue(keep)
	dropID, _ := w.StoreValue(drop)
	tx.Commit() // #nosec G104
	w.Commit(1)

	// A snapshot taken before the collection can still read the old value.
	old, _ := storage.Begin(false)
	defer old.Rollback() // #nosec G104
	oldRev := s.Revision()
	snaps.seq, snaps.open = 1, true

	tx, _ = storage.Begin(true)
	w, _ = s.NewWriter(tx)
	live := roaring64.New()
	live.Add(keepID)
	freed, err := w.GC(live)
	if err != nil {
		t.Fatal(err)
	}
	if freed.GetCardinality() != 1 || !freed.Contains(dropID) {
		t.Fatalf("GC freed %v, want [%d]", freed.ToArray(), dropID)
	}
	tx.Commit() // #nosec G104
	w.Commit(2)

	if s.Revision() == oldRev {
		t.Error("GC commit did not bump the revision")
	}
	got, err := s.NewReader(old, oldRev, 1).Value(dropID)
	if err != nil || !got.Equals(drop) {
		t.Errorf("old snapshot lost freed value: %v, %v", got, err)
	}

	now, _ := storage.Begin(false)
	r := s.NewReader(now, s.Revision(), 2)
	if id, _ := r.ID(drop); id != Unknown {
		t.Errorf("collected value still resolves to %d", id)
	}
	if v, err := r.Value(keepID); err != nil || !v.Equals(keep) {
		t.Errorf("kept literal lost its datatype: %v, %v", v, err)
	}
	now.Rollback() // #nosec G104

	// While the old snapshot is open the freed id must not be reused.
	tx, _ = storage.Begin(true)
	w, _ = s.NewWriter(tx)
	fresh, _ := w.StoreValue(rdf.NewNamedNode("http://example.org/new1"))
	if fresh == dropID {
		t.Fatalf("freed id %d reused while an older snapshot is open", dropID)
	}
	tx.Commit() // #nosec G104
	w.Commit(3)

	snaps.open = false
	tx, _ = storage.Begin(true)
	w, _ = s.NewWriter(tx)
	reused, _ := w.StoreValue(rdf.NewNamedNode("http://example.org/new2"))
	if reused != dropID {
		t.Errorf("expected freed id %d to be reused, got %d", dropID, reused)
	}
	tx.Commit() // #nosec G104
	w.Commit(4)
}

func TestUncommittedValuesStayPrivate(t *testing.T) {
	storage, s, _ := newTestStore(t)
	known := rdf.NewNamedNode("http://example.org/known")
	fresh := rdf.NewNamedNode("http://example.org/fresh")

	tx, _ := storage.Begin(true)
	w, _ := s.NewWriter(tx)
	knownID, _ := w.StoreValue(known)
	tx.Commit() // #nosec G104
	w.Commit(1)

	tx, _ = storage.Begin(true)
	w, _ = s.NewWriter(tx)
	freshID, err := w.StoreValue(fresh)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := w.ID(fresh); got != freshID {
		t.Errorf("writer resolves its own value to %d, want %d", got, freshID)
	}

	// a snapshot taken while the write is pending
	before, _ := storage.Begin(false)
	defer before.Rollback() // #nosec G104
	r := s.NewReader(before, s.Revision(), 1)
	if id, err := r.ID(fresh); err != nil || id != Unknown {
		t.Errorf("uncommitted value visible to a snapshot as %d, %v", id, err)
	}
	if id, err := r.ID(known); err != nil || id != knownID {
		t.Errorf("ID(known) = %d, %v; want %d", id, err, knownID)
	}

	tx.Commit() // #nosec G104
	w.Commit(2)
	if id, err := r.ID(fresh); err != nil || id != Unknown {
		t.Errorf("value committed after the snapshot visible to it as %d, %v", id, err)
	}

	after, _ := storage.Begin(false)
	defer after.Rollback() // #nosec G104
	hits := s.Stats().CacheHits
	if id, err := s.NewReader(after, s.Revision(), 2).ID(fresh); err != nil || id != freshID {
		t.Errorf("ID(fresh) after commit = %d, %v; want %d", id, err, freshID)
	}
	if s.Stats().CacheHits != hits+1 {
		t.Error("committed writer lookups were not published to the cache")
	}
}

func TestLanguageWithDatatypeRejected(t *testing.T) {
	storage, s, _ := newTestStore(t)
	tx, _ := storage.Begin(true)
	defer tx.Rollback() // #nosec G104
	w, err := s.NewWriter(tx)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Rollback()

	next := w.nextID
	bad := &rdf.Literal{Value: "chat", Language: "fr", Datatype: rdf.NewNamedNode("http://example.org/type")}
	if _, err := w.StoreValue(bad); !errors.Is(err, ErrLanguageWithDatatype) {
		t.Fatalf("StoreValue(%#v) = %v, want ErrLanguageWithDatatype", bad, err)
	}
	if w.nextID != next {
		t.Errorf("rejected literal allocated ids %d..%d", next, w.nextID)
	}
	if _, err := w.ID(bad); !errors.Is(err, ErrLanguageWithDatatype) {
		t.Errorf("ID(%#v) = %v, want ErrLanguageWithDatatype", bad, err)
	}

	tagged := rdf.NewLiteralWithLanguage("chat", "fr")
	id, err := w.StoreValue(tagged)
	if err != nil {
		t.Fatal(err)
	}
	got, err := w.Value(id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(tagged) {
		t.Errorf("Value(%d) = %#v, want %#v", id, got, tagged)
	}
}
