package values

import (
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// ErrWriterActive is returned when a second writer is requested
var ErrWriterActive = errors.New("value store already has an active writer")

// Writer mutates the dictionary inside one write transaction. Finish it
// with Commit or Rollback after the storage transaction has ended.
type Writer struct {
	*Reader
	nextID uint64
	taken  []uint64
	freed  *roaring64.Bitmap
}

// NewWriter starts the single dictionary writer for tx
func (s *Store) NewWriter(tx kv.Transaction) (*Writer, error) {
	if !tx.Writable() {
		return nil, kv.ErrTransactionRO
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil, ErrWriterActive
	}
	s.releasePending()
	w := &Writer{
		Reader: &Reader{store: s, tx: tx, rev: s.revision.Load(), seq: math.MaxUint64, local: newLocalCache()},
		nextID: s.nextID,
		freed:  roaring64.New(),
	}
	s.writer = w
	return w, nil
}

// GetID returns the ID of t, storing it first when create is set
func (w *Writer) GetID(t rdf.Term, create bool) (uint64, error) {
	if !create {
		return w.ID(t)
	}
	return w.StoreValue(t)
}

// StoreValue returns the ID of t, adding it to the dictionary if needed
func (w *Writer) StoreValue(t rdf.Term) (uint64, error) {
	if _, ok := t.(*rdf.DefaultGraph); ok {
		return Unknown, nil
	}
	hash := termHash(t)
	if id, ok := w.cachedID(hash, t); ok {
		return id, nil
	}

	nested := nestedTerms(t)
	deps := make([]uint64, len(nested))
	for i, n := range nested {
		id, err := w.StoreValue(n)
		if err != nil {
			return Unknown, err
		}
		deps[i] = id
	}
	data, err := encodeRecord(t, deps)
	if err != nil {
		return Unknown, err
	}
	id, nr, err := w.lookup(data)
	if err != nil {
		return Unknown, err
	}
	if id != Unknown {
		w.cacheID(hash, t, id)
		return id, nil
	}

	if id, err = w.allocate(); err != nil {
		return Unknown, err
	}
	if err := w.tx.Set(kv.TableValues, idKey(id), data); err != nil {
		return Unknown, fmt.Errorf("store value %d: %w", id, err)
	}
	if err := w.tx.Set(kv.TableValues, reverseKey(data, nr), varint.Append(nil, id)); err != nil {
		return Unknown, fmt.Errorf("store value key %d: %w", id, err)
	}
	w.cacheID(hash, t, id)
	return id, nil
}

func (w *Writer) allocate() (uint64, error) {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.free.IsEmpty() {
		id := s.free.Minimum()
		s.free.Remove(id)
		w.taken = append(w.taken, id)
		s.values.Remove(id)
		if err := w.tx.Delete(kv.TableFreeIDs, varint.Append(nil, id)); err != nil {
			return Unknown, err
		}
		return id, nil
	}
	id := w.nextID
	w.nextID++
	if err := w.tx.Set(kv.TableMeta, nextIDKey, varint.Append(nil, w.nextID)); err != nil {
		return Unknown, fmt.Errorf("persist next value id: %w", err)
	}
	return id, nil
}

// GC removes every stored value not reachable from live. Literal datatypes
// and quoted triple components of live values stay live. The freed IDs are
// returned; they become reusable once no snapshot older than this
// transaction remains open.
func (w *Writer) GC(live *roaring64.Bitmap) (*roaring64.Bitmap, error) {
	all := roaring64.New()
	deps := make(map[uint64][]uint64)

	it, err := w.tx.Scan(kv.TableValues, []byte{idKeyPrefix}, nil)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		id, _, err := varint.Decode(it.Key()[1:])
		if err != nil {
			it.Close() // #nosec G104
			return nil, fmt.Errorf("decode value id: %w", err)
		}
		data, err := it.Value()
		if err != nil {
			it.Close() // #nosec G104
			return nil, err
		}
		all.Add(id)
		d, err := recordDeps(data)
		if err != nil {
			it.Close() // #nosec G104
			return nil, fmt.Errorf("value id %d: %w", id, err)
		}
		if len(d) > 0 {
			deps[id] = d
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}

	reachable := live.Clone()
	reachable.And(all)
	queue := reachable.ToArray()
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, d := range deps[id] {
			if reachable.CheckedAdd(d) {
				queue = append(queue, d)
			}
		}
	}

	unused := all.Clone()
	unused.AndNot(reachable)
	uit := unused.Iterator()
	for uit.HasNext() {
		id := uit.Next()
		if err := w.remove(id); err != nil {
			return nil, err
		}
	}
	w.freed.Or(unused)
	if !unused.IsEmpty() {
		w.nocache = true
		w.local = newLocalCache()
	}
	return unused, nil
}

func (w *Writer) remove(id uint64) error {
	data, err := w.tx.Get(kv.TableValues, idKey(id))
	if err != nil {
		return fmt.Errorf("value id %d: %w", id, err)
	}
	if len(data) <= maxDirectKey {
		if err := w.tx.Delete(kv.TableValues, data); err != nil {
			return err
		}
	} else if err := w.removeHashEntry(data, id); err != nil {
		return err
	}
	if err := w.tx.Delete(kv.TableValues, idKey(id)); err != nil {
		return err
	}
	return w.tx.Set(kv.TableFreeIDs, varint.Append(nil, id), nil)
}

func (w *Writer) removeHashEntry(data []byte, id uint64) error {
	bucket := hashBucket(contentHash(data))
	it, err := w.tx.Scan(kv.TableValues, bucket, nil)
	if err != nil {
		return err
	}
	var match []byte
	for it.Next() {
		v, err := it.Value()
		if err != nil {
			it.Close() // #nosec G104
			return err
		}
		if got, _, err := varint.Decode(v); err == nil && got == id {
			match = append([]byte(nil), it.Key()...)
			break
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	if match == nil {
		return &kv.InconsistencyError{Index: "values", Detail: fmt.Sprintf("no hash entry for id %d", id)}
	}
	return w.tx.Delete(kv.TableValues, match)
}

// Commit publishes the writer's allocator changes. seq is the commit
// sequence of the storage transaction.
func (w *Writer) Commit(seq uint64) {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = w.nextID
	if w.freed.IsEmpty() && !w.nocache && w.rev == s.revision.Load() {
		for id, term := range w.local.values {
			s.values.Add(id, cachedValue{term: term, rev: w.rev, seq: seq})
		}
		for hash, ci := range w.local.ids {
			ci.rev, ci.seq = w.rev, seq
			s.ids.Add(hash, ci)
		}
	}
	if !w.freed.IsEmpty() {
		s.pending = append(s.pending, pendingFree{seq: seq, ids: w.freed})
		s.bumpRevision()
		s.logger.WithFields(logrus.Fields{
			"freed":    w.freed.GetCardinality(),
			"revision": s.revision.Load(),
		}).Info("value garbage collection committed")
	}
	s.writer = nil
}

// Rollback discards the writer's allocations
func (w *Writer) Rollback() {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range w.taken {
		s.free.Add(id)
	}
	s.writer = nil
}
