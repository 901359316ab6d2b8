// Package values implements the value dictionary: a bidirectional mapping
// between RDF terms and dense 64-bit IDs with caching, content-hash lookup
// and garbage collection of unused IDs.
package values

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Unknown is the ID of a value that is not in the dictionary
const Unknown uint64 = 0

var nextIDKey = []byte("values/next-id")

// SnapshotTracker reports the commit sequence of the oldest open read snapshot
type SnapshotTracker interface {
	OldestSnapshot() (seq uint64, ok bool)
}

// Config configures a Store
type Config struct {
	// CacheSize bounds the ID to value cache
	CacheSize int
	// IDCacheSize bounds the value to ID cache
	IDCacheSize int
	Snapshots   SnapshotTracker
	Logger      logrus.FieldLogger
}

// Stats reports cache effectiveness and allocator state
type Stats struct {
	CacheHits   uint64
	CacheMisses uint64
	Revision    uint64
	NextID      uint64
	FreeIDs     uint64
	PendingIDs  uint64
}

// Cached entries are valid for readers of the same revision whose snapshot
// is at least seq, the commit that made the entry visible.
type cachedValue struct {
	term rdf.Term
	rev  uint64
	seq  uint64
}

type cachedID struct {
	term rdf.Term
	id   uint64
	rev  uint64
	seq  uint64
}

// localCache holds the lookups of a write transaction until it commits
type localCache struct {
	values map[uint64]rdf.Term
	ids    map[uint64]cachedID
}

func newLocalCache() *localCache {
	return &localCache{values: make(map[uint64]rdf.Term), ids: make(map[uint64]cachedID)}
}

type pendingFree struct {
	seq uint64
	ids *roaring64.Bitmap
}

// Store is the value dictionary. Reads go through a Reader bound to a
// storage transaction; all mutation goes through the single Writer.
type Store struct {
	logger    logrus.FieldLogger
	snapshots SnapshotTracker

	values *lru.Cache
	ids    *lru.Cache

	// revision invalidates every cached entry when bumped
	revision atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64

	mu      sync.Mutex
	nextID  uint64
	free    *roaring64.Bitmap
	pending []pendingFree
	writer  *Writer
}

// New creates a dictionary and loads its allocator state from tx
func New(tx kv.Transaction, cfg Config) (*Store, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1 << 14
	}
	if cfg.IDCacheSize <= 0 {
		cfg.IDCacheSize = 1 << 14
	}
	valueCache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	idCache, err := lru.New(cfg.IDCacheSize)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		logger:    logger,
		snapshots: cfg.Snapshots,
		values:    valueCache,
		ids:       idCache,
		nextID:    1,
		free:      roaring64.New(),
	}

	v, err := tx.Get(kv.TableMeta, nextIDKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read next value id: %w", err)
	default:
		if s.nextID, _, err = varint.Decode(v); err != nil {
			return nil, fmt.Errorf("decode next value id: %w", err)
		}
	}

	it, err := tx.Scan(kv.TableFreeIDs, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // #nosec G104
	for it.Next() {
		id, _, err := varint.Decode(it.Key())
		if err != nil {
			return nil, fmt.Errorf("decode free id: %w", err)
		}
		s.free.Add(id)
	}
	return s, nil
}

// Revision returns the current cache revision. Snapshots record it so that
// lookups from stale snapshots never populate the shared caches.
func (s *Store) Revision() uint64 {
	return s.revision.Load()
}

// Stats returns cache and allocator counters
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending uint64
	for _, p := range s.pending {
		pending += p.ids.GetCardinality()
	}
	return Stats{
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Revision:    s.revision.Load(),
		NextID:      s.nextID,
		FreeIDs:     s.free.GetCardinality(),
		PendingIDs:  pending,
	}
}

// NewReader returns a reader over tx. rev is the revision observed when the
// snapshot behind tx was taken and seq its commit sequence.
func (s *Store) NewReader(tx kv.Transaction, rev, seq uint64) *Reader {
	return &Reader{store: s, tx: tx, rev: rev, seq: seq}
}

func (s *Store) bumpRevision() {
	s.revision.Add(1)
}

// releasePending moves freed IDs to the allocator once no open snapshot
// predates the transaction that freed them.
func (s *Store) releasePending() {
	var oldest uint64
	var open bool
	if s.snapshots != nil {
		oldest, open = s.snapshots.OldestSnapshot()
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if open && oldest < p.seq {
			kept = append(kept, p)
			continue
		}
		s.free.Or(p.ids)
	}
	s.pending = kept
}

// Reader resolves IDs and values within one storage transaction
type Reader struct {
	store *Store
	tx    kv.Transaction
	rev   uint64
	seq   uint64
	// nocache disables the shared caches, set after GC in a write transaction
	nocache bool
	// local replaces the shared caches for a writer
	local *localCache
}

func (r *Reader) cacheable() bool {
	return !r.nocache && r.rev == r.store.revision.Load()
}

// Value returns the term with the given ID
func (r *Reader) Value(id uint64) (rdf.Term, error) {
	if id == Unknown {
		return nil, fmt.Errorf("value id %d: %w", id, kv.ErrNotFound)
	}
	if r.local != nil {
		if term, ok := r.local.values[id]; ok {
			r.store.hits.Add(1)
			return term, nil
		}
	}
	if r.cacheable() {
		if v, ok := r.store.values.Get(id); ok {
			if cv := v.(cachedValue); cv.rev == r.rev && cv.seq <= r.seq {
				r.store.hits.Add(1)
				return cv.term, nil
			}
		}
	}
	r.store.misses.Add(1)

	data, err := r.tx.Get(kv.TableValues, idKey(id))
	if err != nil {
		return nil, fmt.Errorf("value id %d: %w", id, err)
	}
	term, err := decodeRecord(data, r.Value)
	if err != nil {
		return nil, fmt.Errorf("value id %d: %w", id, err)
	}
	switch {
	case r.local != nil:
		r.local.values[id] = term
	case r.cacheable():
		r.store.values.Add(id, cachedValue{term: term, rev: r.rev, seq: r.seq})
	}
	return term, nil
}

// ID returns the ID of t or Unknown if t is not stored
func (r *Reader) ID(t rdf.Term) (uint64, error) {
	if _, ok := t.(*rdf.DefaultGraph); ok {
		return Unknown, nil
	}
	hash := termHash(t)
	if id, ok := r.cachedID(hash, t); ok {
		return id, nil
	}
	nested := nestedTerms(t)
	deps := make([]uint64, len(nested))
	for i, n := range nested {
		id, err := r.ID(n)
		if err != nil || id == Unknown {
			return Unknown, err
		}
		deps[i] = id
	}
	data, err := encodeRecord(t, deps)
	if err != nil {
		return Unknown, err
	}
	id, _, err := r.lookup(data)
	if err != nil || id == Unknown {
		return Unknown, err
	}
	r.cacheID(hash, t, id)
	return id, nil
}

func (r *Reader) cachedID(hash uint64, t rdf.Term) (uint64, bool) {
	if r.local != nil {
		if ci, ok := r.local.ids[hash]; ok && ci.term.Equals(t) {
			r.store.hits.Add(1)
			return ci.id, true
		}
	}
	if !r.cacheable() {
		return Unknown, false
	}
	v, ok := r.store.ids.Get(hash)
	if !ok {
		return Unknown, false
	}
	ci := v.(cachedID)
	if ci.rev != r.rev || ci.seq > r.seq || !ci.term.Equals(t) {
		return Unknown, false
	}
	r.store.hits.Add(1)
	return ci.id, true
}

func (r *Reader) cacheID(hash uint64, t rdf.Term, id uint64) {
	switch {
	case r.local != nil:
		r.local.ids[hash] = cachedID{term: t, id: id}
	case r.cacheable():
		r.store.ids.Add(hash, cachedID{term: t, id: id, rev: r.rev, seq: r.seq})
	}
}

// lookup finds the ID stored for a serialized record. For hashed records it
// also returns the next free collision number of the bucket.
func (r *Reader) lookup(data []byte) (uint64, uint64, error) {
	if len(data) <= maxDirectKey {
		v, err := r.tx.Get(kv.TableValues, data)
		if errors.Is(err, kv.ErrNotFound) {
			return Unknown, 0, nil
		}
		if err != nil {
			return Unknown, 0, err
		}
		id, _, err := varint.Decode(v)
		return id, 0, err
	}

	bucket := hashBucket(contentHash(data))
	it, err := r.tx.Scan(kv.TableValues, bucket, nil)
	if err != nil {
		return Unknown, 0, err
	}
	defer it.Close() // #nosec G104

	var nextNr uint64
	for it.Next() {
		nr, _, err := varint.Decode(it.Key()[len(bucket):])
		if err != nil {
			return Unknown, 0, fmt.Errorf("decode collision number: %w", err)
		}
		nextNr = nr + 1
		v, err := it.Value()
		if err != nil {
			return Unknown, 0, err
		}
		id, _, err := varint.Decode(v)
		if err != nil {
			return Unknown, 0, err
		}
		stored, err := r.tx.Get(kv.TableValues, idKey(id))
		if err != nil {
			return Unknown, 0, fmt.Errorf("hash entry points to missing id %d: %w", id, err)
		}
		if string(stored) == string(data) {
			return id, 0, nil
		}
	}
	return Unknown, nextNr, nil
}

// reverseKey returns the lookup key for a record given its collision number
func reverseKey(data []byte, nr uint64) []byte {
	if len(data) <= maxDirectKey {
		return data
	}
	return varint.Append(hashBucket(contentHash(data)), nr)
}
