// Package triples maintains the statement indexes: every quad of IDs is
// stored once per configured field order, flagged explicit or inferred.
package triples

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

const (
	// Unknown is the ID of an absent value and the context of default graph statements
	Unknown uint64 = 0
	// Any matches every value in a pattern position
	Any uint64 = math.MaxUint64
)

// DefaultIndexes is used when no index list is configured
const DefaultIndexes = "spoc,posc"

// Config configures a Store
type Config struct {
	// Indexes is the comma separated list of field orders
	Indexes string
	// DupSort reads two-field prefixes as page-batched duplicate lists
	DupSort bool
	// DupPageSize is the number of duplicates fetched per page
	DupPageSize int
	// EstimateLimit bounds the records scanned by Cardinality
	EstimateLimit int
	// KeyCache memoizes scan prefixes, may be nil
	KeyCache *varint.KeyCache
	Logger   logrus.FieldLogger
}

// ScanStats counts the access paths chosen for statement lookups
type ScanStats struct {
	Prefix     uint64
	Dup        uint64
	Sequential uint64
}

// Store manages the statement indexes
type Store struct {
	cfg     Config
	logger  logrus.FieldLogger
	indexes []*Index
	orders  [16][]int
	recs    *recommender

	prefixScans     atomic.Uint64
	dupScans        atomic.Uint64
	sequentialScans atomic.Uint64
}

// New creates a Store over the configured indexes. Call Reindex before use
// when the store may hold data written with a different index list.
func New(cfg Config) (*Store, error) {
	if cfg.Indexes == "" {
		cfg.Indexes = DefaultIndexes
	}
	if cfg.DupPageSize <= 0 {
		cfg.DupPageSize = 1024
	}
	if cfg.EstimateLimit <= 0 {
		cfg.EstimateLimit = 1000
	}
	indexes, err := ParseIndexSpecs(cfg.Indexes)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{cfg: cfg, logger: logger, indexes: indexes, recs: newRecommender()}
	s.orders = buildSupportedOrders(indexes)
	return s, nil
}

// Indexes returns the configured indexes, primary first
func (s *Store) Indexes() []*Index {
	return s.indexes
}

// IndexNames returns the configured field orders
func (s *Store) IndexNames() []string {
	names := make([]string, len(s.indexes))
	for i, ix := range s.indexes {
		names[i] = ix.name
	}
	return names
}

// ScanStats returns access path counters
func (s *Store) ScanStats() ScanStats {
	return ScanStats{
		Prefix:     s.prefixScans.Load(),
		Dup:        s.dupScans.Load(),
		Sequential: s.sequentialScans.Load(),
	}
}

func (s *Store) primary() *Index {
	return s.indexes[0]
}

// StoreTriple adds a statement. It reports whether the store changed: an
// explicit statement replaces an inferred copy, while an inferred statement
// never replaces an explicit one.
func (s *Store) StoreTriple(tx kv.Transaction, subj, pred, obj, ctx uint64, explicit bool) (bool, error) {
	q := varint.Quad{subj, pred, obj, ctx}
	for _, v := range q {
		if v == Any {
			return false, fmt.Errorf("cannot store wildcard in %v", q)
		}
	}
	hasExplicit, err := s.contains(tx, q, true)
	if err != nil || hasExplicit {
		return false, err
	}
	hasInferred, err := s.contains(tx, q, false)
	if err != nil {
		return false, err
	}
	if hasInferred {
		if !explicit {
			return false, nil
		}
		if err := s.deleteRecord(tx, q, false); err != nil {
			return false, err
		}
	}
	for _, ix := range s.indexes {
		if err := kv.PutDup(tx, ix.table, ix.group(q, explicit), ix.value(q)); err != nil {
			return false, fmt.Errorf("store in %s: %w", ix.name, err)
		}
		if err := s.addStat(tx, ix, explicit, q[ix.order[0]], 1); err != nil {
			return false, err
		}
	}
	return true, s.addTotal(tx, explicit, 1)
}

// Contains reports whether a statement is stored with the given flag
func (s *Store) Contains(tx kv.Transaction, subj, pred, obj, ctx uint64, explicit bool) (bool, error) {
	return s.contains(tx, varint.Quad{subj, pred, obj, ctx}, explicit)
}

func (s *Store) contains(tx kv.Transaction, q varint.Quad, explicit bool) (bool, error) {
	_, err := tx.Get(s.primary().table, s.primary().key(q, explicit))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) deleteRecord(tx kv.Transaction, q varint.Quad, explicit bool) error {
	for _, ix := range s.indexes {
		if err := kv.DelDup(tx, ix.table, ix.group(q, explicit), ix.value(q)); err != nil {
			return fmt.Errorf("delete from %s: %w", ix.name, err)
		}
		if err := s.addStat(tx, ix, explicit, q[ix.order[0]], -1); err != nil {
			return err
		}
	}
	return s.addTotal(tx, explicit, -1)
}

// RemoveTriples deletes every statement matching the pattern with the given
// flag and returns the number removed per context.
func (s *Store) RemoveTriples(ctx context.Context, tx kv.Transaction, subj, pred, obj, c uint64, explicit bool) (map[uint64]int64, error) {
	it, err := s.GetTriples(ctx, tx, subj, pred, obj, c, explicit)
	if err != nil {
		return nil, err
	}
	var matches []varint.Quad
	for it.Next() {
		matches = append(matches, it.Record().Quad)
	}
	err = it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	removed := make(map[uint64]int64)
	for _, q := range matches {
		if err := s.deleteRecord(tx, q, explicit); err != nil {
			return nil, err
		}
		removed[q[record.C]]++
	}
	return removed, nil
}

// GetTriples returns the statements matching the pattern with the given
// flag. Any marks an unbound position.
func (s *Store) GetTriples(ctx context.Context, tx kv.Transaction, subj, pred, obj, c uint64, explicit bool) (record.Iterator, error) {
	return s.getTriples(ctx, tx, varint.Quad{subj, pred, obj, c}, explicit)
}

// GetAllTriples returns explicit statements followed by inferred ones when
// includeInferred is set
func (s *Store) GetAllTriples(ctx context.Context, tx kv.Transaction, subj, pred, obj, c uint64, includeInferred bool) (record.Iterator, error) {
	explicitIt, err := s.GetTriples(ctx, tx, subj, pred, obj, c, true)
	if err != nil || !includeInferred {
		return explicitIt, err
	}
	inferredIt, err := s.GetTriples(ctx, tx, subj, pred, obj, c, false)
	if err != nil {
		explicitIt.Close() // #nosec G104
		return nil, err
	}
	return record.Concat(explicitIt, inferredIt), nil
}

func (s *Store) getTriples(ctx context.Context, tx kv.Transaction, q varint.Quad, explicit bool) (record.Iterator, error) {
	ix, score := s.BestIndex(q)
	s.noteAccess(q, score)
	return s.scanIndex(ctx, tx, ix, score, q, explicit)
}

func (s *Store) noteAccess(q varint.Quad, score int) {
	mask := boundMask(q)
	switch {
	case score == 0 && mask != 0:
		s.sequentialScans.Add(1)
		s.recs.record(mask)
	case s.cfg.DupSort && score >= 2:
		s.dupScans.Add(1)
	case score > 0:
		s.prefixScans.Add(1)
	}
}

func (s *Store) scanIndex(ctx context.Context, tx kv.Transaction, ix *Index, score int, q varint.Quad, explicit bool) (record.Iterator, error) {
	layout := ix.layout(explicit)
	k := layout.ToKeyOrder(q)

	if s.cfg.DupSort && score >= 2 {
		tail := [2]uint64{k[2], k[3]}
		check := [2]bool{k[2] != Any, k[3] != Any}
		return record.NewDupIterator(ctx, tx, layout, k[0], k[1], tail, check, s.cfg.DupPageSize), nil
	}

	prefix := append([]byte{layout.FlagByte()}, s.prefixKey(k, score)...)
	var matcher *record.Matcher
	var check [4]bool
	needed := false
	for i := score; i < 4; i++ {
		if k[i] != Any {
			check[i] = true
			needed = true
		}
	}
	if needed {
		matcher = record.NewMatcher(k[:], check[:])
	}
	return record.NewScanIterator(ctx, tx, layout, prefix, matcher)
}

// prefixKey encodes the first score key fields, memoized for hot patterns
func (s *Store) prefixKey(k varint.Quad, score int) []byte {
	if score == 0 {
		return nil
	}
	for i := score; i < 4; i++ {
		k[i] = Any
	}
	return s.cfg.KeyCache.Encode(k, func(dst []byte, q varint.Quad) []byte {
		return varint.AppendAll(dst, q[:score]...)
	})
}

// BestIndex returns the index with the longest bound key prefix for q
func (s *Store) BestIndex(q varint.Quad) (*Index, int) {
	best, bestScore := s.indexes[0], -1
	for _, ix := range s.indexes {
		if score := ix.PatternScore(q); score > bestScore {
			best, bestScore = ix, score
		}
	}
	return best, bestScore
}

// LiveIDs returns every ID referenced by a stored statement
func (s *Store) LiveIDs(ctx context.Context, tx kv.Transaction) (*roaring64.Bitmap, error) {
	live := roaring64.New()
	for _, explicit := range []bool{true, false} {
		it, err := s.scanIndex(ctx, tx, s.primary(), 0, varint.Quad{Any, Any, Any, Any}, explicit)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			for _, id := range it.Record().Quad {
				if id != Unknown {
					live.Add(id)
				}
			}
		}
		err = it.Err()
		if cerr := it.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
	}
	return live, nil
}

// CountIndex counts the records of one index with the given flag
func (s *Store) CountIndex(ctx context.Context, tx kv.Transaction, ix *Index, explicit bool) (int64, error) {
	it, err := record.NewScanIterator(ctx, tx, ix.layout(explicit), []byte{ix.layout(explicit).FlagByte()}, nil)
	if err != nil {
		return 0, err
	}
	return record.Drain(it)
}
