package triples

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// buildSupportedOrders computes, for every bound mask, the fields a
// lookup can be sorted by. A bound field trivially sorts; the first free
// field of an index whose bound fields form its key prefix sorts too.
func buildSupportedOrders(indexes []*Index) [16][]int {
	var orders [16][]int
	for mask := 0; mask < 16; mask++ {
		set := [4]bool{}
		for f := 0; f < 4; f++ {
			if mask&(1<<f) != 0 {
				set[f] = true
			}
		}
		bound := bits.OnesCount(uint(mask))
		for _, ix := range indexes {
			if prefixLen(ix, mask) == bound && bound < 4 {
				set[ix.order[bound]] = true
			}
		}
		for f, ok := range set {
			if ok {
				orders[mask] = append(orders[mask], f)
			}
		}
	}
	return orders
}

// prefixLen is the number of leading key fields of ix contained in mask
func prefixLen(ix *Index, mask int) int {
	n := 0
	for _, f := range ix.order {
		if mask&(1<<f) == 0 {
			break
		}
		n++
	}
	return n
}

// SupportedOrders returns the fields statements matching a pattern with the
// given bound mask (s=1 p=2 o=4 c=8) can be returned sorted by
func (s *Store) SupportedOrders(mask int) []int {
	return s.orders[mask&15]
}

// GetTriplesSorted returns matching statements ordered by field. Explicit
// and inferred statements are merged when includeInferred is set.
func (s *Store) GetTriplesSorted(ctx context.Context, tx kv.Transaction, subj, pred, obj, c uint64, field int, includeInferred bool) (record.Iterator, error) {
	q := varint.Quad{subj, pred, obj, c}
	mask := boundMask(q)
	bound := bits.OnesCount(uint(mask))
	var chosen *Index
	for _, ix := range s.indexes {
		if prefixLen(ix, mask) != bound {
			continue
		}
		if mask&(1<<field) != 0 || (bound < 4 && ix.order[bound] == field) {
			chosen = ix
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("no index supports ordering by %c with bound fields %q", fieldNames[field], recommendedIndex(mask)[:bound])
	}
	s.noteAccess(q, bound)
	explicitIt, err := s.scanIndex(ctx, tx, chosen, bound, q, true)
	if err != nil || !includeInferred {
		return explicitIt, err
	}
	inferredIt, err := s.scanIndex(ctx, tx, chosen, bound, q, false)
	if err != nil {
		explicitIt.Close() // #nosec G104
		return nil, err
	}
	return record.Merge(chosen.order, explicitIt, inferredIt), nil
}

// Choice describes how a pattern would be evaluated
type Choice struct {
	Index      string
	Score      int
	Dup        bool
	Matcher    bool
	Sequential bool
	// Recommended is set for sequential scans: the index that would serve
	// the pattern with a prefix scan
	Recommended string
}

// Explain reports the access path for a pattern without running it
func (s *Store) Explain(subj, pred, obj, c uint64) Choice {
	q := varint.Quad{subj, pred, obj, c}
	ix, score := s.BestIndex(q)
	mask := boundMask(q)
	ch := Choice{Index: ix.name, Score: score}
	switch {
	case score == 0 && mask != 0:
		ch.Sequential = true
		ch.Matcher = true
		ch.Recommended = recommendedIndex(mask)
	case s.cfg.DupSort && score >= 2:
		ch.Dup = true
		ch.Matcher = bits.OnesCount(uint(mask)) > score
	default:
		ch.Matcher = bits.OnesCount(uint(mask)) > score
	}
	return ch
}

// Recommendation is a missing index and how many scans would have used it
type Recommendation struct {
	Index string
	Count int64
}

type recommender struct {
	counts sync.Map // index name -> *atomic.Int64
}

func newRecommender() *recommender {
	return &recommender{}
}

func (r *recommender) record(mask int) {
	name := recommendedIndex(mask)
	v, _ := r.counts.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Recommendations lists missing indexes, most requested first
func (s *Store) Recommendations() []Recommendation {
	var out []Recommendation
	s.recs.counts.Range(func(k, v any) bool {
		out = append(out, Recommendation{Index: k.(string), Count: v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Index < out[j].Index
	})
	return out
}
