package txn

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// DefaultLockStripes is used when no stripe count is configured
const DefaultLockStripes = 64

// Stripes is a fixed set of mutexes selected by subject hash. Writers
// preparing changes for disjoint subjects rarely share a stripe.
type Stripes struct {
	locks []sync.Mutex
}

// NewStripes creates n stripes
func NewStripes(n int) *Stripes {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &Stripes{locks: make([]sync.Mutex, n)}
}

// Len returns the number of stripes
func (s *Stripes) Len() int {
	return len(s.locks)
}

// Index returns the stripe for a subject key
func (s *Stripes) Index(subject uint64) int {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], subject)
	return int(xxh3.Hash(b[:]) % uint64(len(s.locks)))
}

// Lock locks the stripe of subject and returns its unlock function
func (s *Stripes) Lock(subject uint64) func() {
	mu := &s.locks[s.Index(subject)]
	mu.Lock()
	return mu.Unlock
}

// Prepare groups item indexes by the stripe of their subject key and
// calls fn once per group with the group's items in order. Groups run in
// parallel, each holding its stripe.
func (s *Stripes) Prepare(ctx context.Context, subjects []uint64, fn func(ctx context.Context, items []int) error) error {
	groups := make(map[int][]int)
	for i, subj := range subjects {
		idx := s.Index(subj)
		groups[idx] = append(groups[idx], i)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(s.locks))
	for idx, items := range groups {
		items, idx := items, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mu := &s.locks[idx]
			mu.Lock()
			defer mu.Unlock()
			return fn(gctx, items)
		})
	}
	return g.Wait()
}
