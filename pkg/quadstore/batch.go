package quadstore

import (
	"context"

	"github.com/zeebo/xxh3"

	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// AddBatch stores quads in one write transaction and returns how many
// changed the store. Term lookups run before the write transaction begins,
// in parallel across stripes keyed by the xxh3 hash of each subject's
// N-Triples form, so concurrent batches only contend on the final write.
func (s *Store) AddBatch(ctx context.Context, quads []*rdf.Quad, explicit bool) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	for _, q := range quads {
		if err := validateStatement(q.Subject, q.Predicate, q.Object, q.Graph); err != nil {
			return 0, err
		}
	}
	prepared, rev, err := s.prepareBatch(ctx, quads)
	if err != nil {
		return 0, err
	}
	return s.applyBatch(ctx, quads, prepared, rev, explicit)
}

// prepareBatch resolves the IDs of already stored terms and returns them
// with the value revision they were resolved under.
func (s *Store) prepareBatch(ctx context.Context, quads []*rdf.Quad) ([][4]uint64, uint64, error) {
	prepared := make([][4]uint64, len(quads))
	subjects := make([]uint64, len(quads))
	for i, q := range quads {
		subjects[i] = xxh3.HashString(q.Subject.String())
	}
	rev := s.values.Revision()
	err := s.txns.Stripes().Prepare(ctx, subjects, func(ctx context.Context, items []int) error {
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}
		defer snap.Close() // #nosec G104
		for _, i := range items {
			q := quads[i]
			for f, t := range []rdf.Term{q.Subject, q.Predicate, q.Object, q.Graph} {
				if t == nil {
					continue
				}
				id, err := snap.ID(t)
				if err != nil {
					return err
				}
				prepared[i][f] = id
			}
		}
		return nil
	})
	return prepared, rev, err
}

func (s *Store) applyBatch(ctx context.Context, quads []*rdf.Quad, prepared [][4]uint64, rev uint64, explicit bool) (int, error) {
	w, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// a garbage collection committed since prepare bumps the revision
	// before the write slot is released, and may have freed prepared IDs
	stale := s.values.Revision() != rev
	added := 0
	for i, q := range quads {
		ids := prepared[i]
		for f, t := range []rdf.Term{q.Subject, q.Predicate, q.Object, q.Graph} {
			if t == nil || (!stale && ids[f] != triples.Unknown) {
				continue
			}
			if ids[f], err = w.values.StoreValue(t); err != nil {
				w.Rollback() // #nosec G104
				return 0, err
			}
		}
		ok, err := w.addIDs(ids, explicit)
		if err != nil {
			w.Rollback() // #nosec G104
			return 0, err
		}
		if ok {
			added++
		}
	}
	if err := w.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}
