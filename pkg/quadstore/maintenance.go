package quadstore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/aleksaelezovic/quadstore/internal/join"
	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/internal/values"
	"github.com/aleksaelezovic/quadstore/internal/varint"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Field is a statement position
type Field int

const (
	Subject   Field = record.S
	Predicate Field = record.P
	Object    Field = record.O
	Context   Field = record.C
)

func (f Field) String() string {
	switch f {
	case Subject:
		return "subject"
	case Predicate:
		return "predicate"
	case Object:
		return "object"
	case Context:
		return "context"
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

type (
	// Choice describes the access path of a statement pattern
	Choice = triples.Choice
	// Recommendation is a missing index and how many scans wanted it
	Recommendation = triples.Recommendation
	// PatternExplain describes the access path of one pattern in a chain
	PatternExplain = join.PatternExplain
)

// Stats summarizes the state of a store
type Stats struct {
	Explicit      int64
	Inferred      int64
	Contexts      int
	Indexes       []string
	Seq           uint64
	OpenSnapshots int
	StorageUsed   int64
	StorageLimit  int64
	Values        values.Stats
	Scans         triples.ScanStats
	KeyCache      varint.CacheStats
}

// Stats returns statement counts and cache and storage counters
func (s *Store) Stats() (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}
	st := Stats{
		Contexts:      len(s.contexts.Contexts()),
		Indexes:       s.triples.IndexNames(),
		Seq:           s.txns.Seq(),
		OpenSnapshots: s.txns.OpenSnapshots(),
		StorageUsed:   s.env.Used(),
		StorageLimit:  s.env.Limit(),
		Values:        s.values.Stats(),
		Scans:         s.triples.ScanStats(),
		KeyCache:      s.keys.Stats(),
	}
	err := s.View(func(snap *Snapshot) error {
		var err error
		if st.Explicit, err = s.triples.Count(snap.src.tx, true); err != nil {
			return err
		}
		st.Inferred, err = s.triples.Count(snap.src.tx, false)
		return err
	})
	return st, err
}

// Size returns the number of explicit statements in graph, or in the
// whole store when graph is nil. Named graphs are answered from the
// context counts.
func (s *Store) Size(ctx context.Context, graph rdf.Term) (int64, error) {
	switch graph.(type) {
	case *rdf.NamedNode, *rdf.BlankNode:
	default:
		var n int64
		err := s.View(func(snap *Snapshot) error {
			var err error
			n, err = snap.Size(ctx, graph)
			return err
		})
		return n, err
	}
	var id uint64
	err := s.View(func(snap *Snapshot) error {
		var err error
		id, err = snap.ID(graph)
		return err
	})
	if err != nil || id == triples.Unknown {
		return 0, err
	}
	return s.contexts.Count(id), nil
}

// Contexts returns the named graphs holding explicit statements
func (s *Store) Contexts() ([]rdf.Term, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids := s.contexts.Contexts()
	out := make([]rdf.Term, 0, len(ids))
	err := s.View(func(snap *Snapshot) error {
		for _, id := range ids {
			t, err := snap.Value(id)
			if err != nil {
				return fmt.Errorf("context %d: %w", id, err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// GarbageCollect removes values no statement refers to and returns how
// many were freed. Freed IDs are reused only after every snapshot opened
// before the collection is closed.
func (s *Store) GarbageCollect(ctx context.Context) (uint64, error) {
	w, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	live, err := s.triples.LiveIDs(ctx, w.wt.Tx())
	if err != nil {
		w.Rollback() // #nosec G104
		return 0, err
	}
	freed, err := w.values.GC(live)
	if err != nil {
		w.Rollback() // #nosec G104
		return 0, err
	}
	seq, err := w.wt.Commit()
	if err != nil {
		return 0, err
	}
	n := freed.GetCardinality()
	s.metrics.gcRuns.Inc()
	s.metrics.gcFreed.Add(float64(n))
	s.logger.WithFields(logrus.Fields{
		"live":  live.GetCardinality(),
		"freed": n,
		"seq":   seq,
	}).Info("garbage collection finished")
	return n, nil
}

// CheckConsistency verifies that every index holds the same statements
// and that every value maps back to its ID. Writers wait while it runs.
func (s *Store) CheckConsistency(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.txns.Exclusive(ctx, func() error {
		begin := func() (kv.Transaction, error) { return s.env.Begin(false) }
		if err := s.triples.CheckConsistency(ctx, begin); err != nil {
			return err
		}
		return s.View(func(snap *Snapshot) error {
			n, err := snap.src.values.Check(ctx)
			if err != nil {
				return err
			}
			s.logger.WithField("values", n).Debug("value dictionary checked")
			return nil
		})
	})
}

// Cardinality estimates the number of statements matching a pattern. The
// estimate is never below the true count.
func (s *Store) Cardinality(subj, pred, obj, graph rdf.Term) (float64, error) {
	var est float64
	err := s.View(func(snap *Snapshot) error {
		ids, ok, err := snap.src.patternIDs(subj, pred, obj, graph)
		if err != nil || !ok {
			return err
		}
		est, err = s.triples.Cardinality(snap.src.tx, ids[0], ids[1], ids[2], ids[3])
		return err
	})
	return est, err
}

// CardinalityExact counts the statements matching a pattern
func (s *Store) CardinalityExact(ctx context.Context, subj, pred, obj, graph rdf.Term, includeInferred bool) (int64, error) {
	var n int64
	err := s.View(func(snap *Snapshot) error {
		ids, ok, err := snap.src.patternIDs(subj, pred, obj, graph)
		if err != nil || !ok {
			return err
		}
		n, err = s.triples.CardinalityExact(ctx, snap.src.tx, ids[0], ids[1], ids[2], ids[3], includeInferred)
		return err
	})
	return n, err
}

// SupportedOrders returns the fields statements matching a pattern with
// the given bound fields can be returned sorted by
func (s *Store) SupportedOrders(bound ...Field) []Field {
	mask := 0
	for _, f := range bound {
		mask |= 1 << f
	}
	orders := s.triples.SupportedOrders(mask)
	out := make([]Field, len(orders))
	for i, f := range orders {
		out[i] = Field(f)
	}
	return out
}

// SortedStatements returns statements matching the pattern ordered by
// field. It fails when no index provides that order.
func (sn *Snapshot) SortedStatements(ctx context.Context, subj, pred, obj, graph rdf.Term, by Field, includeInferred bool) (*StatementIterator, error) {
	if err := sn.check(); err != nil {
		return nil, err
	}
	ids, ok, err := sn.src.patternIDs(subj, pred, obj, graph)
	if err != nil {
		return nil, err
	}
	recs := record.Empty()
	if ok {
		if recs, err = sn.s.triples.GetTriplesSorted(ctx, sn.src.tx, ids[0], ids[1], ids[2], ids[3], int(by), includeInferred); err != nil {
			return nil, err
		}
	}
	return &StatementIterator{recs: recs, values: sn.src.values}, nil
}

// Recommendations lists indexes that would have turned full scans into
// prefix scans, most requested first
func (s *Store) Recommendations() []Recommendation {
	return s.triples.Recommendations()
}

// Explain reports the access path of a statement pattern
func (s *Store) Explain(subj, pred, obj, graph rdf.Term) Choice {
	q := [4]uint64{triples.Any, triples.Any, triples.Any, triples.Any}
	for i, t := range []rdf.Term{subj, pred, obj, graph} {
		if t != nil {
			q[i] = triples.Unknown
		}
	}
	return s.triples.Explain(q[0], q[1], q[2], q[3])
}

// ExplainJoin reports the access path of every pattern of a chain
func (s *Store) ExplainJoin(patterns []Pattern) ([]PatternExplain, error) {
	var out []PatternExplain
	err := s.View(func(snap *Snapshot) error {
		plan, err := join.Compile(patterns, snap.src)
		if err != nil {
			return err
		}
		out = plan.Explain()
		return nil
	})
	return out, err
}

// Sync flushes the storage and the context counts to disk
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.env.Sync(); err != nil {
		return err
	}
	return s.contexts.Sync()
}
