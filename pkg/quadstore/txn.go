package quadstore

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/join"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/internal/txn"
	"github.com/aleksaelezovic/quadstore/internal/values"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

type (
	// Pattern is a statement pattern of terms and variables
	Pattern = join.Pattern
	// Variable is a pattern variable
	Variable = join.Variable
	// Binding maps variable names to terms
	Binding = join.Binding
	// BindingIterator streams result rows
	BindingIterator = join.BindingIterator
)

// NewVariable creates a pattern variable
func NewVariable(name string) *Variable {
	return join.NewVariable(name)
}

// Algorithm tags reported by Evaluate
const (
	AlgorithmIDJoin     = join.AlgorithmIDJoin
	AlgorithmNestedLoop = join.AlgorithmNestedLoop
)

// WriteTxn is the single write transaction of a store. Reads through it
// see its own uncommitted changes.
type WriteTxn struct {
	s       *Store
	wt      *txn.WriteTxn
	values  *values.Writer
	src     *source
	changed bool
}

// Begin starts the write transaction, waiting while another one is active
func (s *Store) Begin(ctx context.Context) (*WriteTxn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	wt, err := s.txns.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	vw, err := s.values.NewWriter(wt.Tx())
	if err != nil {
		wt.Rollback() // #nosec G104
		return nil, err
	}
	w := &WriteTxn{
		s:      s,
		wt:     wt,
		values: vw,
		src:    &source{tx: wt.Tx(), values: vw.Reader, triples: s.triples},
	}
	wt.OnCommit(func(seq uint64) {
		vw.Commit(seq)
		if err := s.contexts.Commit(seq); err != nil {
			s.logger.WithError(err).Warn("failed to persist context counts")
		}
		s.metrics.commits.Inc()
	})
	wt.OnRollback(func() {
		vw.Rollback()
		s.contexts.Rollback()
		s.metrics.rollbacks.Inc()
	})
	return w, nil
}

// Update runs fn in a write transaction and commits it if fn succeeds
func (s *Store) Update(ctx context.Context, fn func(w *WriteTxn) error) error {
	w, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		w.Rollback() // #nosec G104
		return err
	}
	return w.Commit()
}

func validateStatement(subj, pred, obj, graph rdf.Term) error {
	if subj == nil || pred == nil || obj == nil {
		return fmt.Errorf("%w: missing term", ErrInvalidStatement)
	}
	switch subj.(type) {
	case *rdf.NamedNode, *rdf.BlankNode, *rdf.QuotedTriple:
	default:
		return fmt.Errorf("%w: subject %s", ErrInvalidStatement, subj)
	}
	if _, ok := pred.(*rdf.NamedNode); !ok {
		return fmt.Errorf("%w: predicate %s", ErrInvalidStatement, pred)
	}
	if _, ok := obj.(*rdf.DefaultGraph); ok {
		return fmt.Errorf("%w: object %s", ErrInvalidStatement, obj)
	}
	if !storableTerm(subj) || !storableTerm(obj) {
		return fmt.Errorf("%w: %v", ErrInvalidStatement, values.ErrLanguageWithDatatype)
	}
	switch graph.(type) {
	case nil, *rdf.NamedNode, *rdf.BlankNode, *rdf.DefaultGraph:
	default:
		return fmt.Errorf("%w: graph %s", ErrInvalidStatement, graph)
	}
	return nil
}

// storableTerm reports whether t and its nested terms can be encoded
func storableTerm(t rdf.Term) bool {
	switch v := t.(type) {
	case *rdf.Literal:
		return v.Language == "" || v.Datatype == nil
	case *rdf.QuotedTriple:
		return storableTerm(v.Subject) && storableTerm(v.Object)
	}
	return true
}

// AddStatement stores a statement; a nil graph is the default graph. It
// reports whether the store changed. Adding an explicit statement that was
// inferred makes it explicit.
func (w *WriteTxn) AddStatement(subj, pred, obj, graph rdf.Term, explicit bool) (bool, error) {
	if !w.wt.Active() {
		return false, ErrNoWriteTxn
	}
	if err := validateStatement(subj, pred, obj, graph); err != nil {
		return false, err
	}
	if graph == nil {
		graph = rdf.NewDefaultGraph()
	}
	var ids [4]uint64
	for i, t := range []rdf.Term{subj, pred, obj, graph} {
		id, err := w.values.StoreValue(t)
		if err != nil {
			return false, err
		}
		ids[i] = id
	}
	return w.addIDs(ids, explicit)
}

// AddQuad stores q
func (w *WriteTxn) AddQuad(q *rdf.Quad, explicit bool) (bool, error) {
	return w.AddStatement(q.Subject, q.Predicate, q.Object, q.Graph, explicit)
}

func (w *WriteTxn) addIDs(ids [4]uint64, explicit bool) (bool, error) {
	added, err := w.s.triples.StoreTriple(w.wt.Tx(), ids[0], ids[1], ids[2], ids[3], explicit)
	if err != nil || !added {
		return false, err
	}
	w.changed = true
	if explicit && ids[3] != triples.Unknown {
		w.s.contexts.Increment(ids[3])
	}
	return true, nil
}

// RemoveStatements deletes the statements matching the pattern with the
// given flag and returns how many were removed. Nil terms are wildcards;
// rdf.DefaultGraph selects the default graph.
func (w *WriteTxn) RemoveStatements(ctx context.Context, subj, pred, obj, graph rdf.Term, explicit bool) (int64, error) {
	if !w.wt.Active() {
		return 0, ErrNoWriteTxn
	}
	ids, ok, err := w.src.patternIDs(subj, pred, obj, graph)
	if err != nil || !ok {
		return 0, err
	}
	removed, err := w.s.triples.RemoveTriples(ctx, w.wt.Tx(), ids[0], ids[1], ids[2], ids[3], explicit)
	if err != nil {
		return 0, err
	}
	var total int64
	for c, n := range removed {
		total += n
		if explicit && c != triples.Unknown {
			w.s.contexts.DecrementBy(c, n)
		}
	}
	if total > 0 {
		w.changed = true
	}
	return total, nil
}

// Statements returns statements matching the pattern, including the
// changes of this transaction
func (w *WriteTxn) Statements(ctx context.Context, subj, pred, obj, graph rdf.Term, includeInferred bool) (*StatementIterator, error) {
	if !w.wt.Active() {
		return nil, ErrNoWriteTxn
	}
	return w.src.statements(ctx, subj, pred, obj, graph, includeInferred)
}

// Evaluate runs a chain of patterns. Once the transaction holds changes
// the value-level nested loop is used instead of the ID join.
func (w *WriteTxn) Evaluate(ctx context.Context, patterns []Pattern, includeInferred bool) (BindingIterator, string, error) {
	if !w.wt.Active() {
		return nil, "", ErrNoWriteTxn
	}
	return w.src.evaluate(ctx, patterns, join.EvalContext{
		HasUncommittedChanges: w.changed,
		IncludeInferred:       includeInferred,
	})
}

// HasChanges reports whether the transaction changed any statement
func (w *WriteTxn) HasChanges() bool {
	return w.changed
}

// Commit persists the transaction
func (w *WriteTxn) Commit() error {
	_, err := w.wt.Commit()
	return err
}

// Rollback discards the transaction. It is a no-op after Commit.
func (w *WriteTxn) Rollback() error {
	return w.wt.Rollback()
}

// Snapshot is a consistent read view. It must be closed; values freed by
// garbage collection stay readable until every older snapshot is closed.
type Snapshot struct {
	s    *Store
	snap *txn.Snapshot
	src  *source
}

// Snapshot opens a read view of the last committed state
func (s *Store) Snapshot() (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rev := s.values.Revision()
	snap, err := s.txns.BeginRead()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		s:    s,
		snap: snap,
		src:  &source{tx: snap.Tx(), values: s.values.NewReader(snap.Tx(), rev, snap.Seq()), triples: s.triples},
	}, nil
}

// View runs fn with a snapshot that is closed afterwards
func (s *Store) View(fn func(snap *Snapshot) error) error {
	snap, err := s.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close() // #nosec G104
	return fn(snap)
}

func (sn *Snapshot) check() error {
	if sn.snap.Closed() {
		return txn.ErrSnapshotClosed
	}
	return nil
}

// Seq returns the commit sequence the snapshot observes
func (sn *Snapshot) Seq() uint64 {
	return sn.snap.Seq()
}

// Statements returns statements matching the pattern. Nil terms are
// wildcards; rdf.DefaultGraph selects the default graph.
func (sn *Snapshot) Statements(ctx context.Context, subj, pred, obj, graph rdf.Term, includeInferred bool) (*StatementIterator, error) {
	if err := sn.check(); err != nil {
		return nil, err
	}
	return sn.src.statements(ctx, subj, pred, obj, graph, includeInferred)
}

// Evaluate runs a chain of patterns as an ID join
func (sn *Snapshot) Evaluate(ctx context.Context, patterns []Pattern, includeInferred bool) (BindingIterator, string, error) {
	if err := sn.check(); err != nil {
		return nil, "", err
	}
	return sn.src.evaluate(ctx, patterns, join.EvalContext{IncludeInferred: includeInferred})
}

// Size returns the number of explicit statements in graph, or in the
// whole store when graph is nil
func (sn *Snapshot) Size(ctx context.Context, graph rdf.Term) (int64, error) {
	if err := sn.check(); err != nil {
		return 0, err
	}
	if graph == nil {
		return sn.s.triples.Count(sn.src.tx, true)
	}
	ids, ok, err := sn.src.patternIDs(nil, nil, nil, graph)
	if err != nil || !ok {
		return 0, err
	}
	return sn.s.triples.CardinalityExact(ctx, sn.src.tx, triples.Any, triples.Any, triples.Any, ids[3], false)
}

// Value resolves a term ID
func (sn *Snapshot) Value(id uint64) (rdf.Term, error) {
	if err := sn.check(); err != nil {
		return nil, err
	}
	return sn.src.Value(id)
}

// ID returns the ID of a term, zero when it is not stored
func (sn *Snapshot) ID(t rdf.Term) (uint64, error) {
	if err := sn.check(); err != nil {
		return 0, err
	}
	return sn.src.ID(t)
}

// Close releases the snapshot. It is safe to call more than once.
func (sn *Snapshot) Close() error {
	return sn.snap.Close()
}
