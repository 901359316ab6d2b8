package quadstore

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/join"
	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/internal/values"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Statement is a stored quad and whether it was asserted or inferred
type Statement struct {
	*rdf.Quad
	Explicit bool
}

// StatementIterator streams statements, resolving IDs to terms
type StatementIterator struct {
	recs   record.Iterator
	values *values.Reader
	cur    Statement
	err    error
}

func (it *StatementIterator) Next() bool {
	if it.err != nil || !it.recs.Next() {
		return false
	}
	rec := it.recs.Record()
	var terms [4]rdf.Term
	for i, id := range rec.Quad {
		t, err := resolve(it.values, id)
		if err != nil {
			it.err = err
			return false
		}
		terms[i] = t
	}
	it.cur = Statement{Quad: rdf.NewQuad(terms[0], terms[1], terms[2], terms[3]), Explicit: rec.Explicit}
	return true
}

// Statement returns the current statement
func (it *StatementIterator) Statement() Statement {
	return it.cur
}

func (it *StatementIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.recs.Err()
}

// Close releases the underlying cursor. It is safe to call more than once.
func (it *StatementIterator) Close() error {
	return it.recs.Close()
}

func resolve(r *values.Reader, id uint64) (rdf.Term, error) {
	if id == triples.Unknown {
		return rdf.NewDefaultGraph(), nil
	}
	return r.Value(id)
}

// source evaluates patterns inside one storage transaction
type source struct {
	tx      kv.Transaction
	values  *values.Reader
	triples *triples.Store
}

// patternIDs resolves pattern terms. A nil term is a wildcard. ok is false
// when a term is not stored, so nothing can match.
func (src *source) patternIDs(terms ...rdf.Term) (ids [4]uint64, ok bool, err error) {
	for i, t := range terms {
		if t == nil {
			ids[i] = triples.Any
			continue
		}
		id, err := src.values.ID(t)
		if err != nil {
			return ids, false, fmt.Errorf("resolve %s: %w", t, err)
		}
		if _, isDefault := t.(*rdf.DefaultGraph); id == triples.Unknown && !isDefault {
			return ids, false, nil
		}
		ids[i] = id
	}
	return ids, true, nil
}

func (src *source) statements(ctx context.Context, subj, pred, obj, graph rdf.Term, includeInferred bool) (*StatementIterator, error) {
	ids, ok, err := src.patternIDs(subj, pred, obj, graph)
	if err != nil {
		return nil, err
	}
	recs := record.Empty()
	if ok {
		if recs, err = src.triples.GetAllTriples(ctx, src.tx, ids[0], ids[1], ids[2], ids[3], includeInferred); err != nil {
			return nil, err
		}
	}
	return &StatementIterator{recs: recs, values: src.values}, nil
}

func (src *source) ID(t rdf.Term) (uint64, error) {
	return src.values.ID(t)
}

func (src *source) Value(id uint64) (rdf.Term, error) {
	return resolve(src.values, id)
}

func (src *source) Triples(ctx context.Context, s, p, o, c uint64, includeInferred bool) (record.Iterator, error) {
	return src.triples.GetAllTriples(ctx, src.tx, s, p, o, c, includeInferred)
}

func (src *source) Explain(s, p, o, c uint64) triples.Choice {
	return src.triples.Explain(s, p, o, c)
}

func (src *source) Match(ctx context.Context, s, p, o, g rdf.Term, includeInferred bool) (join.QuadIterator, error) {
	it, err := src.statements(ctx, s, p, o, g, includeInferred)
	if err != nil {
		return nil, err
	}
	return quadIterator{it}, nil
}

type quadIterator struct {
	*StatementIterator
}

func (q quadIterator) Quad() *rdf.Quad {
	return q.Statement().Quad
}

func (src *source) evaluate(ctx context.Context, patterns []join.Pattern, ec join.EvalContext) (join.BindingIterator, string, error) {
	return join.Evaluate(ctx, patterns, ec, src, src)
}
