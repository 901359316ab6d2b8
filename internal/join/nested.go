package join

import (
	"context"

	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// QuadIterator iterates over matching statements
type QuadIterator interface {
	Next() bool
	Quad() *rdf.Quad
	Err() error
	Close() error
}

// QuadSource matches statements by term. A nil term matches anything.
type QuadSource interface {
	Match(ctx context.Context, s, p, o, g rdf.Term, includeInferred bool) (QuadIterator, error)
}

// NestedLoop evaluates patterns left to right at the value level. Each
// pattern is matched with the variables of the current left row substituted.
func NestedLoop(ctx context.Context, patterns []Pattern, src QuadSource, includeInferred bool) (BindingIterator, error) {
	for _, p := range patterns {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	var it BindingIterator = &singleBinding{}
	for _, p := range patterns {
		it = &nestedLoopJoinIterator{ctx: ctx, left: it, pattern: p, src: src, includeInferred: includeInferred}
	}
	return it, nil
}

// singleBinding yields one empty binding
type singleBinding struct {
	done bool
}

func (s *singleBinding) Next() bool {
	if s.done {
		return false
	}
	s.done = true
	return true
}

func (s *singleBinding) Binding() *Binding { return NewBinding() }
func (s *singleBinding) Err() error        { return nil }
func (s *singleBinding) Close() error      { return nil }

// nestedLoopJoinIterator implements nested loop join
type nestedLoopJoinIterator struct {
	ctx             context.Context
	left            BindingIterator
	pattern         Pattern
	src             QuadSource
	includeInferred bool

	currentLeft  *Binding
	currentRight QuadIterator
	result       *Binding
	err          error
}

func (it *nestedLoopJoinIterator) Next() bool {
	for it.err == nil {
		// If we have a right iterator, try to get next from it
		if it.currentRight != nil {
			if it.currentRight.Next() {
				if merged := it.merge(it.currentLeft, it.currentRight.Quad()); merged != nil {
					it.result = merged
					return true
				}
				continue
			}
			it.err = it.currentRight.Err()
			_ = it.currentRight.Close() // #nosec G104 - close error doesn't affect iteration logic
			it.currentRight = nil
			continue
		}

		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		if !it.left.Next() {
			it.err = it.left.Err()
			return false
		}
		it.currentLeft = it.left.Binding()

		terms := it.substitute(it.currentLeft)
		right, err := it.src.Match(it.ctx, terms[0], terms[1], terms[2], terms[3], it.includeInferred)
		if err != nil {
			it.err = err
			return false
		}
		it.currentRight = right
	}
	return false
}

// substitute replaces variables bound in left with their terms
func (it *nestedLoopJoinIterator) substitute(left *Binding) [4]rdf.Term {
	var terms [4]rdf.Term
	for i, f := range it.pattern.fields() {
		switch v := f.(type) {
		case rdf.Term:
			terms[i] = v
		case *Variable:
			if t, ok := left.Vars[v.Name]; ok {
				terms[i] = t
			}
		}
	}
	return terms
}

// merge extends left with the variables of the pattern, returns nil if
// a variable repeated within the pattern binds different terms
func (it *nestedLoopJoinIterator) merge(left *Binding, q *rdf.Quad) *Binding {
	result := left.Clone()
	values := [4]rdf.Term{q.Subject, q.Predicate, q.Object, q.Graph}
	for i, f := range it.pattern.fields() {
		v, ok := f.(*Variable)
		if !ok {
			continue
		}
		if existing, exists := result.Vars[v.Name]; exists {
			if !existing.Equals(values[i]) {
				return nil
			}
			continue
		}
		result.Vars[v.Name] = values[i]
	}
	return result
}

func (it *nestedLoopJoinIterator) Binding() *Binding {
	return it.result
}

func (it *nestedLoopJoinIterator) Err() error {
	return it.err
}

func (it *nestedLoopJoinIterator) Close() error {
	if it.currentRight != nil {
		_ = it.currentRight.Close() // #nosec G104 - right close error less critical than left close error
		it.currentRight = nil
	}
	return it.left.Close()
}

// Evaluate runs a chain of patterns. The ID join is used unless the read
// context has uncommitted changes, in which case the value-level nested
// loop over fallback is used. The chosen algorithm is returned with the
// result.
func Evaluate(ctx context.Context, patterns []Pattern, ec EvalContext, src Source, fallback QuadSource) (BindingIterator, string, error) {
	if ec.HasUncommittedChanges {
		it, err := NestedLoop(ctx, patterns, fallback, ec.IncludeInferred)
		return it, AlgorithmNestedLoop, err
	}
	plan, err := Compile(patterns, src)
	if err != nil {
		return nil, "", err
	}
	it, err := plan.Bindings(ctx, ec.IncludeInferred)
	return it, plan.Algorithm(), err
}
