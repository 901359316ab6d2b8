package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Algorithm names reported by Evaluate
const (
	AlgorithmIDJoin     = "IDJoinIterator"
	AlgorithmNestedLoop = "NestedLoopJoin"
)

const unbound = -1

// Source gives a plan access to statements and the value dictionary at the
// ID level
type Source interface {
	// ID returns the ID of t or triples.Unknown when t is not stored
	ID(t rdf.Term) (uint64, error)
	Value(id uint64) (rdf.Term, error)
	// Triples returns statements matching the pattern; triples.Any is a wildcard
	Triples(ctx context.Context, s, p, o, c uint64, includeInferred bool) (record.Iterator, error)
	Explain(s, p, o, c uint64) triples.Choice
}

// EvalContext describes the read context a chain is evaluated in
type EvalContext struct {
	// HasUncommittedChanges is set when the reader sees changes of an open
	// write transaction. The ID join is disabled in that case.
	HasUncommittedChanges bool
	IncludeInferred       bool
}

// BindingInfo locates a variable in the joined ID tuple
type BindingInfo struct {
	// Pos is the tuple column holding the variable
	Pos int
	// Pattern is the index of the pattern that binds it first
	Pattern int
	// Mask has bit i set (s=1 p=2 o=4 c=8) for every field of that pattern
	// holding the variable
	Mask int
}

type compiledPattern struct {
	pattern Pattern
	// consts holds constant IDs and triples.Any for variables and any graph
	consts [4]uint64
	// bound is the tuple column of a variable bound by an earlier pattern
	bound [4]int
	// emit lists the fields whose values become new tuple columns, in
	// column order; repeat lists fields that must equal an emitted field
	emit   []int
	repeat [][2]int
}

// Plan is a compiled left-deep ID join
type Plan struct {
	src      Source
	patterns []compiledPattern
	vars     []string
	info     map[string]BindingInfo
	// empty is set when a constant is not in the dictionary
	empty bool
}

// Compile translates patterns into an ID join plan. Constants are looked up
// once; a constant missing from the dictionary makes the plan empty.
func Compile(patterns []Pattern, src Source) (*Plan, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no patterns to join")
	}
	p := &Plan{src: src, info: make(map[string]BindingInfo)}
	for pi, pat := range patterns {
		if err := pat.validate(); err != nil {
			return nil, err
		}
		cp := compiledPattern{pattern: pat, bound: [4]int{unbound, unbound, unbound, unbound}}
		local := make(map[string]int)
		for f, field := range pat.fields() {
			cp.consts[f] = triples.Any
			switch v := field.(type) {
			case nil:
			case *Variable:
				if info, ok := p.info[v.Name]; ok && info.Pattern < pi {
					cp.bound[f] = info.Pos
					continue
				}
				if first, ok := local[v.Name]; ok {
					cp.repeat = append(cp.repeat, [2]int{first, f})
					info := p.info[v.Name]
					info.Mask |= 1 << f
					p.info[v.Name] = info
					continue
				}
				local[v.Name] = f
				p.info[v.Name] = BindingInfo{Pos: len(p.vars), Pattern: pi, Mask: 1 << f}
				p.vars = append(p.vars, v.Name)
				cp.emit = append(cp.emit, f)
			case rdf.Term:
				id, err := src.ID(v)
				if err != nil {
					return nil, fmt.Errorf("resolve %s: %w", v, err)
				}
				if _, isDefault := v.(*rdf.DefaultGraph); id == triples.Unknown && !isDefault {
					p.empty = true
				}
				cp.consts[f] = id
			}
		}
		p.patterns = append(p.patterns, cp)
	}
	return p, nil
}

// Algorithm returns the join algorithm tag of the plan
func (p *Plan) Algorithm() string {
	return AlgorithmIDJoin
}

// Vars returns the variable names in tuple column order
func (p *Plan) Vars() []string {
	return p.vars
}

// Info returns where a variable is stored in result tuples
func (p *Plan) Info(name string) (BindingInfo, bool) {
	info, ok := p.info[name]
	return info, ok
}

// PatternExplain describes the access path of one pattern
type PatternExplain struct {
	Pattern string
	triples.Choice
}

func (e PatternExplain) String() string {
	s := fmt.Sprintf("%s: index %s", e.Pattern, e.Index)
	if e.Sequential {
		s += "; scan; consider " + e.Recommended
	}
	return s
}

// Explain reports the index chosen for each pattern given the variables
// bound by the patterns before it
func (p *Plan) Explain() []PatternExplain {
	out := make([]PatternExplain, len(p.patterns))
	for i, cp := range p.patterns {
		q := cp.consts
		for f, col := range cp.bound {
			if col != unbound {
				q[f] = triples.Unknown
			}
		}
		out[i] = PatternExplain{Pattern: cp.pattern.String(), Choice: p.src.Explain(q[0], q[1], q[2], q[3])}
	}
	return out
}

// Tuples runs the plan and returns rows of IDs in Vars order
func (p *Plan) Tuples(ctx context.Context, includeInferred bool) (record.TupleIterator, error) {
	if p.empty {
		return record.SliceTuples(nil), nil
	}
	var it record.TupleIterator = record.Unit()
	for i := range p.patterns {
		cp := &p.patterns[i]
		it = record.NewIDJoinIterator(it, func(left []uint64) (record.TupleIterator, error) {
			q := cp.consts
			for f, col := range cp.bound {
				if col != unbound {
					q[f] = left[col]
				}
			}
			recs, err := p.src.Triples(ctx, q[0], q[1], q[2], q[3], includeInferred)
			if err != nil {
				return nil, err
			}
			return &patternTuples{recs: recs, cp: cp}, nil
		})
	}
	return it, nil
}

// Bindings runs the plan and materializes each row into terms
func (p *Plan) Bindings(ctx context.Context, includeInferred bool) (BindingIterator, error) {
	tuples, err := p.Tuples(ctx, includeInferred)
	if err != nil {
		return nil, err
	}
	return &tupleBindings{tuples: tuples, plan: p}, nil
}

// patternTuples adapts a statement iterator to the columns a pattern adds
type patternTuples struct {
	recs record.Iterator
	cp   *compiledPattern
	row  []uint64
}

func (t *patternTuples) Next() bool {
	for t.recs.Next() {
		q := t.recs.Record().Quad
		ok := true
		for _, r := range t.cp.repeat {
			if q[r[0]] != q[r[1]] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		t.row = t.row[:0]
		for _, f := range t.cp.emit {
			t.row = append(t.row, q[f])
		}
		return true
	}
	return false
}

func (t *patternTuples) Tuple() []uint64 { return t.row }
func (t *patternTuples) Err() error      { return t.recs.Err() }
func (t *patternTuples) Close() error    { return t.recs.Close() }

// tupleBindings turns ID rows into bindings at the result boundary
type tupleBindings struct {
	tuples  record.TupleIterator
	plan    *Plan
	binding *Binding
	err     error
}

func (b *tupleBindings) Next() bool {
	if b.err != nil || !b.tuples.Next() {
		return false
	}
	row := b.tuples.Tuple()
	binding := NewBinding()
	for i, name := range b.plan.vars {
		if row[i] == triples.Unknown {
			// only a graph variable binds the default graph
			binding.Vars[name] = rdf.NewDefaultGraph()
			continue
		}
		term, err := b.plan.src.Value(row[i])
		if err != nil {
			b.err = err
			return false
		}
		binding.Vars[name] = term
	}
	b.binding = binding
	return true
}

func (b *tupleBindings) Binding() *Binding { return b.binding }

func (b *tupleBindings) Err() error {
	if b.err != nil {
		return b.err
	}
	return b.tuples.Err()
}

func (b *tupleBindings) Close() error { return b.tuples.Close() }
