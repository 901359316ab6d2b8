package join

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/triples"
	"github.com/aleksaelezovic/quadstore/internal/values"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// fixture serves both the ID source and the value-level source from one
// read transaction
type fixture struct {
	tx      kv.Transaction
	values  *values.Reader
	triples *triples.Store
}

func (f *fixture) ID(t rdf.Term) (uint64, error) { return f.values.ID(t) }

func (f *fixture) Value(id uint64) (rdf.Term, error) { return f.values.Value(id) }

func (f *fixture) Triples(ctx context.Context, s, p, o, c uint64, includeInferred bool) (record.Iterator, error) {
	return f.triples.GetAllTriples(ctx, f.tx, s, p, o, c, includeInferred)
}

func (f *fixture) Explain(s, p, o, c uint64) triples.Choice { return f.triples.Explain(s, p, o, c) }

func (f *fixture) Match(ctx context.Context, s, p, o, g rdf.Term, includeInferred bool) (QuadIterator, error) {
	var ids [4]uint64
	for i, t := range []rdf.Term{s, p, o, g} {
		if t == nil {
			ids[i] = triples.Any
			continue
		}
		id, err := f.values.ID(t)
		if err != nil {
			return nil, err
		}
		if _, isDefault := t.(*rdf.DefaultGraph); id == triples.Unknown && !isDefault {
			return &quadSlice{}, nil
		}
		ids[i] = id
	}
	it, err := f.triples.GetAllTriples(ctx, f.tx, ids[0], ids[1], ids[2], ids[3], includeInferred)
	if err != nil {
		return nil, err
	}
	defer it.Close() // #nosec G104
	var quads []*rdf.Quad
	for it.Next() {
		q := it.Record().Quad
		var terms [4]rdf.Term
		for i, id := range q {
			if id == triples.Unknown {
				terms[i] = rdf.NewDefaultGraph()
				continue
			}
			if terms[i], err = f.values.Value(id); err != nil {
				return nil, err
			}
		}
		quads = append(quads, rdf.NewQuad(terms[0], terms[1], terms[2], terms[3]))
	}
	return &quadSlice{quads: quads}, it.Err()
}

type quadSlice struct {
	quads []*rdf.Quad
	pos   int
}

func (q *quadSlice) Next() bool {
	if q.pos >= len(q.quads) {
		return false
	}
	q.pos++
	return true
}

func (q *quadSlice) Quad() *rdf.Quad { return q.quads[q.pos-1] }
func (q *quadSlice) Err() error      { return nil }
func (q *quadSlice) Close() error    { return nil }

func iri(s string) *rdf.NamedNode { return rdf.NewNamedNode("http://example.org/" + s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := kv.NewBadgerStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() }) // #nosec G104

	ts, err := triples.New(triples.Config{Indexes: "spoc,posc,opsc", DupSort: true})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := storage.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	vs, err := values.New(tx, values.Config{})
	if err != nil {
		t.Fatal(err)
	}
	w, err := vs.NewWriter(tx)
	if err != nil {
		t.Fatal(err)
	}

	knows, name, g := iri("knows"), iri("name"), iri("graph")
	data := []struct {
		s, p, o, c rdf.Term
		explicit   bool
	}{
		{iri("alice"), knows, iri("bob"), rdf.NewDefaultGraph(), true},
		{iri("alice"), knows, iri("carol"), g, true},
		{iri("bob"), knows, iri("carol"), rdf.NewDefaultGraph(), true},
		{iri("carol"), knows, iri("carol"), rdf.NewDefaultGraph(), true},
		{iri("alice"), name, rdf.NewLiteral("Alice"), rdf.NewDefaultGraph(), true},
		{iri("bob"), name, rdf.NewLiteralWithLanguage("Bob", "en"), rdf.NewDefaultGraph(), true},
		{iri("carol"), name, rdf.NewLiteral("Carol"), g, false},
	}
	for _, d := range data {
		var ids [4]uint64
		for i, term := range []rdf.Term{d.s, d.p, d.o, d.c} {
			if ids[i], err = w.StoreValue(term); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := ts.StoreTriple(tx, ids[0], ids[1], ids[2], ids[3], d.explicit); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	w.Commit(1)

	rtx, err := storage.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rtx.Rollback() }) // #nosec G104
	return &fixture{tx: rtx, values: vs.NewReader(rtx, vs.Revision(), 1), triples: ts}
}

func collect(t *testing.T, it BindingIterator, err error) []string {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close() // #nosec G104
	var rows []string
	for it.Next() {
		rows = append(rows, it.Binding().String())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	sort.Strings(rows)
	return rows
}

func TestIDJoinMatchesNestedLoop(t *testing.T) {
	f := newFixture(t)
	x, y, z, n, g := NewVariable("x"), NewVariable("y"), NewVariable("z"), NewVariable("n"), NewVariable("g")
	knows, name := iri("knows"), iri("name")

	tests := []struct {
		name     string
		patterns []Pattern
		inferred bool
		rows     int
	}{
		{"friend names", []Pattern{{x, knows, y, nil}, {y, name, n, nil}}, false, 1},
		{"friend names with inferred", []Pattern{{x, knows, y, nil}, {y, name, n, nil}}, true, 4},
		{"two hops", []Pattern{{x, knows, y, nil}, {y, knows, z, nil}}, false, 4},
		{"self loop", []Pattern{{x, knows, x, nil}}, false, 1},
		{"graph variable", []Pattern{{x, knows, y, g}}, false, 4},
		{"default graph only", []Pattern{{x, knows, y, rdf.NewDefaultGraph()}, {x, name, n, nil}}, false, 2},
		{"unknown constant", []Pattern{{x, iri("missing"), y, nil}, {y, name, n, nil}}, true, 0},
		{"constant subject", []Pattern{{iri("alice"), knows, y, nil}, {y, knows, z, nil}}, false, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			it, algo, err := Evaluate(ctx, tt.patterns, EvalContext{IncludeInferred: tt.inferred}, f, f)
			if algo != AlgorithmIDJoin {
				t.Errorf("algorithm = %q, want %q", algo, AlgorithmIDJoin)
			}
			idRows := collect(t, it, err)
			loopIt, loopErr := NestedLoop(ctx, tt.patterns, f, tt.inferred)
			loopRows := collect(t, loopIt, loopErr)
			if !reflect.DeepEqual(idRows, loopRows) {
				t.Errorf("ID join rows:\n%v\nnested loop rows:\n%v", idRows, loopRows)
			}
			if len(idRows) != tt.rows {
				t.Errorf("got %d rows, want %d: %v", len(idRows), tt.rows, idRows)
			}
		})
	}
}

func TestEvaluateFallsBackWithChanges(t *testing.T) {
	f := newFixture(t)
	x, y := NewVariable("x"), NewVariable("y")
	patterns := []Pattern{{x, iri("knows"), y, nil}}
	it, algo, err := Evaluate(context.Background(), patterns, EvalContext{HasUncommittedChanges: true}, f, f)
	if algo != AlgorithmNestedLoop {
		t.Errorf("algorithm = %q, want %q", algo, AlgorithmNestedLoop)
	}
	if rows := collect(t, it, err); len(rows) != 4 {
		t.Errorf("got %d rows, want 4", len(rows))
	}
}

func TestCompileBindingInfo(t *testing.T) {
	f := newFixture(t)
	x, y, z := NewVariable("x"), NewVariable("y"), NewVariable("z")
	plan, err := Compile([]Pattern{
		{x, iri("knows"), x, nil},
		{x, iri("knows"), y, z},
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	if got := plan.Vars(); !reflect.DeepEqual(got, []string{"x", "y", "z"}) {
		t.Errorf("Vars() = %v", got)
	}
	want := map[string]BindingInfo{
		"x": {Pos: 0, Pattern: 0, Mask: 1 | 4},
		"y": {Pos: 1, Pattern: 1, Mask: 4},
		"z": {Pos: 2, Pattern: 1, Mask: 8},
	}
	for name, w := range want {
		if got, ok := plan.Info(name); !ok || got != w {
			t.Errorf("Info(%q) = %+v, want %+v", name, got, w)
		}
	}
	if _, ok := plan.Info("missing"); ok {
		t.Error("unexpected info for unknown variable")
	}

	explain := plan.Explain()
	if len(explain) != 2 {
		t.Fatalf("explain has %d entries", len(explain))
	}
	if explain[1].Index != "spoc" || explain[1].Score != 2 {
		t.Errorf("second pattern explained as %+v", explain[1])
	}
	if _, err := Compile(nil, f); err == nil {
		t.Error("expected error for empty chain")
	}
	if _, err := Compile([]Pattern{{x, 42, y, nil}}, f); err == nil {
		t.Error("expected error for unsupported field")
	}
}

type failingSource struct {
	*fixture
}

var errBoom = errors.New("boom")

func (f failingSource) Triples(context.Context, uint64, uint64, uint64, uint64, bool) (record.Iterator, error) {
	return nil, errBoom
}

func TestIDJoinPropagatesErrors(t *testing.T) {
	f := newFixture(t)
	x, y := NewVariable("x"), NewVariable("y")
	it, _, err := Evaluate(context.Background(), []Pattern{{x, iri("knows"), y, nil}}, EvalContext{}, failingSource{f}, f)
	if err != nil {
		t.Fatal(err)
	}
	if it.Next() {
		t.Error("expected no rows")
	}
	if !errors.Is(it.Err(), errBoom) {
		t.Errorf("Err() = %v, want boom", it.Err())
	}
	if err := it.Close(); err != nil {
		t.Error(err)
	}
}
