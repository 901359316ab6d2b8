package triples

import (
	"fmt"
	"strings"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// fieldNames maps field positions to their index order letters
const fieldNames = "spoc"

// Index is one sort order over all statements. Each index lives in its own
// table; explicit and inferred statements occupy disjoint key ranges.
type Index struct {
	name    string
	order   [4]int
	ordinal int
	table   kv.Table
}

// ParseIndexSpec parses a four letter field order such as "spoc"
func ParseIndexSpec(spec string) (*Index, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if len(spec) != 4 {
		return nil, fmt.Errorf("invalid index order %q: need 4 characters", spec)
	}
	ix := &Index{name: spec}
	var seen [4]bool
	for i, ch := range spec {
		f := strings.IndexRune(fieldNames, ch)
		if f < 0 {
			return nil, fmt.Errorf("invalid index order %q: unknown field %q", spec, ch)
		}
		if seen[f] {
			return nil, fmt.Errorf("invalid index order %q: field %q repeated", spec, ch)
		}
		seen[f] = true
		ix.order[i] = f
	}
	ix.ordinal = permutationOrdinal(ix.order)
	ix.table = kv.IndexTable(ix.ordinal)
	return ix, nil
}

// ParseIndexSpecs parses a comma or whitespace separated index list.
// Duplicates are ignored and order is preserved.
func ParseIndexSpecs(specs string) ([]*Index, error) {
	fields := strings.FieldsFunc(specs, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var indexes []*Index
	seen := make(map[string]bool)
	for _, f := range fields {
		ix, err := ParseIndexSpec(f)
		if err != nil {
			return nil, err
		}
		if seen[ix.name] {
			continue
		}
		seen[ix.name] = true
		indexes = append(indexes, ix)
	}
	if len(indexes) == 0 {
		return nil, fmt.Errorf("no indexes specified")
	}
	return indexes, nil
}

// permutationOrdinal numbers the 24 field orders 0..23
func permutationOrdinal(order [4]int) int {
	var used [4]bool
	ord := 0
	for i, f := range order {
		smaller := 0
		for g := 0; g < f; g++ {
			if !used[g] {
				smaller++
			}
		}
		ord = ord*(4-i) + smaller
		used[f] = true
	}
	return ord
}

func (ix *Index) Name() string { return ix.name }

func (ix *Index) String() string { return ix.name }

// FieldOrder returns the quad field stored at each key position
func (ix *Index) FieldOrder() [4]int { return ix.order }

// PatternScore is the number of leading key fields bound by the pattern
func (ix *Index) PatternScore(q varint.Quad) int {
	score := 0
	for _, f := range ix.order {
		if q[f] == Any {
			break
		}
		score++
	}
	return score
}

func (ix *Index) layout(explicit bool) record.Layout {
	return record.Layout{Table: ix.table, Order: ix.order, Explicit: explicit}
}

// group and value split a record key into its duplicate-sort halves
func (ix *Index) group(q varint.Quad, explicit bool) []byte {
	l := ix.layout(explicit)
	k := l.ToKeyOrder(q)
	return varint.AppendAll([]byte{l.FlagByte()}, k[0], k[1])
}

func (ix *Index) value(q varint.Quad) []byte {
	k := ix.layout(true).ToKeyOrder(q)
	return varint.AppendAll(nil, k[2], k[3])
}

func (ix *Index) key(q varint.Quad, explicit bool) []byte {
	return append(ix.group(q, explicit), ix.value(q)...)
}

// recommendedIndex is the field order that would turn a pattern with the
// given bound mask into a pure prefix scan
func recommendedIndex(mask int) string {
	var b strings.Builder
	for f := 0; f < 4; f++ {
		if mask&(1<<f) != 0 {
			b.WriteByte(fieldNames[f])
		}
	}
	for f := 0; f < 4; f++ {
		if mask&(1<<f) == 0 {
			b.WriteByte(fieldNames[f])
		}
	}
	return b.String()
}

// boundMask returns bits s=1 p=2 o=4 c=8 for the bound fields of q
func boundMask(q varint.Quad) int {
	mask := 0
	for f, v := range q {
		if v != Any {
			mask |= 1 << f
		}
	}
	return mask
}
