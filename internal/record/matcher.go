package record

import (
	"bytes"

	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// Matcher compares selected varint fields of an encoded key against
// reference values without decoding the key. Field lengths come from the
// varint headers, so fields of different encoded length never match.
type Matcher struct {
	fields [][]byte
}

// NewMatcher builds a matcher over len(values) consecutive fields. Fields
// whose check flag is false are skipped.
func NewMatcher(values []uint64, check []bool) *Matcher {
	m := &Matcher{fields: make([][]byte, len(values))}
	for i, v := range values {
		if check[i] {
			m.fields[i] = varint.Append(nil, v)
		}
	}
	return m
}

// Match reports whether key carries the reference value in every checked field
func (m *Matcher) Match(key []byte) bool {
	off := 0
	for _, want := range m.fields {
		if off >= len(key) {
			return false
		}
		n := varint.HeaderLen(key[off])
		if want != nil {
			if n != len(want) || off+n > len(key) || !bytes.Equal(key[off:off+n], want) {
				return false
			}
		}
		off += n
	}
	return true
}

// MatchField reports whether field i of key matches; unchecked fields always match
func (m *Matcher) MatchField(key []byte, i int) bool {
	off := 0
	for j := 0; j < i; j++ {
		if off >= len(key) {
			return false
		}
		off += varint.HeaderLen(key[off])
	}
	want := m.fields[i]
	if want == nil {
		return true
	}
	if off >= len(key) {
		return false
	}
	n := varint.HeaderLen(key[off])
	return n == len(want) && off+n <= len(key) && bytes.Equal(key[off:off+n], want)
}
