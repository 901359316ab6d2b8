package record

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// Layout describes how an index stores a record: the table, the field order
// of its keys and the explicit/inferred flag byte that leads every key.
type Layout struct {
	Table kv.Table
	// Order maps key position to quad field
	Order    [4]int
	Explicit bool
}

// FlagByte returns the leading key byte for the layout's flag
func (l Layout) FlagByte() byte {
	if l.Explicit {
		return 0x01
	}
	return 0x00
}

// ToKeyOrder permutes q from s,p,o,c order into key order
func (l Layout) ToKeyOrder(q varint.Quad) varint.Quad {
	var k varint.Quad
	for i, f := range l.Order {
		k[i] = q[f]
	}
	return k
}

// FromKeyOrder permutes key-ordered fields back into s,p,o,c order
func (l Layout) FromKeyOrder(k varint.Quad) varint.Quad {
	var q varint.Quad
	for i, f := range l.Order {
		q[f] = k[i]
	}
	return q
}

// ScanIterator walks a key range of one index. Records outside the pattern
// but inside the range are filtered by an optional matcher.
type ScanIterator struct {
	ctx     context.Context
	it      kv.Iterator
	layout  Layout
	matcher *Matcher
	rec     Record
	err     error
	done    bool
	closed  bool
}

// NewScanIterator scans all keys of layout.Table starting with prefix. prefix
// must start with the layout's flag byte. A nil matcher accepts every key.
func NewScanIterator(ctx context.Context, tx kv.Transaction, layout Layout, prefix []byte, matcher *Matcher) (*ScanIterator, error) {
	it, err := tx.Scan(layout.Table, prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", layout.Table, err)
	}
	return &ScanIterator{ctx: ctx, it: it, layout: layout, matcher: matcher}, nil
}

// NeedsMatcher reports whether records must be filtered after the range scan
func (s *ScanIterator) NeedsMatcher() bool {
	return s.matcher != nil
}

func (s *ScanIterator) Next() bool {
	if s.closed {
		panic(ErrIteratorClosed)
	}
	if s.err != nil || s.done {
		return false
	}
	for s.it.Next() {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
		key := s.it.Key()[1:]
		if s.matcher != nil && !s.matcher.Match(key) {
			continue
		}
		k, _, err := varint.DecodeQuad(key)
		if err != nil {
			s.err = fmt.Errorf("decode %s key: %w", s.layout.Table, err)
			return false
		}
		s.rec = Record{Quad: s.layout.FromKeyOrder(k), Explicit: s.layout.Explicit}
		return true
	}
	s.done = true
	return false
}

func (s *ScanIterator) Record() Record { return s.rec }

func (s *ScanIterator) Err() error { return s.err }

func (s *ScanIterator) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.it.Close()
}
