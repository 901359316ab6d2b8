package record

import (
	"github.com/hashicorp/go-multierror"
)

// mergeIterator interleaves two iterators that are sorted in the same key order
type mergeIterator struct {
	order  [4]int
	a, b   Iterator
	hasA   bool
	hasB   bool
	primed bool
	cur    Record
	err    error
	closed bool
}

// Merge combines two iterators sorted by the key order into one sorted stream
func Merge(order [4]int, a, b Iterator) Iterator {
	return &mergeIterator{order: order, a: a, b: b}
}

func (m *mergeIterator) less(x, y Record) bool {
	for _, f := range m.order {
		if x.Quad[f] != y.Quad[f] {
			return x.Quad[f] < y.Quad[f]
		}
	}
	return x.Explicit && !y.Explicit
}

func (m *mergeIterator) advance(it Iterator) bool {
	if it.Next() {
		return true
	}
	if err := it.Err(); err != nil && m.err == nil {
		m.err = err
	}
	return false
}

func (m *mergeIterator) Next() bool {
	if m.closed {
		panic(ErrIteratorClosed)
	}
	if !m.primed {
		m.hasA = m.advance(m.a)
		m.hasB = m.advance(m.b)
		m.primed = true
	}
	if m.err != nil {
		return false
	}
	switch {
	case m.hasA && (!m.hasB || !m.less(m.b.Record(), m.a.Record())):
		m.cur = m.a.Record()
		m.hasA = m.advance(m.a)
	case m.hasB:
		m.cur = m.b.Record()
		m.hasB = m.advance(m.b)
	default:
		return false
	}
	return true
}

func (m *mergeIterator) Record() Record { return m.cur }

func (m *mergeIterator) Err() error { return m.err }

func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var result *multierror.Error
	if err := m.a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.b.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
