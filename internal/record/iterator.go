// Package record provides streaming iterators over index records: key-range
// scans, page-batched duplicate scans, byte-level matchers and the ID join.
package record

import (
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// ErrIteratorClosed is the panic value for Next after Close
var ErrIteratorClosed = errors.New("iterator used after close")

// Field positions inside a Quad
const (
	S = iota
	P
	O
	C
)

// Record is one statement read from an index, fields in s,p,o,c order
type Record struct {
	Quad     varint.Quad
	Explicit bool
}

// Iterator streams records. Next returns false on exhaustion or error; Err
// tells them apart. Close is idempotent and releases the cursor.
type Iterator interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

type emptyIterator struct{ closed bool }

// Empty returns an iterator with no records
func Empty() Iterator { return &emptyIterator{} }

func (e *emptyIterator) Next() bool {
	if e.closed {
		panic(ErrIteratorClosed)
	}
	return false
}
func (e *emptyIterator) Record() Record { return Record{} }
func (e *emptyIterator) Err() error     { return nil }
func (e *emptyIterator) Close() error {
	e.closed = true
	return nil
}

// concatIterator drains its parts in order
type concatIterator struct {
	parts  []Iterator
	cur    int
	err    error
	closed bool
}

// Concat returns an iterator over all records of parts in order
func Concat(parts ...Iterator) Iterator {
	if len(parts) == 1 {
		return parts[0]
	}
	return &concatIterator{parts: parts}
}

func (c *concatIterator) Next() bool {
	if c.closed {
		panic(ErrIteratorClosed)
	}
	for c.cur < len(c.parts) {
		p := c.parts[c.cur]
		if p.Next() {
			return true
		}
		if err := p.Err(); err != nil {
			c.err = err
			return false
		}
		c.cur++
	}
	return false
}

func (c *concatIterator) Record() Record {
	if c.cur < len(c.parts) {
		return c.parts[c.cur].Record()
	}
	return Record{}
}

func (c *concatIterator) Err() error { return c.err }

func (c *concatIterator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var result *multierror.Error
	for _, p := range c.parts {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Drain counts the remaining records of it and closes it
func Drain(it Iterator) (int64, error) {
	var n int64
	for it.Next() {
		n++
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return n, err
}
