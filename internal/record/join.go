package record

import (
	"github.com/hashicorp/go-multierror"
)

// TupleIterator streams fixed-width rows of IDs
type TupleIterator interface {
	Next() bool
	// Tuple returns the current row. The slice is only valid until Next.
	Tuple() []uint64
	Err() error
	Close() error
}

// RightFactory opens the right side of a join for one left row
type RightFactory func(left []uint64) (TupleIterator, error)

// IDJoinIterator is a left-deep nested-loop join over ID tuples. For each
// left row it opens the right side bound to that row and emits left ++ right.
// Results follow left order, then right order within one left row.
type IDJoinIterator struct {
	left    TupleIterator
	factory RightFactory
	right   TupleIterator
	leftRow []uint64
	row     []uint64
	err     error
	done    bool
	closed  bool
}

// NewIDJoinIterator joins left with the rows produced by factory
func NewIDJoinIterator(left TupleIterator, factory RightFactory) *IDJoinIterator {
	return &IDJoinIterator{left: left, factory: factory}
}

func (j *IDJoinIterator) Next() bool {
	if j.closed {
		panic(ErrIteratorClosed)
	}
	for j.err == nil && !j.done {
		if j.right != nil {
			if j.right.Next() {
				r := j.right.Tuple()
				j.row = append(append(j.row[:0], j.leftRow...), r...)
				return true
			}
			j.err = j.right.Err()
			if cerr := j.right.Close(); j.err == nil {
				j.err = cerr
			}
			j.right = nil
			continue
		}
		if !j.left.Next() {
			j.err = j.left.Err()
			j.done = true
			return false
		}
		j.leftRow = append(j.leftRow[:0], j.left.Tuple()...)
		right, err := j.factory(j.leftRow)
		if err != nil {
			j.err = err
			return false
		}
		j.right = right
	}
	return false
}

func (j *IDJoinIterator) Tuple() []uint64 { return j.row }

func (j *IDJoinIterator) Err() error { return j.err }

func (j *IDJoinIterator) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	var result *multierror.Error
	if j.right != nil {
		if err := j.right.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		j.right = nil
	}
	if err := j.left.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// unitIterator yields a single empty row. It seeds a join chain.
type unitIterator struct {
	done   bool
	closed bool
}

// Unit returns an iterator with exactly one zero-width row
func Unit() TupleIterator { return &unitIterator{} }

func (u *unitIterator) Next() bool {
	if u.closed {
		panic(ErrIteratorClosed)
	}
	if u.done {
		return false
	}
	u.done = true
	return true
}

func (u *unitIterator) Tuple() []uint64 { return nil }
func (u *unitIterator) Err() error      { return nil }
func (u *unitIterator) Close() error {
	u.closed = true
	return nil
}

// SliceTuples returns an iterator over fixed rows
func SliceTuples(rows [][]uint64) TupleIterator {
	return &sliceTuples{rows: rows, pos: -1}
}

type sliceTuples struct {
	rows   [][]uint64
	pos    int
	closed bool
}

func (s *sliceTuples) Next() bool {
	if s.closed {
		panic(ErrIteratorClosed)
	}
	if s.pos+1 >= len(s.rows) {
		s.pos = len(s.rows)
		return false
	}
	s.pos++
	return true
}

func (s *sliceTuples) Tuple() []uint64 { return s.rows[s.pos] }
func (s *sliceTuples) Err() error      { return nil }
func (s *sliceTuples) Close() error {
	s.closed = true
	return nil
}
