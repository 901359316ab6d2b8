package record

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// DupIterator reads all records sharing the first two key fields as sorted
// duplicate values, fetched in pages. When the third field is bound the read
// starts at it and stops at the first value past it.
type DupIterator struct {
	ctx      context.Context
	tx       kv.Transaction
	layout   Layout
	group    []byte
	head     [2]uint64
	pageSize int

	// matcher checks the two value fields
	matcher  *Matcher
	thirdSet bool

	from   []byte
	page   [][]byte
	pos    int
	done   bool
	rec    Record
	err    error
	closed bool
}

// NewDupIterator reads the duplicates of key fields (k0, k1). tail holds
// the bound values of the remaining two key fields with check flags.
func NewDupIterator(ctx context.Context, tx kv.Transaction, layout Layout, k0, k1 uint64, tail [2]uint64, check [2]bool, pageSize int) *DupIterator {
	if pageSize <= 0 {
		pageSize = 1024
	}
	group := varint.AppendAll([]byte{layout.FlagByte()}, k0, k1)
	d := &DupIterator{
		ctx:      ctx,
		tx:       tx,
		layout:   layout,
		group:    group,
		head:     [2]uint64{k0, k1},
		pageSize: pageSize,
		thirdSet: check[0],
	}
	if check[0] || check[1] {
		d.matcher = NewMatcher(tail[:], check[:])
	}
	if check[0] {
		d.from = varint.Append(nil, tail[0])
	}
	return d
}

func (d *DupIterator) fill() bool {
	page, err := kv.GetMultiple(d.tx, d.layout.Table, d.group, d.from, d.pageSize)
	if err != nil {
		d.err = fmt.Errorf("read duplicates of %s: %w", d.layout.Table, err)
		return false
	}
	d.page, d.pos = page, 0
	if len(page) < d.pageSize {
		d.done = true
	} else {
		d.from = kv.After(page[len(page)-1])
	}
	return len(page) > 0
}

func (d *DupIterator) Next() bool {
	if d.closed {
		panic(ErrIteratorClosed)
	}
	for d.err == nil {
		if err := d.ctx.Err(); err != nil {
			d.err = err
			return false
		}
		if d.pos >= len(d.page) {
			if d.done || !d.fill() {
				return false
			}
		}
		value := d.page[d.pos]
		d.pos++
		if d.matcher != nil {
			if d.thirdSet && !d.matcher.MatchField(value, 0) {
				// values are sorted, nothing further can match
				d.done, d.page = true, nil
				return false
			}
			if !d.matcher.Match(value) {
				continue
			}
		}
		var tail [2]uint64
		if _, err := varint.DecodeAll(value, tail[:]); err != nil {
			d.err = fmt.Errorf("decode %s duplicate: %w", d.layout.Table, err)
			return false
		}
		k := varint.Quad{d.head[0], d.head[1], tail[0], tail[1]}
		d.rec = Record{Quad: d.layout.FromKeyOrder(k), Explicit: d.layout.Explicit}
		return true
	}
	return false
}

func (d *DupIterator) Record() Record { return d.rec }

func (d *DupIterator) Err() error { return d.err }

func (d *DupIterator) Close() error {
	d.closed = true
	d.page = nil
	return nil
}
