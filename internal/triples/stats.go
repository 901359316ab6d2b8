package triples

import (
	"context"
	"errors"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// totalsKey prefixes the per-flag statement totals in the stats table
const totalsKey byte = 0xFF

func flagByte(explicit bool) byte {
	if explicit {
		return 0x01
	}
	return 0x00
}

func statKey(ix *Index, explicit bool, first uint64) []byte {
	return varint.Append([]byte{byte(ix.ordinal), flagByte(explicit)}, first)
}

func readCounter(tx kv.Transaction, key []byte) (int64, error) {
	v, err := tx.Get(kv.TableStats, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _, err := varint.Decode(v)
	if err != nil {
		return 0, fmt.Errorf("decode counter: %w", err)
	}
	return int64(n), nil
}

func addCounter(tx kv.Transaction, key []byte, delta int64) error {
	n, err := readCounter(tx, key)
	if err != nil {
		return err
	}
	n += delta
	if n <= 0 {
		return tx.Delete(kv.TableStats, key)
	}
	return tx.Set(kv.TableStats, key, varint.Append(nil, uint64(n)))
}

func (s *Store) addStat(tx kv.Transaction, ix *Index, explicit bool, first uint64, delta int64) error {
	return addCounter(tx, statKey(ix, explicit, first), delta)
}

func (s *Store) addTotal(tx kv.Transaction, explicit bool, delta int64) error {
	return addCounter(tx, []byte{totalsKey, flagByte(explicit)}, delta)
}

// Count returns the number of statements stored with the given flag
func (s *Store) Count(tx kv.Transaction, explicit bool) (int64, error) {
	return readCounter(tx, []byte{totalsKey, flagByte(explicit)})
}

func (s *Store) total(tx kv.Transaction) (int64, error) {
	e, err := s.Count(tx, true)
	if err != nil {
		return 0, err
	}
	i, err := s.Count(tx, false)
	return e + i, err
}

// Cardinality estimates the number of statements, explicit and inferred,
// matching a pattern. The estimate never undercounts: small ranges are
// counted exactly and larger ones fall back to index statistics.
func (s *Store) Cardinality(tx kv.Transaction, subj, pred, obj, c uint64) (float64, error) {
	q := varint.Quad{subj, pred, obj, c}
	total, err := s.total(tx)
	if err != nil {
		return 0, err
	}
	mask := boundMask(q)
	if mask == 0 {
		return float64(total), nil
	}

	ix, score := s.BestIndex(q)
	upper := total
	if score > 0 {
		first := q[ix.order[0]]
		e, err := readCounter(tx, statKey(ix, true, first))
		if err != nil {
			return 0, err
		}
		i, err := readCounter(tx, statKey(ix, false, first))
		if err != nil {
			return 0, err
		}
		upper = e + i
		if mask == 1<<ix.order[0] {
			return float64(upper), nil
		}
	}

	// count at most EstimateLimit records; an exhausted range is exact
	limit := int64(s.cfg.EstimateLimit)
	var n int64
	for _, explicit := range []bool{true, false} {
		it, err := s.scanIndex(context.Background(), tx, ix, score, q, explicit)
		if err != nil {
			return 0, err
		}
		for n <= limit && it.Next() {
			n++
		}
		err = it.Err()
		if cerr := it.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return 0, err
		}
		if n > limit {
			break
		}
	}
	if n <= limit {
		return float64(n), nil
	}
	if upper > total {
		upper = total
	}
	return float64(upper), nil
}

// CardinalityExact counts the matching statements by draining the range
func (s *Store) CardinalityExact(ctx context.Context, tx kv.Transaction, subj, pred, obj, c uint64, includeInferred bool) (int64, error) {
	it, err := s.GetAllTriples(ctx, tx, subj, pred, obj, c, includeInferred)
	if err != nil {
		return 0, err
	}
	return record.Drain(it)
}
