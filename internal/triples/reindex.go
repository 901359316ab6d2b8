package triples

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// Reindex brings the stored indexes in line with the configuration.
// previous is the index list the data was written with; nil means a new
// store. Added indexes are filled from the first previous index and
// removed ones are cleared.
func (s *Store) Reindex(ctx context.Context, tx kv.Transaction, previous []string) error {
	if len(previous) == 0 {
		return nil
	}
	prev := make([]*Index, 0, len(previous))
	prevByName := make(map[string]bool)
	for _, name := range previous {
		ix, err := ParseIndexSpec(name)
		if err != nil {
			return fmt.Errorf("stored index list: %w", err)
		}
		prev = append(prev, ix)
		prevByName[ix.name] = true
	}
	current := make(map[string]bool)
	for _, ix := range s.indexes {
		current[ix.name] = true
	}

	source := prev[0]
	for _, ix := range s.indexes {
		if prevByName[ix.name] {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"index":  ix.name,
			"source": source.name,
		}).Info("building index")
		if err := s.clearIndex(ctx, tx, ix); err != nil {
			return err
		}
		if err := s.copyIndex(ctx, tx, source, ix); err != nil {
			return err
		}
	}
	for _, ix := range prev {
		if current[ix.name] {
			continue
		}
		s.logger.WithField("index", ix.name).Info("dropping index")
		if err := s.clearIndex(ctx, tx, ix); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) copyIndex(ctx context.Context, tx kv.Transaction, from, to *Index) error {
	for _, explicit := range []bool{true, false} {
		var quads []varint.Quad
		it, err := s.scanIndex(ctx, tx, from, 0, varint.Quad{Any, Any, Any, Any}, explicit)
		if err != nil {
			return err
		}
		for it.Next() {
			quads = append(quads, it.Record().Quad)
		}
		err = it.Err()
		if cerr := it.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", from.name, err)
		}
		for _, q := range quads {
			if err := kv.PutDup(tx, to.table, to.group(q, explicit), to.value(q)); err != nil {
				return fmt.Errorf("fill %s: %w", to.name, err)
			}
			if err := s.addStat(tx, to, explicit, q[to.order[0]], 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// clearIndex deletes every record and statistic of ix
func (s *Store) clearIndex(ctx context.Context, tx kv.Transaction, ix *Index) error {
	if err := deleteRange(ctx, tx, ix.table, nil); err != nil {
		return fmt.Errorf("clear %s: %w", ix.name, err)
	}
	return deleteRange(ctx, tx, kv.TableStats, []byte{byte(ix.ordinal)})
}

func deleteRange(ctx context.Context, tx kv.Transaction, table kv.Table, prefix []byte) error {
	var keys [][]byte
	it, err := tx.Scan(table, prefix, nil)
	if err != nil {
		return err
	}
	for it.Next() {
		if err := ctx.Err(); err != nil {
			it.Close() // #nosec G104
			return err
		}
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(table, k); err != nil {
			return err
		}
	}
	return nil
}

// CheckConsistency counts every index in parallel and compares each count
// with the statement totals. begin opens one read transaction per worker;
// callers keep writers out while the check runs so all workers see the
// same state.
func (s *Store) CheckConsistency(ctx context.Context, begin func() (kv.Transaction, error)) error {
	tx, err := begin()
	if err != nil {
		return err
	}
	var expected [2]int64
	expected[1], err = s.Count(tx, true)
	if err == nil {
		expected[0], err = s.Count(tx, false)
	}
	tx.Rollback() // #nosec G104
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ix := range s.indexes {
		ix := ix
		for _, explicit := range []bool{true, false} {
			explicit := explicit
			g.Go(func() error {
				tx, err := begin()
				if err != nil {
					return err
				}
				defer tx.Rollback() // #nosec G104
				n, err := s.CountIndex(gctx, tx, ix, explicit)
				if err != nil {
					return fmt.Errorf("count %s: %w", ix.name, err)
				}
				want := expected[flagByte(explicit)]
				if n != want {
					s.logger.WithFields(logrus.Fields{
						"index":    ix.name,
						"explicit": explicit,
						"count":    n,
						"expected": want,
					}).Error("index count mismatch")
					return &kv.InconsistencyError{Index: ix.name, Count: n, Expected: want}
				}
				return nil
			})
		}
	}
	return g.Wait()
}
