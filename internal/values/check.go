package values

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/varint"
)

// Check verifies that every stored value resolves back to its own ID and
// returns the number of values checked.
func (r *Reader) Check(ctx context.Context) (int64, error) {
	it, err := r.tx.Scan(kv.TableValues, []byte{idKeyPrefix}, nil)
	if err != nil {
		return 0, err
	}
	defer it.Close() // #nosec G104

	var n int64
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		id, _, err := varint.Decode(it.Key()[1:])
		if err != nil {
			return n, fmt.Errorf("decode value id: %w", err)
		}
		data, err := it.Value()
		if err != nil {
			return n, err
		}
		got, _, err := r.lookup(data)
		if err != nil {
			return n, err
		}
		if got != id {
			return n, &kv.InconsistencyError{
				Index:  "values",
				Detail: fmt.Sprintf("value %d resolves to id %d", id, got),
			}
		}
		n++
	}
	return n, nil
}
