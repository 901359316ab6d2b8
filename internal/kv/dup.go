package kv

// GetMultiple reads up to limit sorted duplicate values stored under group,
// starting at the first value >= from. Duplicate values are kept as
// composite keys group ++ value, so group must be self-delimiting. The
// returned slices are owned by the caller.
func GetMultiple(tx Transaction, table Table, group, from []byte, limit int) ([][]byte, error) {
	var seek []byte
	if from != nil {
		seek = make([]byte, 0, len(group)+len(from))
		seek = append(append(seek, group...), from...)
	}
	it, err := tx.Scan(table, group, seek)
	if err != nil {
		return nil, err
	}
	defer it.Close() // #nosec G104

	values := make([][]byte, 0, limit)
	for len(values) < limit && it.Next() {
		key := it.Key()
		values = append(values, append([]byte(nil), key[len(group):]...))
	}
	return values, nil
}

// PutDup adds value to the sorted duplicates of group
func PutDup(tx Transaction, table Table, group, value []byte) error {
	return tx.Set(table, append(append([]byte(nil), group...), value...), nil)
}

// DelDup removes value from the duplicates of group
func DelDup(tx Transaction, table Table, group, value []byte) error {
	return tx.Delete(table, append(append([]byte(nil), group...), value...))
}

// After returns the smallest byte string ordered after v
func After(v []byte) []byte {
	return append(append([]byte(nil), v...), 0)
}
