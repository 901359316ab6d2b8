// Package kv adapts sorted, transactional key-value engines to the small
// surface the quad store needs: point reads, prefix range scans with a seek
// position, page-batched duplicate reads, snapshot-isolated read
// transactions and a single writer.
package kv

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrTransactionRO = errors.New("transaction is read-only")
	ErrRollbackOnly  = errors.New("transaction is rollback-only")
	ErrAlreadyLocked = errors.New("store directory is locked by another process")
)

// Storage is the interface for the underlying key-value store
type Storage interface {
	// Begin starts a new transaction
	Begin(writable bool) (Transaction, error)

	// Close closes the storage
	Close() error

	// Sync flushes writes to disk
	Sync() error
}

// Transaction represents a database transaction with snapshot isolation
type Transaction interface {
	// Get retrieves a value by key
	Get(table Table, key []byte) ([]byte, error)

	// Set stores a key-value pair
	Set(table Table, key, value []byte) error

	// Delete removes a key
	Delete(table Table, key []byte) error

	// Scan iterates over all keys starting with prefix, beginning at the
	// first key >= seek. A nil seek starts at prefix.
	Scan(table Table, prefix, seek []byte) (Iterator, error)

	// Writable reports whether the transaction accepts writes
	Writable() bool

	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error
}

// Iterator iterates over key-value pairs. Key and Value slices are only valid
// until the next call to Next.
type Iterator interface {
	// Next advances to the next item
	Next() bool

	// Key returns the current key without the table prefix
	Key() []byte

	// Value returns the current value
	Value() ([]byte, error)

	// Close closes the iterator
	Close() error
}

// Table represents a logical table in the storage. Index tables are derived
// from the index field order, see IndexTable.
type Table byte

const (
	// TableValues holds the value dictionary
	TableValues Table = 0x01
	// TableMeta holds counters and bookkeeping keys
	TableMeta Table = 0x02
	// TableFreeIDs holds value IDs released by garbage collection
	TableFreeIDs Table = 0x03
	// TableStats holds per-index first-field counts
	TableStats Table = 0x04

	indexTableBase Table = 0x20
	reservedTable  Table = 0xFF
)

// IndexTable returns the table holding the index with the given permutation ordinal
func IndexTable(ordinal int) Table {
	if ordinal < 0 || ordinal >= 24 {
		panic(fmt.Sprintf("kv: index ordinal %d out of range", ordinal))
	}
	return indexTableBase + Table(ordinal)
}

func (t Table) String() string {
	switch t {
	case TableValues:
		return "values"
	case TableMeta:
		return "meta"
	case TableFreeIDs:
		return "free"
	case TableStats:
		return "stats"
	case reservedTable:
		return "reserved"
	}
	if t >= indexTableBase && t < indexTableBase+24 {
		return fmt.Sprintf("index-%d", t-indexTableBase)
	}
	return "unknown"
}

// TablePrefix returns a byte prefix for a table to namespace keys
func TablePrefix(table Table) []byte {
	return []byte{byte(table)}
}

// PrefixKey adds a table prefix to a key
func PrefixKey(table Table, key []byte) []byte {
	result := make([]byte, 1+len(key))
	result[0] = byte(table)
	copy(result[1:], key)
	return result
}

// CapacityError reports that a storage limit was reached
type CapacityError struct {
	Resource string
	Current  int64
	Limit    int64
	cause    error
}

func (e *CapacityError) Error() string {
	msg := fmt.Sprintf("%s capacity exceeded: %d of %d bytes", e.Resource, e.Current, e.Limit)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *CapacityError) Unwrap() error { return e.cause }

// LockError reports a directory that is already locked
type LockError struct {
	Path string
	err  error
}

func (e *LockError) Error() string {
	if e.err != nil && !errors.Is(e.err, ErrAlreadyLocked) {
		return fmt.Sprintf("lock %s: %v", e.Path, e.err)
	}
	return fmt.Sprintf("lock %s: %v", e.Path, ErrAlreadyLocked)
}

func (e *LockError) Unwrap() error {
	if e.err == nil {
		return ErrAlreadyLocked
	}
	return e.err
}

// ErrInconsistent marks a failed consistency check
var ErrInconsistent = errors.New("store is inconsistent")

// InconsistencyError reports a structure whose contents disagree with the
// rest of the store
type InconsistencyError struct {
	Index    string
	Count    int64
	Expected int64
	Detail   string
}

func (e *InconsistencyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Index, e.Detail)
	}
	return fmt.Sprintf("index %s holds %d records, expected %d", e.Index, e.Count, e.Expected)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistent }
