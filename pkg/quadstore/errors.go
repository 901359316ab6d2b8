package quadstore

import (
	"errors"

	"github.com/aleksaelezovic/quadstore/internal/kv"
	"github.com/aleksaelezovic/quadstore/internal/record"
	"github.com/aleksaelezovic/quadstore/internal/txn"
)

var (
	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store closed")
	// ErrIncompatibleVersion is returned when a directory was written with
	// another data format version
	ErrIncompatibleVersion = errors.New("incompatible data format version")
	// ErrInvalidStatement is returned for terms in positions they cannot hold
	ErrInvalidStatement = errors.New("invalid statement")

	ErrNotFound       = kv.ErrNotFound
	ErrAlreadyLocked  = kv.ErrAlreadyLocked
	ErrRollbackOnly   = kv.ErrRollbackOnly
	ErrInconsistent   = kv.ErrInconsistent
	ErrWriteActive    = txn.ErrWriteActive
	ErrNoWriteTxn     = txn.ErrNoWriteTxn
	ErrIteratorClosed = record.ErrIteratorClosed
)

// CapacityError reports a write that did not fit the storage capacity
type CapacityError = kv.CapacityError

// LockError reports a store directory held by another process
type LockError = kv.LockError

// InconsistencyError reports indexes that disagree
type InconsistencyError = kv.InconsistencyError
