package kv

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStorage implements Storage using BadgerDB
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage creates a new BadgerDB-backed storage. An empty path opens
// an in-memory database.
func NewBadgerStorage(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStorage{db: db}, nil
}

// Begin starts a new transaction
func (s *BadgerStorage) Begin(writable bool) (Transaction, error) {
	return &badgerTransaction{
		txn:      s.db.NewTransaction(writable),
		writable: writable,
	}, nil
}

// Close closes the storage
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

// Sync flushes writes to disk
func (s *BadgerStorage) Sync() error {
	return s.db.Sync()
}

type badgerTransaction struct {
	txn      *badger.Txn
	writable bool
}

func (t *badgerTransaction) Get(table Table, key []byte) ([]byte, error) {
	item, err := t.txn.Get(PrefixKey(table, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTransaction) Set(table Table, key, value []byte) error {
	if !t.writable {
		return ErrTransactionRO
	}
	if value == nil {
		value = []byte{}
	}
	return mapBadgerError(t.txn.Set(PrefixKey(table, key), value))
}

func (t *badgerTransaction) Delete(table Table, key []byte) error {
	if !t.writable {
		return ErrTransactionRO
	}
	return mapBadgerError(t.txn.Delete(PrefixKey(table, key)))
}

func (t *badgerTransaction) Scan(table Table, prefix, seek []byte) (Iterator, error) {
	scanPrefix := PrefixKey(table, prefix)
	seekKey := scanPrefix
	if seek != nil {
		seekKey = PrefixKey(table, seek)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = scanPrefix

	return &badgerIterator{
		it:         t.txn.NewIterator(opts),
		scanPrefix: scanPrefix,
		seekKey:    seekKey,
	}, nil
}

func (t *badgerTransaction) Writable() bool { return t.writable }

func (t *badgerTransaction) Commit() error {
	if !t.writable {
		t.txn.Discard()
		return nil
	}
	return mapBadgerError(t.txn.Commit())
}

func (t *badgerTransaction) Rollback() error {
	t.txn.Discard()
	return nil
}

func mapBadgerError(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return &CapacityError{Resource: "transaction", cause: err}
	}
	return err
}

type badgerIterator struct {
	it         *badger.Iterator
	scanPrefix []byte
	seekKey    []byte
	started    bool
	hasValue   bool
}

func (i *badgerIterator) Next() bool {
	if !i.started {
		i.it.Seek(i.seekKey)
		i.started = true
	} else {
		i.it.Next()
	}
	i.hasValue = i.it.Valid() && bytes.HasPrefix(i.it.Item().Key(), i.scanPrefix)
	return i.hasValue
}

func (i *badgerIterator) Key() []byte {
	if !i.hasValue {
		return nil
	}
	return i.it.Item().Key()[1:]
}

func (i *badgerIterator) Value() ([]byte, error) {
	if !i.hasValue {
		return nil, ErrNotFound
	}
	return i.it.Item().ValueCopy(nil)
}

func (i *badgerIterator) Close() error {
	i.it.Close()
	return nil
}
