package kv

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStorage implements Storage using a memory-mapped bbolt B+tree. Each
// table is a top-level bucket.
type BoltStorage struct {
	db *bolt.DB
}

// bbolt remaps only when the file outgrows the map, and a remap waits for
// every open read transaction. The map is reserved large enough up front.
const (
	boltMmapReserve   = 1 << 40
	boltMmapReserve32 = 1 << 30
	// boltPageOverhead bounds file size over logical size
	boltPageOverhead = 4
)

// BoltMmapSize returns the memory map to reserve for a store of the given
// capacity. A bounded store maps its whole maximum; an unbounded one maps
// a fixed reservation of address space.
func BoltMmapSize(mapSize, maxMapSize int64) int64 {
	size := int64(boltMmapReserve)
	if maxMapSize > 0 {
		size = maxMapSize * boltPageOverhead
	}
	floor := mapSize * boltPageOverhead
	// windows grows the file to the mapping
	if size < floor || runtime.GOOS == "windows" {
		size = floor
	}
	if strconv.IntSize == 32 && size > boltMmapReserve32 {
		size = boltMmapReserve32
	}
	return size
}

// NewBoltStorage opens the bbolt file at path with the memory map presized
// to mmapSize bytes, see BoltMmapSize.
func NewBoltStorage(path string, mmapSize int64) (*BoltStorage, error) {
	opts := &bolt.Options{
		Timeout:         time.Second,
		InitialMmapSize: int(mmapSize),
		FreelistType:    bolt.FreelistMapType,
	}
	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Begin(writable bool) (Transaction, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("begin bolt transaction: %w", err)
	}
	return &boltTransaction{tx: tx}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Sync() error {
	return s.db.Sync()
}

type boltTransaction struct {
	tx *bolt.Tx
}

func bucketName(table Table) []byte {
	return []byte{byte(table)}
}

func (t *boltTransaction) Get(table Table, key []byte) ([]byte, error) {
	b := t.tx.Bucket(bucketName(table))
	if b == nil {
		return nil, ErrNotFound
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *boltTransaction) Set(table Table, key, value []byte) error {
	if !t.tx.Writable() {
		return ErrTransactionRO
	}
	b, err := t.tx.CreateBucketIfNotExists(bucketName(table))
	if err != nil {
		return err
	}
	// bbolt requires keys and values to stay valid until commit; a nil
	// value would read back as missing
	v := make([]byte, len(value))
	copy(v, value)
	return b.Put(append([]byte(nil), key...), v)
}

func (t *boltTransaction) Delete(table Table, key []byte) error {
	if !t.tx.Writable() {
		return ErrTransactionRO
	}
	b := t.tx.Bucket(bucketName(table))
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t *boltTransaction) Scan(table Table, prefix, seek []byte) (Iterator, error) {
	if seek == nil {
		seek = prefix
	}
	it := &boltIterator{prefix: append([]byte(nil), prefix...), seek: append([]byte(nil), seek...)}
	if b := t.tx.Bucket(bucketName(table)); b != nil {
		it.cursor = b.Cursor()
	}
	return it, nil
}

func (t *boltTransaction) Writable() bool { return t.tx.Writable() }

func (t *boltTransaction) Commit() error {
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *boltTransaction) Rollback() error {
	err := t.tx.Rollback()
	if err == bolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltIterator struct {
	cursor  *bolt.Cursor
	prefix  []byte
	seek    []byte
	started bool
	key     []byte
	value   []byte
}

func (i *boltIterator) Next() bool {
	if i.cursor == nil {
		return false
	}
	var k, v []byte
	if !i.started {
		k, v = i.cursor.Seek(i.seek)
		i.started = true
	} else {
		k, v = i.cursor.Next()
	}
	if k == nil || !bytes.HasPrefix(k, i.prefix) {
		i.key, i.value = nil, nil
		return false
	}
	i.key, i.value = k, v
	return true
}

func (i *boltIterator) Key() []byte { return i.key }

func (i *boltIterator) Value() ([]byte, error) {
	if i.key == nil {
		return nil, ErrNotFound
	}
	return append([]byte{}, i.value...), nil
}

func (i *boltIterator) Close() error {
	i.cursor = nil
	return nil
}
