// Package store holds the agent's durable state: versioned response caches,
// the current-version pointer and the pending operation queue. All of it lives
// in one LevelDB database under disjoint key prefixes.
package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes.
const (
	prefixCurrent = "v:current"
	prefixVersion = "n:"
	prefixEntry   = "c:"
	prefixPending = "q:"
	prefixIndex   = "qi:"
	prefixBuried  = "d:"
)

type DB struct {
	ldb *leveldb.DB
}

func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

func (d *DB) Close() error {
	return d.ldb.Close()
}

// scan calls fn for every key under prefix in key order. Returning false stops.
func (d *DB) scan(prefix string, fn func(key, value []byte) bool) error {
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

func (d *DB) get(key string) ([]byte, error) {
	b, err := d.ldb.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return b, err
}

func (d *DB) has(key string) bool {
	ok, err := d.ldb.Has([]byte(key), nil)
	return err == nil && ok
}
