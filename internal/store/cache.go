package store

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

type versionMeta struct {
	CreatedAt int64
	Entries   int
}

// CacheStore is a set of named response caches, one per Version. A version
// becomes visible only when its staged entries are committed, and it is
// deleted in a single batch, so a reader never observes a partial version.
type CacheStore struct {
	db  *DB
	ram ramTier

	// Writers into a version and disk reads that fill the RAM tier hold the
	// read side; DeleteVersion holds the write side so neither can resurrect
	// keys of a deleted version.
	mu sync.RWMutex
}

func NewCacheStore(db *DB, ram RAMConfig) (*CacheStore, error) {
	tier, err := newRAMTier(ram)
	if err != nil {
		return nil, err
	}
	return &CacheStore{db: db, ram: tier}, nil
}

func entryKey(v Version, fp string) string {
	return prefixEntry + string(v) + "\x00" + fp
}

func entryPrefix(v Version) string {
	return prefixEntry + string(v) + "\x00"
}

// Versions lists committed versions in name order.
func (s *CacheStore) Versions() ([]Version, error) {
	var out []Version
	err := s.db.scan(prefixVersion, func(k, _ []byte) bool {
		out = append(out, Version(bytes.TrimPrefix(k, []byte(prefixVersion))))
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *CacheStore) HasVersion(v Version) bool {
	return v != "" && s.db.has(prefixVersion+string(v))
}

// Match returns the entry stored under fingerprint fp in version v.
func (s *CacheStore) Match(v Version, fp string) (Entry, error) {
	if v == "" {
		return Entry{}, ErrNotFound
	}
	key := entryKey(v, fp)
	if ent, ok := s.ram.Get(key); ok {
		return ent, nil
	}
	// Held until the RAM copy is in place so a concurrent DeleteVersion
	// cannot purge before it.
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.db.get(key)
	if err != nil {
		return Entry{}, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, err
	}
	s.ram.Put(key, ent)
	return ent, nil
}

// Put inserts or overwrites one entry of a committed version.
func (s *CacheStore) Put(v Version, fp string, ent Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.HasVersion(v) {
		return ErrUnknownVersion
	}
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}
	key := entryKey(v, fp)
	if err := s.db.ldb.Put([]byte(key), b, nil); err != nil {
		return err
	}
	s.ram.Put(key, ent)
	return nil
}

// Stage starts a new version. Nothing is visible until Commit.
func (s *CacheStore) Stage(v Version) *Staging {
	return &Staging{store: s, version: v, batch: new(leveldb.Batch)}
}

// DeleteVersion removes v and every entry it owns in one batch.
func (s *CacheStore) DeleteVersion(v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	err := s.db.scan(entryPrefix(v), func(k, _ []byte) bool {
		batch.Delete(append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	batch.Delete([]byte(prefixVersion + string(v)))
	if err := s.db.ldb.Write(batch, nil); err != nil {
		return err
	}
	// Keys are version scoped, so entries of the remaining versions only lose
	// their RAM copy.
	s.ram.Purge()
	return nil
}

// Count returns the number of entries stored in v.
func (s *CacheStore) Count(v Version) int {
	n := 0
	_ = s.db.scan(entryPrefix(v), func(_, _ []byte) bool {
		n++
		return true
	})
	return n
}

// Fingerprints lists the keys stored in v.
func (s *CacheStore) Fingerprints(v Version) []string {
	var out []string
	p := entryPrefix(v)
	_ = s.db.scan(p, func(k, _ []byte) bool {
		out = append(out, strings.TrimPrefix(string(k), p))
		return true
	})
	return out
}

func (s *CacheStore) RAMSize() int64 { return s.ram.TotalSize() }

func (s *CacheStore) RAMLen() int { return s.ram.Len() }

// Staging collects the entries of a version being installed.
type Staging struct {
	store   *CacheStore
	version Version
	batch   *leveldb.Batch
	n       int
}

func (st *Staging) Put(fp string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}
	st.batch.Put([]byte(entryKey(st.version, fp)), b)
	st.n++
	return nil
}

func (st *Staging) Len() int { return st.n }

// Commit writes all staged entries and the version marker atomically.
func (st *Staging) Commit() error {
	meta, err := encodeGob(versionMeta{CreatedAt: time.Now().UnixNano(), Entries: st.n})
	if err != nil {
		return err
	}
	st.batch.Put([]byte(prefixVersion+string(st.version)), meta)

	st.store.mu.RLock()
	defer st.store.mu.RUnlock()
	if err := st.store.db.ldb.Write(st.batch, nil); err != nil {
		return err
	}
	// A re-installed version may have stale RAM copies.
	st.store.ram.Purge()
	return nil
}
