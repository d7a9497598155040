package store

import (
	"sync/atomic"
)

// VersionManager owns the pointer to the current cache version. Only the
// lifecycle activate step writes it; every other component reads it.
type VersionManager interface {
	Current() Version
	Activate(v Version) error
}

// MemoryVersions keeps the pointer in memory only.
type MemoryVersions struct {
	cur atomic.Value // Version
}

func NewMemoryVersions(initial Version) *MemoryVersions {
	m := &MemoryVersions{}
	m.cur.Store(initial)
	return m
}

func (m *MemoryVersions) Current() Version {
	return m.cur.Load().(Version)
}

func (m *MemoryVersions) Activate(v Version) error {
	m.cur.Store(v)
	return nil
}

// PersistentVersions stores the pointer in LevelDB so a restart keeps serving
// the last activated version until a new install succeeds.
type PersistentVersions struct {
	db  *DB
	mem *MemoryVersions
}

func NewPersistentVersions(db *DB) (*PersistentVersions, error) {
	var initial Version
	b, err := db.get(prefixCurrent)
	switch {
	case err == nil:
		initial = Version(b)
	case err != ErrNotFound:
		return nil, err
	}
	// A pointer to a version that no longer exists is treated as unset.
	if initial != "" && !db.has(prefixVersion+string(initial)) {
		initial = ""
	}
	return &PersistentVersions{db: db, mem: NewMemoryVersions(initial)}, nil
}

func (p *PersistentVersions) Current() Version {
	return p.mem.Current()
}

func (p *PersistentVersions) Activate(v Version) error {
	if err := p.db.ldb.Put([]byte(prefixCurrent), []byte(v), nil); err != nil {
		return err
	}
	return p.mem.Activate(v)
}
