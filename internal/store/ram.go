package store

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// RAMConfig sizes the in-memory tier that sits in front of LevelDB.
type RAMConfig struct {
	// Policy is "lru" (golang-lru) or "lfu" (ristretto). Empty means lru.
	Policy string
	// MaxBytes bounds the summed body size held in memory. 0 disables the tier.
	MaxBytes int64
	// MaxEntries bounds the number of entries for the lru policy.
	MaxEntries int
}

type ramTier interface {
	Get(key string) (Entry, bool)
	Put(key string, ent Entry)
	Delete(key string)
	Purge()
	Len() int
	TotalSize() int64
}

func newRAMTier(cfg RAMConfig) (ramTier, error) {
	if cfg.MaxBytes <= 0 {
		return noRAM{}, nil
	}
	switch cfg.Policy {
	case "", "lru":
		n := cfg.MaxEntries
		if n <= 0 {
			n = 4096
		}
		return newLRUTier(n, cfg.MaxBytes)
	case "lfu":
		return newLFUTier(cfg.MaxBytes)
	default:
		return nil, fmt.Errorf("unknown ram policy %q", cfg.Policy)
	}
}

func entrySize(ent Entry) int64 {
	n := int64(len(ent.Body))
	for _, f := range ent.Header {
		n += int64(len(f.Name) + len(f.Value))
	}
	return n
}

type noRAM struct{}

func (noRAM) Get(string) (Entry, bool) { return Entry{}, false }
func (noRAM) Put(string, Entry)        {}
func (noRAM) Delete(string)            {}
func (noRAM) Purge()                   {}
func (noRAM) Len() int                 { return 0 }
func (noRAM) TotalSize() int64         { return 0 }

// ---- lru ----

type lruTier struct {
	maxBytes int64

	mu    sync.Mutex
	total int64
	c     *lru.Cache[string, Entry]
}

func newLRUTier(maxEntries int, maxBytes int64) (*lruTier, error) {
	t := &lruTier{maxBytes: maxBytes}
	c, err := lru.NewWithEvict[string, Entry](maxEntries, func(_ string, ent Entry) {
		// Called with t.mu held: every mutation of c goes through the tier.
		t.total -= entrySize(ent)
	})
	if err != nil {
		return nil, err
	}
	t.c = c
	return t, nil
}

func (t *lruTier) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Get(key)
}

func (t *lruTier) Put(key string, ent Entry) {
	sz := entrySize(ent)
	if sz > t.maxBytes {
		// too big for RAM, LevelDB still has it
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Remove(key)
	for t.total+sz > t.maxBytes && t.c.Len() > 0 {
		t.c.RemoveOldest()
	}
	t.c.Add(key, ent)
	t.total += sz
}

func (t *lruTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Remove(key)
}

func (t *lruTier) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Purge()
}

func (t *lruTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Len()
}

func (t *lruTier) TotalSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ---- lfu ----

type lfuTier struct {
	c *ristretto.Cache
}

func newLFUTier(maxBytes int64) (*lfuTier, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &lfuTier{c: c}, nil
}

func (t *lfuTier) Get(key string) (Entry, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return Entry{}, false
	}
	ent, ok := v.(Entry)
	return ent, ok
}

func (t *lfuTier) Put(key string, ent Entry) {
	t.c.Set(key, ent, entrySize(ent))
	// Sets are buffered; make the entry visible to the next Get.
	t.c.Wait()
}

func (t *lfuTier) Delete(key string) { t.c.Del(key) }

func (t *lfuTier) Purge() { t.c.Clear() }

func (t *lfuTier) Len() int {
	m := t.c.Metrics
	if m == nil {
		return 0
	}
	return int(m.KeysAdded() - m.KeysEvicted())
}

func (t *lfuTier) TotalSize() int64 {
	m := t.c.Metrics
	if m == nil {
		return 0
	}
	return int64(m.CostAdded() - m.CostEvicted())
}
