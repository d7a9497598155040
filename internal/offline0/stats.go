package offline0

import (
	"sync"
)

// servedStats tallies how requests were answered, for the periodic stats line.
// Body sizes are tracked only for responses that came from or went into the cache.
type servedStats struct {
	mu      sync.Mutex
	sources map[string]uint64

	cached   uint64
	bytes    uint64
	minBytes uint64
	maxBytes uint64
}

type servedSnapshot struct {
	Sources  map[string]uint64
	Cached   uint64
	MinBytes uint64
	AvgBytes uint64
	MaxBytes uint64
}

func newServedStats() *servedStats {
	return &servedStats{sources: map[string]uint64{}}
}

func (s *servedStats) Observe(source string, bodyBytes int) {
	n := uint64(max(bodyBytes, 0))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[source]++
	switch source {
	case "hit", "miss", "stale":
	default:
		return
	}
	if s.cached == 0 || n < s.minBytes {
		s.minBytes = n
	}
	s.maxBytes = max(s.maxBytes, n)
	s.cached++
	s.bytes += n
}

func (s *servedStats) Snapshot() servedSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := servedSnapshot{Sources: make(map[string]uint64, len(s.sources))}
	for k, v := range s.sources {
		out.Sources[k] = v
	}
	if s.cached > 0 {
		out.Cached = s.cached
		out.MinBytes = s.minBytes
		out.MaxBytes = s.maxBytes
		out.AvgBytes = s.bytes / s.cached
	}
	return out
}
