package offline0

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger emits at most one warning per interval and counts the
// ones it swallowed in between.
type rateLimitedLogger struct {
	log      *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	l.log.Warn(msg, args...)
}
