package admission

import (
	"strings"
	"sync"
	"time"
)

const (
	sweepInterval = 5 * time.Minute
	// Identifiers idle longer than this are dropped by the sweeper.
	idleHorizon = 10 * time.Minute
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter admits or rejects calls per identifier over a sliding window.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// KeyFor derives the admission identifier for a call. API keys take
// precedence over user IDs. An empty return means the call carries no
// identifier and bypasses admission.
func KeyFor(apiKey, userID string) string {
	if k := strings.TrimSpace(apiKey); k != "" {
		return "key:" + k
	}
	if u := strings.TrimSpace(userID); u != "" {
		return "user:" + u
	}
	return ""
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	stopCh  chan struct{}
	once    sync.Once

	now func() time.Time
}

// NewMemoryLimiter returns an in-process sliding-window limiter.
func NewMemoryLimiter() Limiter {
	l := &memoryLimiter{
		entries: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.sweepLoop()
	return l
}

func (l *memoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.entries[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		l.entries[key] = kept
		retry := kept[0].Sub(cutoff)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Count: len(kept), RetryAfter: retry}
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return Decision{Allowed: true, Count: len(kept)}
}

func (l *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(l.now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLimiter) cleanup(now time.Time) {
	horizon := now.Add(-idleHorizon)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stamps := range l.entries {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(horizon) {
			delete(l.entries, key)
		}
	}
}

func (l *memoryLimiter) Close() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}
