package registry

import (
	"sync"
	"time"
)

// DefaultOfflineTimeout is how long an RTU may stay silent before it is
// treated as offline.
const DefaultOfflineTimeout = 60 * time.Second

// Liveness tracks when each RTU last delivered a decodable reading.
type Liveness struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// NewLiveness creates an empty tracker.
func NewLiveness() *Liveness {
	return &Liveness{lastSeen: make(map[string]time.Time)}
}

// MarkAlive records now as the last time rtuID was heard from.
func (l *Liveness) MarkAlive(rtuID string, now time.Time) {
	l.mu.Lock()
	l.lastSeen[rtuID] = now
	l.mu.Unlock()
}

// LastSeen returns the last time rtuID was heard from.
func (l *Liveness) LastSeen(rtuID string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastSeen[rtuID]
	return t, ok
}

// IsOffline reports whether rtuID has never been seen, or was last seen
// more than timeout before now. Callers evaluating several RTUs in one pass
// should read now once and pass the same value to every call.
func (l *Liveness) IsOffline(rtuID string, now time.Time, timeout time.Duration) bool {
	last, ok := l.LastSeen(rtuID)
	if !ok {
		return true
	}
	return now.Sub(last) > timeout
}
