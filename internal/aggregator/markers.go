package aggregator

import (
	"errors"
	"sync"
)

// Kind names a bucket family.
type Kind string

// Bucket kinds.
const (
	KindEnergy Kind = "energy"
	KindPower  Kind = "power"
)

var (
	errCommitted = errors.New("bucket already committed")
	errInFlight  = errors.New("bucket commit in flight")
)

type markerKey struct {
	rtuID string
	kind  Kind
	key   string
}

type seriesKey struct {
	rtuID string
	kind  Kind
}

// Markers remembers which buckets this process has already written. It is
// a fast path only: the markers do not survive a restart.
//
// A writer claims a bucket, commits it on success and always releases the
// claim, so two triggers racing on the same bucket cannot both write.
//
// Bucket keys are fixed-width local dates and times, so they sort in time
// order. Only the latest committed key per RTU and kind is kept; it also
// covers every earlier bucket.
type Markers struct {
	latest   map[seriesKey]string
	inFlight map[markerKey]struct{}
	mu       sync.Mutex
}

// NewMarkers creates an empty marker set.
func NewMarkers() *Markers {
	return &Markers{
		latest:   make(map[seriesKey]string),
		inFlight: make(map[markerKey]struct{}),
	}
}

// Claim reserves the bucket for the caller. It fails when the bucket is
// already committed or another writer holds it.
func (m *Markers) Claim(rtuID string, kind Kind, key string) error {
	k := markerKey{rtuID, kind, key}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.committed(k) {
		return errCommitted
	}
	if _, ok := m.inFlight[k]; ok {
		return errInFlight
	}
	m.inFlight[k] = struct{}{}
	return nil
}

// Commit marks the bucket as written and drops the claim.
func (m *Markers) Commit(rtuID string, kind Kind, key string) {
	k := markerKey{rtuID, kind, key}

	m.mu.Lock()
	delete(m.inFlight, k)
	s := seriesKey{rtuID, kind}
	if last, ok := m.latest[s]; !ok || key > last {
		m.latest[s] = key
	}
	m.mu.Unlock()
}

// Release drops a claim. It does not undo Commit.
func (m *Markers) Release(rtuID string, kind Kind, key string) {
	m.mu.Lock()
	delete(m.inFlight, markerKey{rtuID, kind, key})
	m.mu.Unlock()
}

// Committed reports whether the bucket, or a later one of the same RTU and
// kind, was written by this process.
func (m *Markers) Committed(rtuID string, kind Kind, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed(markerKey{rtuID, kind, key})
}

// Len returns the number of committed series retained.
func (m *Markers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.latest)
}

func (m *Markers) committed(k markerKey) bool {
	last, ok := m.latest[seriesKey{k.rtuID, k.kind}]
	return ok && k.key <= last
}

func skipReason(err error) string {
	if errors.Is(err, errInFlight) {
		return "in_flight"
	}
	return "marker"
}
