// Package registry holds the in-memory state of every meter seen since the
// process started: a bounded history of readings and the last time each
// meter was heard from.
package registry

import (
	"slices"
	"sync"

	"procodus.dev/eems/pkg/telemetry"
)

// DefaultCapacity is the number of readings retained per RTU.
const DefaultCapacity = 1000

// Registry owns the per-RTU reading buffers. Entries are created on the
// first reading from an RTU and live for the lifetime of the process.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	devices  map[string]*device
}

type device struct {
	buffer   *ring
	customer string
}

// New creates a Registry retaining capacity readings per RTU. A
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		devices:  make(map[string]*device),
	}
}

// Record appends reading to the RTU's buffer, evicting the oldest reading
// once the buffer is full.
func (r *Registry) Record(rtuID string, reading *telemetry.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[rtuID]
	if !ok {
		d = &device{buffer: newRing(r.capacity)}
		r.devices[rtuID] = d
	}
	d.buffer.push(reading)
	if reading.Customer != "" {
		d.customer = reading.CustomerName()
	}
}

// Latest returns the most recent reading for rtuID.
func (r *Registry) Latest(rtuID string) (*telemetry.Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[rtuID]
	if !ok {
		return nil, false
	}
	return d.buffer.latest()
}

// History returns the buffered readings for rtuID, oldest first.
func (r *Registry) History(rtuID string) ([]*telemetry.Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[rtuID]
	if !ok {
		return nil, false
	}
	return d.buffer.slice(), true
}

// KnownRTUIDs returns a sorted snapshot of every RTU seen so far.
func (r *Registry) KnownRTUIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// CustomerName returns the last customer name seen for rtuID, or
// telemetry.UnknownCustomer.
func (r *Registry) CustomerName(rtuID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.devices[rtuID]; ok && d.customer != "" {
		return d.customer
	}
	return telemetry.UnknownCustomer
}

// Snapshot copies every buffer, keyed by RTU id.
func (r *Registry) Snapshot() map[string][]*telemetry.Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*telemetry.Reading, len(r.devices))
	for id, d := range r.devices {
		out[id] = d.buffer.slice()
	}
	return out
}

// Len reports how many RTUs are known.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
