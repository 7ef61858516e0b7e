package registry

import "procodus.dev/eems/pkg/telemetry"

// ring is a fixed-capacity FIFO of readings. Appending to a full ring
// overwrites the oldest entry.
type ring struct {
	items []*telemetry.Reading
	head  int // index of the oldest entry
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]*telemetry.Reading, capacity)}
}

func (r *ring) push(reading *telemetry.Reading) {
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = reading
		r.size++
		return
	}
	r.items[r.head] = reading
	r.head = (r.head + 1) % len(r.items)
}

func (r *ring) latest() (*telemetry.Reading, bool) {
	if r.size == 0 {
		return nil, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// slice copies the contents oldest-first.
func (r *ring) slice() []*telemetry.Reading {
	out := make([]*telemetry.Reading, r.size)
	for i := range out {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}
