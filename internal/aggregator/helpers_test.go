package aggregator_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/telemetry"
)

var ict = time.FixedZone("ICT", 7*60*60)

func at(day, hour, minute, second int) time.Time {
	return time.Date(2024, time.May, day, hour, minute, second, 0, ict)
}

// recordingStore wraps the memory store, recording committed batches and
// optionally failing or panicking.
type recordingStore struct {
	*store.Memory
	failWith error
	panicFor string
	commits  [][]store.Update
	gets     []store.DocRef
	mu       sync.Mutex
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: store.NewMemory(slog.New(slog.DiscardHandler), nil)}
}

func (s *recordingStore) Commit(ctx context.Context, updates []store.Update) error {
	s.mu.Lock()
	failWith, panicFor := s.failWith, s.panicFor
	s.mu.Unlock()

	if panicFor != "" && len(updates) > 0 && updates[0].Path[0] == panicFor {
		panic("boom")
	}
	if failWith != nil {
		return failWith
	}
	if err := s.Memory.Commit(ctx, updates); err != nil {
		return err
	}

	s.mu.Lock()
	s.commits = append(s.commits, updates)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) Get(ctx context.Context, ref store.DocRef) (store.Document, bool, error) {
	s.mu.Lock()
	s.gets = append(s.gets, ref)
	s.mu.Unlock()
	return s.Memory.Get(ctx, ref)
}

func (s *recordingStore) fail(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// commitsFor counts committed batches whose first update targets rtuID.
func (s *recordingStore) commitsFor(rtuID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.commits {
		if len(batch) > 0 && batch[0].Path[0] == rtuID {
			n++
		}
	}
	return n
}

func (s *recordingStore) value(collection, id string, path ...string) any {
	doc, ok, _ := s.Memory.Get(context.Background(), store.DocRef{Collection: collection, ID: id})
	if !ok {
		return nil
	}
	v, _ := doc.Lookup(path...)
	return v
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&syncWriter{w: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

type syncWriter struct {
	w  *bytes.Buffer
	mu sync.Mutex
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func meterReading(customer string, power, monthly, yearly float64, categories ...telemetry.Category) *telemetry.Reading {
	r := &telemetry.Reading{Customer: customer}
	load := func() *telemetry.Load {
		return &telemetry.Load{
			ActivePower:   telemetry.Number(power),
			EnergyMonthly: telemetry.Number(monthly),
			EnergyYearly:  telemetry.Number(yearly),
		}
	}
	for _, c := range categories {
		switch c {
		case telemetry.Main:
			r.Main = load()
		case telemetry.AirCon:
			r.AirCon = load()
		case telemetry.Lighting:
			r.Lighting = load()
		case telemetry.Plug:
			r.Plug = load()
		case telemetry.Other:
			r.Other = load()
		}
	}
	return r
}
