package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/eems/pkg/metrics"
)

// Memory is a Store that keeps documents in process memory.
type Memory struct {
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
	docs    map[DocRef]map[string]any
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory store. m may be nil.
func NewMemory(logger *slog.Logger, m *metrics.StoreMetrics) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:  logger,
		metrics: m,
		docs:    make(map[DocRef]map[string]any),
	}
}

// Commit applies updates to copies of the touched documents and swaps them
// in together, so readers never observe a partial batch.
func (s *Memory) Commit(ctx context.Context, updates []Update) error {
	start := time.Now()
	err := s.commit(ctx, updates)
	s.observe("commit", start, err)
	if err == nil && s.metrics != nil {
		s.metrics.UpdatesApplied.Add(float64(len(updates)))
	}
	return err
}

func (s *Memory) commit(ctx context.Context, updates []Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(updates); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, groups := groupByDoc(updates)
	staged := make(map[DocRef]map[string]any, len(order))
	for _, ref := range order {
		doc := clone(s.docs[ref])
		for _, u := range groups[ref] {
			apply(doc, u.Path, u.Value)
		}
		staged[ref] = doc
	}
	for ref, doc := range staged {
		s.docs[ref] = doc
	}

	s.logger.Debug("committed batch", "documents", len(order), "updates", len(updates))
	return nil
}

// Get returns a deep copy of the document.
func (s *Memory) Get(ctx context.Context, ref DocRef) (Document, bool, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		s.observe("get", start, err)
		return nil, false, err
	}

	s.mu.RLock()
	doc, ok := s.docs[ref]
	var out Document
	if ok {
		out = Document(clone(doc))
	}
	s.mu.RUnlock()

	s.observe("get", start, nil)
	return out, ok, nil
}

// Close is a no-op.
func (s *Memory) Close() error {
	return nil
}

func (s *Memory) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues(op, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
