// Package hub fans raw telemetry frames out to every connected observer.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"procodus.dev/eems/pkg/metrics"
)

// DefaultBufferSize is the per-observer queue length.
const DefaultBufferSize = 16

// Observer kinds.
const (
	KindWebSocket = "websocket"
	KindStream    = "stream"
	KindRelay     = "relay"
)

// Config holds the hub configuration.
type Config struct {
	Logger     *slog.Logger
	Metrics    *metrics.GatewayMetrics // optional
	BufferSize int
}

// Subscription is one observer's view of the broadcast. C is closed when
// the subscription is removed.
type Subscription struct {
	C    <-chan []byte
	ch   chan []byte
	ID   string
	Kind string
}

// Hub delivers every broadcast payload to the observers that can take it
// without blocking. Observers that are not ready miss the frame.
type Hub struct {
	logger     *slog.Logger
	metrics    *metrics.GatewayMetrics
	subs       map[*Subscription]struct{}
	bufferSize int
	mu         sync.RWMutex
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		subs:       make(map[*Subscription]struct{}),
		bufferSize: cfg.BufferSize,
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe(kind string) *Subscription {
	return h.SubscribeBuffered(kind, h.bufferSize)
}

// SubscribeBuffered registers an observer with its own queue length.
func (h *Hub) SubscribeBuffered(kind string, size int) *Subscription {
	if size <= 0 {
		size = h.bufferSize
	}
	ch := make(chan []byte, size)
	sub := &Subscription{C: ch, ch: ch, ID: uuid.NewString(), Kind: kind}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveObservers.WithLabelValues(kind).Inc()
	}
	h.logger.Debug("observer subscribed", "observer_id", sub.ID, "kind", kind)
	return sub
}

// Unsubscribe removes the observer and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ActiveObservers.WithLabelValues(sub.Kind).Dec()
	}
	h.logger.Debug("observer unsubscribed", "observer_id", sub.ID, "kind", sub.Kind)
}

// Broadcast hands payload to every observer whose queue has room and
// returns how many received it. Observers share the slice and must not
// modify it.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	delivered, dropped := 0, 0
	for sub := range h.subs {
		select {
		case sub.ch <- payload:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.BroadcastDeliveries.Add(float64(delivered))
		h.metrics.BroadcastDrops.Add(float64(dropped))
	}
	if dropped > 0 {
		h.logger.Debug("observers not ready, frame skipped", "dropped", dropped)
	}
	return delivered
}

// Len reports the number of subscribed observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every observer.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}
