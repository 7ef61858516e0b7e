// Package simulator drives simulated energy meters against the gateway's
// WebSocket ingress.
package simulator

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/eems/pkg/generator"
	"procodus.dev/eems/pkg/metrics"
)

const (
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
	writeTimeout      = 10 * time.Second
)

// Client streams one meter's readings over a WebSocket connection and
// reconnects with exponential backoff when it drops.
type Client struct {
	logger   *slog.Logger
	meter    *generator.Meter
	dialer   *websocket.Dialer
	metrics  *metrics.SimulatorMetrics
	url      string
	interval time.Duration
}

// NewClient creates a meter client. The caller owns meter.
func NewClient(logger *slog.Logger, url string, interval time.Duration, meter *generator.Meter, m *metrics.SimulatorMetrics) *Client {
	return &Client{
		logger:   logger.With("rtu_id", meter.Profile.RTUID),
		meter:    meter,
		dialer:   websocket.DefaultDialer,
		metrics:  m,
		url:      url,
		interval: interval,
	}
}

// Run keeps the meter connected and sending until ctx is done.
func (c *Client) Run(ctx context.Context) {
	rtuID := c.meter.Profile.RTUID
	backoff := initialBackoff

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = initialBackoff
		}
		c.logger.Warn("meter disconnected, reconnecting", "error", err, "backoff", backoff)
		if c.metrics != nil {
			c.metrics.Reconnects.WithLabelValues(rtuID).Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}
}

// session dials once and sends readings until the connection fails. It
// reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()

	rtuID := c.meter.Profile.RTUID
	if c.metrics != nil {
		c.metrics.ConnectedMeters.Inc()
		defer c.metrics.ConnectedMeters.Dec()
	}
	c.logger.Info("meter connected", "url", c.url)

	// Every session receives the gateway's broadcasts; they are discarded.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.send(conn); err != nil {
			if c.metrics != nil {
				c.metrics.SendFailures.WithLabelValues(rtuID).Inc()
			}
			return true, err
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-ticker.C:
		}
	}
}

func (c *Client) send(conn *websocket.Conn) error {
	frame, err := c.meter.Frame(time.Now())
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug("frame send failed", "error", err)
		return err
	}
	if c.metrics != nil {
		c.metrics.FramesSent.WithLabelValues(c.meter.Profile.RTUID).Inc()
	}
	return nil
}
