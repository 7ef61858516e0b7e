package mq

import (
	"context"
)

// Publisher is the subset of Client used by the broadcast relay.
type Publisher interface {
	// Push publishes data and blocks until the broker confirms it.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes data without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Close shuts down the channel and connection.
	Close() error
}

var _ Publisher = (*Client)(nil)
