// Package mq provides a RabbitMQ publisher with automatic reconnection and
// publisher confirms.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/eems/pkg/metrics"
)

// Config holds the publisher configuration.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.MQMetrics // optional
	URL     string
	Queue   string
	AppID   string
	Durable bool
}

// Client publishes messages to a single queue. A background goroutine keeps
// the connection and channel alive.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	metrics         *metrics.MQMetrics
	queueName       string
	appID           string
	durable         bool
	isReady         bool
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// New creates a publisher and starts connecting in the background.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue cannot be empty")
	}

	client := &Client{
		m:         &sync.Mutex{},
		logger:    cfg.Logger.With("queue", cfg.Queue),
		metrics:   cfg.Metrics,
		queueName: cfg.Queue,
		appID:     cfg.AppID,
		durable:   cfg.Durable,
		done:      make(chan struct{}),
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// Ready reports whether the channel is currently usable.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

// handleReconnect waits for a connection error on notifyConnClose and then
// keeps trying to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.m.Lock()
	client.connection = conn
	client.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(client.notifyConnClose)
	client.m.Unlock()

	client.logger.Info("connected")
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}
	return conn, nil
}

// handleReInit waits for a channel error and then re-initializes the
// channel. It returns true once the client is closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a channel in confirm mode and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		client.queueName,
		client.durable,
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	client.m.Lock()
	client.channel = ch
	client.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(client.notifyChanClose)
	client.isReady = true
	client.m.Unlock()

	client.logger.Info("client init done")
	return nil
}

// Push publishes data and waits for the broker to confirm it. While the
// client is disconnected, or the broker nacks the message, it retries with
// exponential backoff up to maxRetryAttempts times.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "max_attempts", maxRetryAttempts)
			client.fail("max_retries_exceeded")
			return errMaxRetriesExceeded
		}
		if attempt > 0 {
			if err := client.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*backoffMultiplier, maxBackoff)
		}

		if !client.Ready() {
			client.logger.Debug("not connected, waiting for reconnection", "backoff", backoff, "retry_count", attempt)
			continue
		}

		confirm, err := client.publish(ctx, data)
		if err != nil {
			client.logger.Warn("push failed, retrying with backoff", "error", err, "retry_count", attempt)
			continue
		}

		acked, err := client.await(ctx, confirm)
		if err != nil {
			return err
		}
		if acked {
			if client.metrics != nil {
				client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
			}
			client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "retry_count", attempt)
			return nil
		}
		client.logger.Warn("push not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag)
	}
}

// await blocks until the broker settles confirm. It gives up early when
// ctx ends or the client is closed.
func (client *Client) await(ctx context.Context, confirm *amqp.DeferredConfirmation) (bool, error) {
	select {
	case <-ctx.Done():
		client.fail("context_canceled")
		return false, ctx.Err()
	case <-client.done:
		return false, errShutdown
	case <-confirm.Done():
		return confirm.Acked(), nil
	}
}

func (client *Client) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case <-time.After(d):
		return nil
	}
}

func (client *Client) fail(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// UnsafePush publishes without waiting for a confirmation. It fails fast
// when the client is not connected.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	_, err := client.publish(ctx, data)
	return err
}

// publish sends data on the current channel. The library tracks the
// returned confirmation, so unread confirmations never stall the
// connection.
func (client *Client) publish(ctx context.Context, data []byte) (*amqp.DeferredConfirmation, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			AppId:       client.appID,
			Timestamp:   time.Now().UTC(),
			Body:        data,
		},
	)
}

// Close stops the reconnect loop and shuts down the channel and connection.
func (client *Client) Close() error {
	closed := false
	client.closeOnce.Do(func() {
		close(client.done)
		closed = true
	})
	if !closed {
		return errAlreadyClosed
	}

	client.m.Lock()
	defer client.m.Unlock()

	wasReady := client.isReady
	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}
	if !wasReady {
		return nil
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
