// Package testcontainers starts the PostgreSQL and RabbitMQ containers
// used by the end-to-end suites.
package testcontainers

import (
	"cmp"
	"context"
	"fmt"
	"net/url"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// BrokerConfig selects the credentials and virtual host of the relay
// broker. Empty fields take the defaults eems/eems on vhost "eems".
type BrokerConfig struct {
	User          string
	Password      string
	VHost         string
	ContainerName string
}

// Broker is a running RabbitMQ container that the relay publishes to.
type Broker struct {
	Container testcontainers.Container
	// URL is the AMQP URL of the broker's virtual host.
	URL string
}

// Terminate stops the container.
func (b *Broker) Terminate(ctx context.Context) error {
	return b.Container.Terminate(ctx)
}

// StartBroker starts RabbitMQ with a dedicated virtual host and waits until
// it accepts AMQP connections.
func StartBroker(ctx context.Context, cfg BrokerConfig) (*Broker, error) {
	cfg.User = cmp.Or(cfg.User, "eems")
	cfg.Password = cmp.Or(cfg.Password, "eems")
	cfg.VHost = cmp.Or(cfg.VHost, "eems")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-alpine",
			ExposedPorts: []string{"5672/tcp"},
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER":  cfg.User,
				"RABBITMQ_DEFAULT_PASS":  cfg.Password,
				"RABBITMQ_DEFAULT_VHOST": cfg.VHost,
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			),
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start broker: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "5672/tcp", "")
	if err != nil {
		return nil, terminate(ctx, container, fmt.Errorf("broker endpoint: %w", err))
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   endpoint,
		Path:   "/" + cfg.VHost,
	}
	return &Broker{Container: container, URL: u.String()}, nil
}

