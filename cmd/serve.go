package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/eems/internal/aggregator"
	"procodus.dev/eems/internal/gateway"
	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry gateway",
	Long: `Run the telemetry gateway that:
- Accepts meter frames and observers on the /ws WebSocket endpoint
- Relays every frame to WebSocket, SSE and optional RabbitMQ observers
- Buffers the latest readings per RTU and serves them over HTTP and gRPC
- Writes ten-minute ActivePower snapshots and daily energy rollups`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.Int("http-port", 10000, "HTTP and WebSocket port")
	f.Int("grpc-port", 9090, "gRPC port (0 disables gRPC)")
	f.String("store", gateway.StorePostgres, "document store (postgres, memory)")
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "eems", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.String("rabbitmq-url", "", "RabbitMQ URL for the frame relay (empty disables it)")
	f.String("relay-queue", "eems-telemetry", "RabbitMQ queue receiving relayed frames")
	f.Bool("relay-confirm", false, "wait for broker confirms on relayed frames")
	f.String("timezone", aggregator.DefaultLocation, "timezone of the power slots and daily rollup")
	f.Duration("offline-timeout", registry.DefaultOfflineTimeout, "silence after which an RTU is zero-filled")
	f.Duration("poll-interval", gateway.DefaultPollInterval, "aggregator tick interval")
	f.Duration("daily-window", aggregator.DefaultDailyWindow, "window before midnight in which the daily rollup runs")
	f.String("energy-mode", aggregator.EnergyRaw, "daily energy reduction (raw, delta)")
	f.String("default-rtu", telemetry.DefaultRTUID, "RTU id for frames that do not name one")
	f.Int("buffer-capacity", registry.DefaultCapacity, "readings kept per RTU")

	_ = viper.BindPFlag("serve.http.port", f.Lookup("http-port"))
	_ = viper.BindPFlag("serve.grpc.port", f.Lookup("grpc-port"))
	_ = viper.BindPFlag("serve.store", f.Lookup("store"))
	_ = viper.BindPFlag("serve.db.host", f.Lookup("db-host"))
	_ = viper.BindPFlag("serve.db.port", f.Lookup("db-port"))
	_ = viper.BindPFlag("serve.db.user", f.Lookup("db-user"))
	_ = viper.BindPFlag("serve.db.password", f.Lookup("db-password"))
	_ = viper.BindPFlag("serve.db.name", f.Lookup("db-name"))
	_ = viper.BindPFlag("serve.db.sslmode", f.Lookup("db-sslmode"))
	_ = viper.BindPFlag("serve.rabbitmq.url", f.Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("serve.rabbitmq.queue", f.Lookup("relay-queue"))
	_ = viper.BindPFlag("serve.rabbitmq.confirm", f.Lookup("relay-confirm"))
	_ = viper.BindPFlag("serve.aggregator.timezone", f.Lookup("timezone"))
	_ = viper.BindPFlag("serve.aggregator.offline_timeout", f.Lookup("offline-timeout"))
	_ = viper.BindPFlag("serve.aggregator.poll_interval", f.Lookup("poll-interval"))
	_ = viper.BindPFlag("serve.aggregator.daily_window", f.Lookup("daily-window"))
	_ = viper.BindPFlag("serve.aggregator.energy_mode", f.Lookup("energy-mode"))
	_ = viper.BindPFlag("serve.default_rtu", f.Lookup("default-rtu"))
	_ = viper.BindPFlag("serve.buffer_capacity", f.Lookup("buffer-capacity"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger("eems-gateway")
	logger.Info("starting gateway service")

	config := &gateway.ServerConfig{
		Logger: logger,
		Metrics: gateway.Metrics{
			Gateway:    metrics.NewGatewayMetrics(metrics.Namespace),
			Aggregator: metrics.NewAggregatorMetrics(metrics.Namespace),
			Store:      metrics.NewStoreMetrics(metrics.Namespace),
			MQ:         metrics.NewMQMetrics(metrics.Namespace),
		},
		HTTPPort:       viper.GetInt("serve.http.port"),
		GRPCPort:       viper.GetInt("serve.grpc.port"),
		StoreKind:      viper.GetString("serve.store"),
		DBHost:         viper.GetString("serve.db.host"),
		DBPort:         viper.GetInt("serve.db.port"),
		DBUser:         viper.GetString("serve.db.user"),
		DBPassword:     viper.GetString("serve.db.password"),
		DBName:         viper.GetString("serve.db.name"),
		DBSSLMode:      viper.GetString("serve.db.sslmode"),
		RabbitMQURL:    viper.GetString("serve.rabbitmq.url"),
		RelayQueue:     viper.GetString("serve.rabbitmq.queue"),
		RelayConfirm:   viper.GetBool("serve.rabbitmq.confirm"),
		Timezone:       viper.GetString("serve.aggregator.timezone"),
		OfflineTimeout: viper.GetDuration("serve.aggregator.offline_timeout"),
		PollInterval:   viper.GetDuration("serve.aggregator.poll_interval"),
		DailyWindow:    viper.GetDuration("serve.aggregator.daily_window"),
		EnergyMode:     viper.GetString("serve.aggregator.energy_mode"),
		DefaultRTUID:   viper.GetString("serve.default_rtu"),
		BufferCapacity: viper.GetInt("serve.buffer_capacity"),
	}

	server, err := gateway.NewServer(config)
	if err != nil {
		logger.Error("failed to create gateway server", "error", err)
		return err
	}

	logger.Info("gateway server configuration",
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"store", config.StoreKind,
		"db_host", config.DBHost,
		"db_name", config.DBName,
		"relay_enabled", config.RabbitMQURL != "",
		"relay_queue", config.RelayQueue,
		"timezone", config.Timezone,
		"energy_mode", config.EnergyMode,
		"offline_timeout", config.OfflineTimeout,
		"poll_interval", config.PollInterval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("gateway server error", "error", err)
		return err
	}

	logger.Info("gateway server stopped")
	return nil
}
