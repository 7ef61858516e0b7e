package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/eems/internal/simulator"
	"procodus.dev/eems/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated energy meters",
	Long: `Run simulated energy meters that:
- Connect to the gateway's WebSocket ingress, one connection per RTU
- Send a reading every interval with a daily load cycle
- Accumulate monthly and yearly energy counters
- Reconnect with exponential backoff when the gateway goes away`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.String("url", "ws://localhost:10000/ws", "gateway WebSocket URL")
	f.Int("meters", 3, "number of simulated RTUs")
	f.Int("first-rtu", 1, "number of the first RTU id")
	f.Duration("interval", 5*time.Second, "interval between frames of one meter")
	f.Uint64("seed", 0, "seed for reproducible meter profiles (0 is random)")

	_ = viper.BindPFlag("simulate.url", f.Lookup("url"))
	_ = viper.BindPFlag("simulate.meters", f.Lookup("meters"))
	_ = viper.BindPFlag("simulate.first_rtu", f.Lookup("first-rtu"))
	_ = viper.BindPFlag("simulate.interval", f.Lookup("interval"))
	_ = viper.BindPFlag("simulate.seed", f.Lookup("seed"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger("eems-simulator")
	logger.Info("starting meter simulator")

	config := &simulator.ServerConfig{
		Logger:     logger,
		Metrics:    metrics.NewSimulatorMetrics(metrics.Namespace),
		URL:        viper.GetString("simulate.url"),
		MeterCount: viper.GetInt("simulate.meters"),
		FirstRTU:   viper.GetInt("simulate.first_rtu"),
		Interval:   viper.GetDuration("simulate.interval"),
		Seed:       viper.GetUint64("simulate.seed"),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
