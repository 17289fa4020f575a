package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/freezewatch/internal/alert"
	"github.com/chaz8081/freezewatch/internal/ble"
	"github.com/chaz8081/freezewatch/internal/config"
	"github.com/chaz8081/freezewatch/internal/logging"
	"github.com/chaz8081/freezewatch/internal/monitor"
	"github.com/chaz8081/freezewatch/internal/notify"
)

var version = "dev"

const appName = "freezewatch"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/freezewatch/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"device", cfg.Device.Address,
		"threshold_c", cfg.Alert.WarningThresholdC,
		"heartbeat_at", cfg.Alert.HeartbeatAt,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}

func run(ctx context.Context, cfg *config.Config) error {
	gateway := notify.NewGateway(cfg.MQTT, slog.Default())
	if err := gateway.Connect(ctx); err != nil {
		return fmt.Errorf("messaging gateway: %w", err)
	}
	defer gateway.Disconnect()

	heartbeatHour, heartbeatMinute, err := config.ParseTimeOfDay(cfg.Alert.HeartbeatAt)
	if err != nil {
		return fmt.Errorf("heartbeat time: %w", err)
	}

	throttler := alert.NewThrottler(gateway, alert.Options{
		WarningThresholdC: cfg.Alert.WarningThresholdC,
		Cooldown:          cfg.Alert.Cooldown(),
		MessageGap:        cfg.Alert.MessageGap(),
		HeartbeatHour:     heartbeatHour,
		HeartbeatMinute:   heartbeatMinute,
		Destination:       cfg.Alert.Destination,
	}, slog.Default(), time.Now())

	m := monitor.New(ble.NewBlueZAdapter(), throttler, monitor.Options{
		Address:            cfg.Device.Address,
		ServiceUUID:        cfg.Device.ServiceUUID,
		CharacteristicUUID: cfg.Device.CharacteristicUUID,
		ConnectTimeout:     cfg.BLE.ConnectTimeout(),
		BackoffMaxSeconds:  cfg.BLE.BackoffMaxSeconds,
	}, slog.Default())

	// The resync signal forces the next qualifying reading to carry a
	// heartbeat; it flows through the monitor's event queue like every
	// other timer-affecting event.
	if err := gateway.SubscribeResync(m.Resync); err != nil {
		return fmt.Errorf("resync subscription: %w", err)
	}

	return m.Run(ctx)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return nil, fmt.Errorf("no config file found at %s (device identity and alert destination are required)", defaultPath)
}
