// Package notify is the outbound messaging gateway. Alert messages are
// published to an MQTT topic consumed by an external SMS bridge;
// delivery guarantees are the bridge's problem, not ours. The gateway
// also carries the inbound resync signal on a second topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/freezewatch/internal/alert"
	"github.com/chaz8081/freezewatch/internal/config"
)

const publishTimeout = 5 * time.Second

// Gateway is the MQTT-backed messaging gateway.
type Gateway struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Compile-time check that Gateway satisfies the throttler's notifier.
var _ alert.Notifier = (*Gateway)(nil)

// NewGateway creates a gateway for the given broker settings.
func NewGateway(cfg config.MQTTConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		g.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		g.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	g.client = mqtt.NewClient(opts)
	return g
}

// Connect establishes the broker connection, waiting for the initial
// attempt while respecting ctx and Disconnect.
func (g *Gateway) Connect(ctx context.Context) error {
	select {
	case <-g.stopCh:
		return fmt.Errorf("gateway stopped")
	default:
	}

	if g.IsConnected() {
		return nil
	}

	token := g.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopCh:
			return fmt.Errorf("gateway stopped")
		default:
		}
	}
}

// Send publishes one alert message. Fire-and-forget from the caller's
// perspective: an error here is logged upstream and never retried.
func (g *Gateway) Send(msg alert.Message) error {
	if !g.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert message: %w", err)
	}

	token := g.client.Publish(g.cfg.AlertTopic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", g.cfg.AlertTopic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish alert: %w", token.Error())
	}

	g.logger.Debug("published alert", "topic", g.cfg.AlertTopic, "kind", msg.Kind, "id", msg.ID)
	return nil
}

// SubscribeResync registers a handler for the inbound resync signal.
// Any payload on the resync topic counts as one signal.
func (g *Gateway) SubscribeResync(handler func()) error {
	token := g.client.Subscribe(g.cfg.ResyncTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		g.logger.Info("resync signal received", "topic", m.Topic())
		handler()
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", g.cfg.ResyncTopic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe resync: %w", token.Error())
	}
	return nil
}

// IsConnected returns whether the gateway is connected to the broker.
func (g *Gateway) IsConnected() bool {
	g.mu.RLock()
	connected := g.connected
	g.mu.RUnlock()
	return connected && g.client.IsConnected()
}

// Disconnect stops the gateway and closes the broker connection.
// Idempotent; after Disconnect, Connect returns an error.
func (g *Gateway) Disconnect() {
	g.stopOnce.Do(func() { close(g.stopCh) })

	if g.client != nil {
		g.client.Disconnect(250)
	}

	g.setConnected(false)
	g.logger.Info("mqtt disconnected")
}

func (g *Gateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}
