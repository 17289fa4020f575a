// Package monitor owns the connection lifecycle to the single configured
// freezer sensor: discovery, attach, attribute resolution, subscription,
// and recovery from link loss. Every event that can alter connection
// state or alert timer state is serialized through one event channel
// consumed by one goroutine, so no two such events race.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/freezewatch/internal/ble"
	"github.com/chaz8081/freezewatch/internal/telemetry"
)

// Alerter consumes decoded readings and connectivity transitions. The
// monitor calls it only from the serialized event loop.
type Alerter interface {
	HandleReading(r *telemetry.Reading, now time.Time)
	HandleLinkRestored(now time.Time)
	HandleLinkLost(now time.Time)
	HandleResync(now time.Time)
}

// Options configures a Monitor.
type Options struct {
	Address            string // peripheral address
	ServiceUUID        string
	CharacteristicUUID string // telemetry characteristic, also the payload routing tag
	ConnectTimeout     time.Duration
	BackoffMaxSeconds  int // cap for the discovery-restart backoff
}

type eventKind int

const (
	evFound eventKind = iota
	evScanFailed
	evAttachOK
	evAttachFailed
	evAttrsResolved
	evSubscribed
	evSubscribeFailed
	evLinkLost
	evPayload
	evResync
	evRestart
)

type event struct {
	kind     eventKind
	dev      ble.Device
	conn     ble.Connection
	char     ble.Characteristic
	err      error
	charUUID string
	payload  []byte
	at       time.Time
}

// Monitor drives the connection lifecycle state machine.
type Monitor struct {
	adapter ble.Adapter
	decoder *telemetry.Decoder
	alerter Alerter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	events chan event
	done   chan struct{}
	once   sync.Once

	// stateMu guards state for cross-goroutine reads; everything else
	// below is owned exclusively by the run loop.
	stateMu sync.Mutex
	state   State

	conn          ble.Connection
	subscriptions map[string]bool
	attempt       int
	discovery     *discoveryDriver
}

// New creates a Monitor. The alerter must not be nil.
func New(adapter ble.Adapter, alerter Alerter, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		adapter:       adapter,
		decoder:       telemetry.NewDecoder(opts.CharacteristicUUID),
		alerter:       alerter,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
		events:        make(chan event, 32),
		done:          make(chan struct{}),
		subscriptions: make(map[string]bool),
	}
	m.discovery = &discoveryDriver{m: m}
	return m
}

// Run enables the adapter, starts discovery, and processes events until
// ctx is cancelled. On exit the link is detached and all subscriptions
// cleared.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("monitor: enable adapter: %w", err)
	}

	defer m.once.Do(func() { close(m.done) })
	defer m.detach()

	m.logger.Info("monitor started", "address", m.opts.Address)
	m.discovery.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

// Resync makes the next qualifying reading immediately eligible for a
// heartbeat. Safe to call from any goroutine.
func (m *Monitor) Resync() {
	m.post(event{kind: evResync})
}

// CurrentState returns the active connection state.
func (m *Monitor) CurrentState() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.stateMu.Lock()
	old := m.state
	m.state = s
	m.stateMu.Unlock()
	if old != s {
		m.logger.Debug("state transition", "from", old, "to", s)
	}
}

// post delivers an event to the run loop, dropping it if the loop has
// already exited.
func (m *Monitor) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// handle processes one event. Called only from the run loop.
func (m *Monitor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evFound:
		if m.CurrentState() != StateScanning {
			return
		}
		m.discovery.stop()
		m.setState(StateConnecting)
		m.logger.Info("peripheral found", "address", ev.dev.Address, "name", ev.dev.Name, "rssi", ev.dev.RSSI)
		go m.attach(ctx, ev.dev)

	case evScanFailed:
		if m.CurrentState() != StateScanning {
			return
		}
		m.discovery.stop()
		m.logger.Warn("discovery failed", "error", ev.err)
		m.setState(StateDisconnected)
		m.scheduleRestart()

	case evAttachOK:
		if m.CurrentState() != StateConnecting {
			// Stale completion (e.g. teardown raced the attach). Release the link.
			_ = ev.conn.Disconnect()
			return
		}
		m.conn = ev.conn
		m.setState(StateAttached)
		ev.conn.OnDisconnect(func() {
			m.post(event{kind: evLinkLost})
		})
		go m.resolveAttributes(ev.conn)

	case evAttachFailed:
		m.logger.Warn("attach failed", "error", ev.err)
		m.discovery.stop()
		m.dropLink()
		m.setState(StateDisconnected)
		m.scheduleRestart()

	case evAttrsResolved:
		if m.CurrentState() != StateAttached {
			return
		}
		m.setState(StateAttributesDiscovered)
		go m.subscribe(ev.char)

	case evSubscribed:
		if m.CurrentState() != StateAttributesDiscovered {
			return
		}
		m.subscriptions[ev.char.UUID()] = true
		m.attempt = 0
		m.logger.Info("subscribed to telemetry", "characteristic", ev.char.UUID())
		m.alerter.HandleLinkRestored(m.now())
		m.setState(StateSubscribed)

	case evSubscribeFailed:
		m.logger.Warn("subscribe failed", "error", ev.err)
		m.dropLink()
		m.setState(StateDisconnected)
		m.scheduleRestart()

	case evLinkLost:
		if !m.CurrentState().linkActive() {
			return
		}
		m.logger.Warn("link lost", "address", m.opts.Address)
		m.dropLink()
		m.alerter.HandleLinkLost(m.now())
		m.setState(StateDisconnected)
		// Connectivity loss restarts discovery immediately, without backoff.
		m.attempt = 0
		m.setState(StateIdle)
		m.discovery.start(ctx)

	case evPayload:
		if m.CurrentState() != StateSubscribed {
			return
		}
		reading, err := m.decoder.Decode(ev.charUUID, ev.payload, ev.at)
		if err != nil {
			// Malformed sample: dropped, no alert timer advances.
			m.logger.Warn("dropping telemetry sample", "error", err)
			return
		}
		if reading == nil {
			m.logger.Debug("ignoring payload from foreign characteristic", "characteristic", ev.charUUID)
			return
		}
		m.alerter.HandleReading(reading, ev.at)

	case evResync:
		m.alerter.HandleResync(m.now())

	case evRestart:
		s := m.CurrentState()
		if s != StateDisconnected && s != StateIdle {
			return
		}
		m.setState(StateIdle)
		m.discovery.start(ctx)
	}
}

// attach connects to the found peripheral under a per-attempt timeout.
func (m *Monitor) attach(ctx context.Context, dev ble.Device) {
	attachCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.adapter.Connect(attachCtx, dev.Address)
	if err != nil {
		m.post(event{kind: evAttachFailed, err: err})
		return
	}
	m.post(event{kind: evAttachOK, conn: conn})
}

// resolveAttributes locates the configured service and characteristic on
// the attached peripheral. Not finding them is an attach failure.
func (m *Monitor) resolveAttributes(conn ble.Connection) {
	char, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.CharacteristicUUID)
	if err != nil {
		m.post(event{kind: evAttachFailed, err: fmt.Errorf("resolve attributes: %w", err)})
		return
	}
	m.post(event{kind: evAttrsResolved, char: char})
}

// subscribe enables notifications on the telemetry characteristic.
// Notification callbacks arrive on the BLE stack's goroutine and are
// posted into the event queue with a capture timestamp.
func (m *Monitor) subscribe(char ble.Characteristic) {
	err := char.Subscribe(func(data []byte) {
		m.post(event{
			kind:     evPayload,
			charUUID: char.UUID(),
			payload:  append([]byte(nil), data...),
			at:       m.now(),
		})
	})
	if err != nil {
		m.post(event{kind: evSubscribeFailed, err: err})
		return
	}
	m.post(event{kind: evSubscribed, char: char})
}

// scheduleRestart arms a one-shot restart of discovery after the current
// backoff delay.
func (m *Monitor) scheduleRestart() {
	delay := backoffDelay(m.attempt, m.opts.BackoffMaxSeconds)
	m.attempt++
	m.logger.Info("restarting discovery", "attempt", m.attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		m.post(event{kind: evRestart})
	})
}

// dropLink releases the current connection, if any, and clears the
// subscription registry.
func (m *Monitor) dropLink() {
	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			m.logger.Debug("disconnect", "error", err)
		}
		m.conn = nil
	}
	clear(m.subscriptions)
}

// detach releases the link and clears all subscriptions. Safe to call
// from any state, including Idle.
func (m *Monitor) detach() {
	m.discovery.stop()
	m.dropLink()
	m.setState(StateIdle)
}
