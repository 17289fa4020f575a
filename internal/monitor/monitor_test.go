package monitor

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	testAddress     = "A4:C1:38:ED:C0:21"
	testServiceUUID = "0000181a-0000-1000-8000-00805f9b34fb"
	testCharUUID    = "00002a6e-0000-1000-8000-00805f9b34fb"
)

func testMonitorOptions() Options {
	return Options{
		Address:            testAddress,
		ServiceUUID:        testServiceUUID,
		CharacteristicUUID: testCharUUID,
		ConnectTimeout:     time.Second,
		BackoffMaxSeconds:  2,
	}
}

// startMonitor runs a monitor against the mock adapter until test cleanup.
func startMonitor(t *testing.T, adapter *mockAdapter, alerter *recordingAlerter) *Monitor {
	t.Helper()
	m := New(adapter, alerter, testMonitorOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
	return m
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHappyPathSubscribesAndEmitsSingleRecovery(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := startMonitor(t, adapter, alerter)

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	readings, restored, lost, _ := alerter.snapshot()
	if restored != 1 {
		t.Errorf("restored = %d, want exactly 1 recovery event", restored)
	}
	if lost != 0 {
		t.Errorf("lost = %d, want 0", lost)
	}
	if readings != 0 {
		t.Errorf("readings = %d, want 0 before any notification", readings)
	}

	scans, connects := adapter.counts()
	if scans != 1 || connects != 1 {
		t.Errorf("scans = %d, connects = %d, want 1 and 1", scans, connects)
	}
}

func TestNotificationDecodesToReading(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := startMonitor(t, adapter, alerter)

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	// Raw -200 little-endian: -12.5°C at 1/16° resolution.
	adapter.latestConnection().char.SimulateNotification([]byte{0x38, 0xFF})

	waitFor(t, 2*time.Second, func() bool {
		n, _, _, _ := alerter.snapshot()
		return n == 1
	}, "reading never reached the alerter")

	alerter.mu.Lock()
	got := alerter.readings[0].Celsius
	alerter.mu.Unlock()
	if got != -12.5 {
		t.Errorf("Celsius = %v, want -12.5", got)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := startMonitor(t, adapter, alerter)

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	char := adapter.latestConnection().char
	char.SimulateNotification([]byte{0x01, 0x02, 0x03}) // wrong length
	char.SimulateNotification([]byte{0x00, 0x00})       // valid 0.0°C

	waitFor(t, 2*time.Second, func() bool {
		n, _, _, _ := alerter.snapshot()
		return n == 1
	}, "valid reading never reached the alerter")

	alerter.mu.Lock()
	got := alerter.readings[0].Celsius
	alerter.mu.Unlock()
	if got != 0.0 {
		t.Errorf("Celsius = %v, want 0.0 (malformed sample must not produce a reading)", got)
	}
}

func TestLinkLossEmitsLossAndReconnects(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := startMonitor(t, adapter, alerter)

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	adapter.latestConnection().SimulateLinkLoss()

	// Exactly one loss message, then discovery restarts on its own and
	// the link comes back.
	waitFor(t, 2*time.Second, func() bool {
		_, restored, lost, _ := alerter.snapshot()
		return lost == 1 && restored == 2
	}, "monitor never recovered after link loss")

	scans, connects := adapter.counts()
	if scans < 2 || connects < 2 {
		t.Errorf("scans = %d, connects = %d, want at least 2 each after link loss", scans, connects)
	}
}

func TestResyncReachesAlerter(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := startMonitor(t, adapter, alerter)

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	m.Resync()

	waitFor(t, 2*time.Second, func() bool {
		_, _, _, resyncs := alerter.snapshot()
		return resyncs == 1
	}, "resync never reached the alerter")
}

func TestAttachFailureRetriesWithBackoff(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	adapter.connectErr = errors.New("connection refused")
	alerter := &recordingAlerter{}
	startMonitor(t, adapter, alerter)

	// First attempt fails, discovery restarts after ~1 s and retries.
	waitFor(t, 4*time.Second, func() bool {
		_, connects := adapter.counts()
		return connects >= 2
	}, "monitor never retried after attach failure")

	// Attach failures never reach the alerter as connectivity events.
	_, restored, lost, _ := alerter.snapshot()
	if restored != 0 || lost != 0 {
		t.Errorf("restored = %d, lost = %d, want 0 and 0", restored, lost)
	}
}

func TestAttributeResolutionFailureRestartsDiscovery(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	adapter.discoverErr = errors.New("service not found")
	alerter := &recordingAlerter{}
	startMonitor(t, adapter, alerter)

	waitFor(t, 4*time.Second, func() bool {
		scans, _ := adapter.counts()
		return scans >= 2
	}, "monitor never restarted discovery after resolution failure")

	// The failed link must have been released.
	adapter.mu.Lock()
	first := adapter.connections[0]
	adapter.mu.Unlock()

	first.mu.Lock()
	disconnected := first.disconnected
	first.mu.Unlock()
	if disconnected == 0 {
		t.Error("connection with unresolvable attributes was never disconnected")
	}
}

func TestScanFailureRestartsDiscovery(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	adapter.scanErr = errors.New("hci busy")
	alerter := &recordingAlerter{}
	startMonitor(t, adapter, alerter)

	waitFor(t, 4*time.Second, func() bool {
		scans, _ := adapter.counts()
		return scans >= 2
	}, "monitor never restarted discovery after scan failure")
}

func TestDiscoveryStartIsIdempotent(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	m := New(adapter, &recordingAlerter{}, testMonitorOptions(), nil)

	ctx := context.Background()
	m.discovery.start(ctx)
	m.discovery.start(ctx) // no-op while scanning

	time.Sleep(50 * time.Millisecond)

	scans, _ := adapter.counts()
	if scans != 1 {
		t.Errorf("scans = %d, want 1 (second start must be a no-op)", scans)
	}
	if m.CurrentState() != StateScanning {
		t.Errorf("state = %v, want %v", m.CurrentState(), StateScanning)
	}
}

func TestStopDiscoveryIsIdempotent(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	m := New(adapter, &recordingAlerter{}, testMonitorOptions(), nil)

	// Never started: both calls are safe no-ops.
	m.discovery.stop()
	m.discovery.stop()

	if m.CurrentState() != StateIdle {
		t.Errorf("state = %v, want %v", m.CurrentState(), StateIdle)
	}
}

func TestDetachFromIdleIsSafe(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	m := New(adapter, &recordingAlerter{}, testMonitorOptions(), nil)

	m.detach()
	m.detach()

	if m.CurrentState() != StateIdle {
		t.Errorf("state = %v, want %v", m.CurrentState(), StateIdle)
	}
}

func TestCancelTearsDownAndClearsSubscriptions(t *testing.T) {
	adapter := newMockAdapter(testCharUUID)
	alerter := &recordingAlerter{}
	m := New(adapter, alerter, testMonitorOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return m.CurrentState() == StateSubscribed
	}, "monitor never reached Subscribed")

	cancel()

	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if m.CurrentState() != StateIdle {
		t.Errorf("state after teardown = %v, want %v", m.CurrentState(), StateIdle)
	}
	if len(m.subscriptions) != 0 {
		t.Errorf("subscription registry has %d entries after teardown, want 0", len(m.subscriptions))
	}
	if conn := adapter.latestConnection(); conn != nil {
		conn.mu.Lock()
		disconnected := conn.disconnected
		conn.mu.Unlock()
		if disconnected == 0 {
			t.Error("teardown never released the link")
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateScanning, "scanning"},
		{StateConnecting, "connecting"},
		{StateAttached, "attached"},
		{StateAttributesDiscovered, "attributes_discovered"},
		{StateSubscribed, "subscribed"},
		{StateDisconnected, "disconnected"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
