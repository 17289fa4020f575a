package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BlueZAdapter wraps tinygo-org/bluetooth over the host Bluetooth stack
// (BlueZ on Linux, where the monitor is deployed).
type BlueZAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*blueZConnection // keyed by normalized address
}

// NewBlueZAdapter creates a new BLE adapter backed by the host stack.
func NewBlueZAdapter() *BlueZAdapter {
	return &BlueZAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*blueZConnection),
	}
}

func (a *BlueZAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Register the adapter-level connect/disconnect handler. The stack
	// fires this callback (with connected=false) when a peripheral drops,
	// and we route it to the matching connection's OnDisconnect callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := normalizeAddress(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[addr]
		a.mu.Unlock()
		if ok {
			conn.handleDisconnect()
		}
	})

	return nil
}

// Scan searches for the peripheral with the given address and stops the
// scan as soon as it is seen. Blocks until found or ctx is cancelled.
func (a *BlueZAdapter) Scan(ctx context.Context, address string) (Device, error) {
	target := normalizeAddress(address)

	var (
		mu    sync.Mutex
		found Device
		ok    bool
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if normalizeAddress(result.Address.String()) != target {
			return
		}
		mu.Lock()
		if !ok {
			ok = true
			found = Device{
				Name:    result.LocalName(),
				Address: result.Address.String(),
				RSSI:    int(result.RSSI),
			}
		}
		mu.Unlock()
		adapter.StopScan()
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	if ctx.Err() != nil {
		return Device{}, fmt.Errorf("ble: scan for %s: %w", address, ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if !ok {
		return Device{}, fmt.Errorf("ble: scan stopped before finding %s", address)
	}
	return found, nil
}

func (a *BlueZAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	device, err := dialWithContext(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(late bluetooth.Device) {
			// The attempt succeeded after the caller gave up. Release the
			// link so the stack is not left holding a connection nobody owns.
			_ = late.Disconnect()
		})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &blueZConnection{device: &device}

	// Track this connection so the adapter-level disconnect handler
	// can find it and fire its OnDisconnect callback.
	a.mu.Lock()
	a.connections[normalizeAddress(address)] = conn
	a.mu.Unlock()

	return conn, nil
}

// dialFunc is the blocking stack-level connect call.
type dialFunc func() (bluetooth.Device, error)

// dialWithContext runs dial on its own goroutine and waits for the result
// or ctx, whichever comes first. tinygo/bluetooth's Connect cannot be
// cancelled mid-flight, so when ctx wins the eventual result is still
// drained in the background and a late success is handed to abandon.
func dialWithContext(ctx context.Context, dial dialFunc, abandon func(bluetooth.Device)) (bluetooth.Device, error) {
	type dialResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		device, err := dial()
		ch <- dialResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				abandon(result.device)
			}
		}()
		return bluetooth.Device{}, ctx.Err()
	case result := <-ch:
		return result.device, result.err
	}
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type blueZConnection struct {
	device *bluetooth.Device

	// mu guards the callback registration; the stack's connect handler
	// and the monitor's OnDisconnect run on different goroutines.
	mu           sync.Mutex
	disconnectCb func()
	lostEarly    bool
}

// handleDisconnect routes a stack-level disconnect to the registered
// callback. A disconnect that lands before OnDisconnect is recorded and
// replayed at registration so the loss is never silently dropped.
func (c *blueZConnection) handleDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	if cb == nil {
		c.lostEarly = true
	}
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *blueZConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &blueZCharacteristic{
		char: &chars[0],
		uuid: strings.ToLower(charUUIDParsed.String()),
	}, nil
}

func (c *blueZConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *blueZConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	replay := c.lostEarly
	c.lostEarly = false
	c.mu.Unlock()
	if replay {
		cb()
	}
}

type blueZCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
	uuid string
}

func (c *blueZCharacteristic) UUID() string {
	return c.uuid
}

func (c *blueZCharacteristic) Subscribe(cb func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

// normalizeAddress uppercases a peripheral address so MAC-style addresses
// compare consistently regardless of platform formatting.
func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
