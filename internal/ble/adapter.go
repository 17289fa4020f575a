// Package ble abstracts the Bluetooth Low Energy link to the freezer
// sensor. It defines the adapter, connection, and characteristic
// interfaces the monitor consumes, plus an implementation backed by
// tinygo.org/x/bluetooth.
package ble

import "context"

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID string, lowercase.
	UUID() string
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan searches for the peripheral with the given address. It blocks
	// until the peripheral is found or ctx is cancelled, then stops the
	// scan either way.
	Scan(ctx context.Context, address string) (Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
