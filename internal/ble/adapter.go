// Package ble provides the BLE side of the Plejd mesh client: the transport
// adapter over the platform Bluetooth stack and the connection state machine
// that scans for an ingress device, authenticates against the mesh, and
// carries encrypted frames in both directions.
package ble

import "context"

// Plejd GATT UUIDs
const (
	ServiceUUID      = "31ba0001-6085-4726-be45-040c957391b5"
	DataCharUUID     = "31ba0004-6085-4726-be45-040c957391b5"
	LastDataCharUUID = "31ba0005-6085-4726-be45-040c957391b5"
	AuthCharUUID     = "31ba0009-6085-4726-be45-040c957391b5"
	PingCharUUID     = "31ba000a-6085-4726-be45-040c957391b5"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and blocks until the peripheral acknowledges it.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
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
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
