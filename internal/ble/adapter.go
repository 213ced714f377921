// Package ble implements the client side of the GATT glucose profile: it
// scans for advertising meters, drives the connect / service-discovery /
// subscribe lifecycle, optionally requests stored records over the RACP
// characteristic, and surfaces decoded readings to a presentation sink.
package ble

import (
	"context"
	"strings"
)

// Standard BLE SIG UUIDs for the glucose profile.
const (
	GlucoseServiceUUID  = "00001808-0000-1000-8000-00805f9b34fb"
	MeasurementCharUUID = "00002a18-0000-1000-8000-00805f9b34fb"
	RACPCharUUID        = "00002a52-0000-1000-8000-00805f9b34fb"
)

// Device is a discovered BLE peripheral. The ID is the transport-assigned
// identifier (a MAC address on Linux, a CoreBluetooth UUID on macOS); it is
// stable per physical device within an OS session, not across them.
type Device struct {
	ID   string
	Name string
	RSSI int

	// MatchedService records whether the advertisement carried the
	// filter's service UUID, as opposed to matching by name prefix only.
	MatchedService bool
}

// ScanFilter selects which advertisements a scan reports. An empty filter
// reports everything.
type ScanFilter struct {
	// ServiceUUID admits devices advertising this service.
	ServiceUUID string
	// NamePrefixes admits devices whose advertised name starts with any of
	// these prefixes (vendor firmwares that omit the service UUID from
	// their advertisements).
	NamePrefixes []string
}

// Match reports whether a device with the given advertised name and
// service-UUID presence passes the filter.
func (f ScanFilter) Match(name string, hasService bool) bool {
	if f.ServiceUUID == "" && len(f.NamePrefixes) == 0 {
		return true
	}
	if f.ServiceUUID != "" && hasService {
		return true
	}
	for _, p := range f.NamePrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Characteristic represents a resolved BLE GATT characteristic. Handles are
// scoped to one connection and invalid after it drops.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical lowercase form.
	UUID() string
	// CanNotify reports whether the characteristic supports notifications.
	CanNotify() bool
	// CanWrite reports whether the characteristic supports writes.
	CanWrite() bool
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications, delivering each value to callback.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications. Safe to call when not subscribed.
	Unsubscribe() error
}

// Service is a resolved GATT service and its characteristics.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices resolves all services and their characteristics.
	DiscoverServices() ([]Service, error)
	// Disconnect terminates the connection. Idempotent: disconnecting an
	// already-dropped connection is a no-op, never an error.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE transport for testing. The real implementation
// wraps tinygo.org/x/bluetooth; tests substitute a counting mock.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan streams filtered advertisements to handler until ctx is
	// cancelled or times out. Duplicate advertisements of one device are
	// delivered as they arrive; the caller keeps the latest.
	Scan(ctx context.Context, filter ScanFilter, handler func(Device)) error
	// StopScan aborts an in-progress Scan. Safe to call when idle.
	StopScan() error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}

// equalUUID compares UUIDs ignoring case, which varies across platforms.
func equalUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
