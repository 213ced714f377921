package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter implements Adapter on top of tinygo.org/x/bluetooth. On
// Linux device IDs are MAC addresses; on macOS they are CoreBluetooth
// UUIDs. Both are opaque to the session.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device ID
}

// NewTinygoAdapter creates a BLE adapter backed by the platform default
// bluetooth stack.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports disconnects through a single adapter-level
	// handler; route them to the per-connection callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.peerDisconnected()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, filter ScanFilter, handler func(Device)) error {
	var svcUUID bluetooth.UUID
	haveSvcFilter := false
	if filter.ServiceUUID != "" {
		uuid, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svcUUID = uuid
		haveSvcFilter = true
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	// Repeated advertisements of one device are passed through as they
	// arrive; the session keeps the latest per ID.
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		hasService := haveSvcFilter && result.HasServiceUUID(svcUUID)
		if !filter.Match(result.LocalName(), hasService) {
			return
		}
		handler(Device{
			ID:             result.Address.String(),
			Name:           result.LocalName(),
			RSSI:           int(result.RSSI),
			MatchedService: hasService,
		})
	})

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinygoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo's Connect blocks internally with its own timeout; wrap it so
	// our ctx deadline is respected as well.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying connect cannot be aborted from here; if it later
		// succeeds the connection is simply never tracked.
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinygoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device *bluetooth.Device

	// mu guards the callback against the adapter-level disconnect
	// handler firing in the window before OnDisconnect is registered.
	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
}

func (c *tinygoConnection) DiscoverServices() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), err)
		}
		svc := &tinygoService{uuid: svcs[i].UUID().String()}
		for j := range chars {
			svc.chars = append(svc.chars, &tinygoCharacteristic{char: &chars[j]})
		}
		out = append(out, svc)
	}
	return out, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	gone := c.disconnected
	if !gone {
		c.disconnectCb = cb
	}
	c.mu.Unlock()
	if gone {
		cb()
	}
}

// peerDisconnected delivers a stack-reported disconnect to the registered
// callback, or records it so a callback registered later still sees it.
func (c *tinygoConnection) peerDisconnected() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.disconnectCb = nil
	c.disconnected = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoService struct {
	uuid  string
	chars []Characteristic
}

func (s *tinygoService) UUID() string                      { return s.uuid }
func (s *tinygoService) Characteristics() []Characteristic { return s.chars }

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

// The tinygo API does not surface characteristic property bits; report
// both capabilities and let an unsupported operation fail at call time.
func (c *tinygoCharacteristic) CanNotify() bool { return true }
func (c *tinygoCharacteristic) CanWrite() bool  { return true }

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
