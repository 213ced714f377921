package ble

import (
	"context"
	"sync"
	"testing"
)

// mockCharacteristic records writes and tracks its notify subscription.
type mockCharacteristic struct {
	uuid      string
	canNotify bool
	canWrite  bool

	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)

	// subscribedAtWrite records, per write, whether notifications were
	// already enabled when the write arrived.
	subscribedAtWrite []bool
}

func (c *mockCharacteristic) UUID() string    { return c.uuid }
func (c *mockCharacteristic) CanNotify() bool { return c.canNotify }
func (c *mockCharacteristic) CanWrite() bool  { return c.canWrite }

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.subscribedAtWrite = append(c.subscribedAtWrite, c.callback != nil)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

func (c *mockCharacteristic) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// SimulateNotification delivers a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// mockService groups characteristics under a service UUID.
type mockService struct {
	uuid  string
	chars []Characteristic
}

func (s *mockService) UUID() string                      { return s.uuid }
func (s *mockService) Characteristics() []Characteristic { return s.chars }

// mockConnection simulates a BLE connection.
type mockConnection struct {
	services []Service

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
	discoverErr  error
}

// newGlucoseMeterConnection builds a connection exposing the glucose
// service, with or without the RACP characteristic.
func newGlucoseMeterConnection(withRACP bool) *mockConnection {
	chars := []Characteristic{
		&mockCharacteristic{uuid: MeasurementCharUUID, canNotify: true},
	}
	if withRACP {
		chars = append(chars, &mockCharacteristic{uuid: RACPCharUUID, canNotify: true, canWrite: true})
	}
	return &mockConnection{
		services: []Service{&mockService{uuid: GlucoseServiceUUID, chars: chars}},
	}
}

func (c *mockConnection) DiscoverServices() ([]Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.services, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Idempotent, and a real link drop kills all subscriptions with it.
	c.disconnected = true
	for _, svc := range c.services {
		for _, ch := range svc.Characteristics() {
			_ = ch.(*mockCharacteristic).Unsubscribe()
		}
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the registered disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// activeSubscriptions counts live notify subscriptions on the connection.
func (c *mockConnection) activeSubscriptions() int {
	n := 0
	for _, svc := range c.services {
		for _, ch := range svc.Characteristics() {
			if ch.(*mockCharacteristic).subscribed() {
				n++
			}
		}
	}
	return n
}

func (c *mockConnection) characteristic(uuid string) *mockCharacteristic {
	for _, svc := range c.services {
		for _, ch := range svc.Characteristics() {
			if equalUUID(ch.UUID(), uuid) {
				return ch.(*mockCharacteristic)
			}
		}
	}
	return nil
}

// mockAdapter simulates the BLE transport. Scans block until their context
// ends, streaming the configured advertisements once on entry; the active
// scan count exposes subscription leaks.
type mockAdapter struct {
	mu          sync.Mutex
	devices     []Device
	connection  *mockConnection // handed out by the next Connect
	connectErr  error
	enableErr   error
	scansActive int
	scansTotal  int
	stopCh      chan struct{}
	scanHandler func(Device)
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newGlucoseMeterConnection(false),
	}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

func (a *mockAdapter) Scan(ctx context.Context, filter ScanFilter, handler func(Device)) error {
	a.mu.Lock()
	a.scansActive++
	a.scansTotal++
	stop := make(chan struct{})
	a.stopCh = stop
	a.scanHandler = handler
	devices := a.devices
	a.mu.Unlock()

	for _, d := range devices {
		handler(d)
	}

	select {
	case <-ctx.Done():
	case <-stop:
	}

	a.mu.Lock()
	a.scansActive--
	a.scanHandler = nil
	a.mu.Unlock()
	return nil
}

// SimulateAdvertisement delivers an advertisement to the active scan.
func (a *mockAdapter) SimulateAdvertisement(d Device) {
	a.mu.Lock()
	h := a.scanHandler
	a.mu.Unlock()
	if h != nil {
		h(d)
	}
}

func (a *mockAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		select {
		case <-a.stopCh:
		default:
			close(a.stopCh)
		}
	}
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.connection, nil
}

func (a *mockAdapter) activeScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scansActive
}

func (a *mockAdapter) totalScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scansTotal
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
