package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/glucolink/internal/ble/protocol"
)

// SessionOptions configures the session behavior.
type SessionOptions struct {
	ScanTimeout    time.Duration       // how long a scan runs before giving up
	ConnectTimeout time.Duration       // per connection attempt
	Layout         protocol.FlagLayout // flag-byte convention of the target firmware
	Filter         ScanFilter          // which advertisements to report
}

// DefaultSessionOptions returns sensible defaults: filter by the glucose
// service UUID, layout A.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ScanTimeout:    15 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Layout:         protocol.FlagLayoutA,
		Filter:         ScanFilter{ServiceUUID: GlucoseServiceUUID},
	}
}

// Session drives a single scan-connect-subscribe lifecycle against one
// glucose meter at a time. All transitions are serialized under one mutex;
// transport callbacks may arrive from any goroutine. Commands follow a
// last-one-wins policy: a new StartScan tears down whatever scan or
// connection is in flight before starting over.
type Session struct {
	adapter Adapter
	opts    SessionOptions

	mu          sync.Mutex
	state       State
	status      string
	err         error
	devices     map[string]Device
	lastReading *protocol.Reading

	conn        Connection
	measurement Characteristic
	racp        Characteristic

	scanCancel    context.CancelFunc
	scanDone      chan struct{}
	connectCancel context.CancelFunc

	// gen increments on every user command; callbacks captured under an
	// older generation are stale and ignored.
	gen uint64

	snapshotHandler func(Snapshot)
	snapshotChan    chan Snapshot
}

// NewSession creates a session on the given adapter, clamping out-of-range
// options to defaults.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	return &Session{
		adapter: adapter,
		opts:    opts,
		state:   StateIdle,
		devices: make(map[string]Device),
	}
}

// SetSnapshotHandler registers a function called on every state change.
// The handler runs on the session's delivery context and must not call
// back into the Session.
func (s *Session) SetSnapshotHandler(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotHandler = fn
}

// SetSnapshotChannel registers a channel receiving state changes. Sends
// are non-blocking; a slow receiver misses intermediate snapshots, never
// stalls the session.
func (s *Session) SetSnapshotChannel(ch chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotChan = ch
}

// Snapshot returns the current externally visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartScan clears the visible device set and begins a new scan, first
// tearing down any scan or connection already in flight. It returns once
// the scan is started; advertisements arrive via snapshots.
func (s *Session) StartScan() error {
	if err := s.adapter.Enable(); err != nil {
		serr := classifyEnableError(err)
		s.mu.Lock()
		s.gen++
		t := s.captureLocked()
		s.setStateLocked(StateFailed, "bluetooth adapter unavailable", serr)
		s.mu.Unlock()
		t.release()
		return serr
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	t := s.captureLocked()
	s.mu.Unlock()

	// Tear down the previous scan and connection outside the lock; the
	// scan goroutine needs the lock to wind down.
	t.release()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.devices = make(map[string]Device)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ScanTimeout)
	done := make(chan struct{})
	s.scanCancel = cancel
	s.scanDone = done
	s.setStateLocked(StateScanning, "scanning for meters", nil)
	s.mu.Unlock()

	go s.runScan(ctx, cancel, gen, done)
	return nil
}

func (s *Session) runScan(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := s.adapter.Scan(ctx, s.opts.Filter, func(d Device) {
		s.onAdvertisement(gen, d)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateScanning {
		// Superseded by SelectDevice, Disconnect, or a newer scan.
		return
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		serr := &SessionError{Kind: KindScanTimeout, Msg: fmt.Sprintf("no device selected within %s", s.opts.ScanTimeout)}
		s.setStateLocked(StateIdle, "scan timed out", serr)
	case err != nil && ctx.Err() == nil:
		s.setStateLocked(StateFailed, "scan failed", &SessionError{Kind: KindTransport, Msg: "scan", Err: err})
	default:
		s.setStateLocked(StateIdle, "scan stopped", nil)
	}
}

func (s *Session) onAdvertisement(gen uint64, d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateScanning {
		return
	}
	// Later advertisements supersede, not merge.
	s.devices[d.ID] = d
	s.publishLocked()
}

// StopScan cancels an in-progress scan and returns to Idle. Devices seen
// so far stay selectable until the next scan.
func (s *Session) StopScan() {
	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	s.gen++
	t := s.captureLocked()
	s.setStateLocked(StateIdle, "scan cancelled", nil)
	s.mu.Unlock()
	t.release()
}

// SelectDevice stops the scan and connects to the device with the given
// ID. The ID must have been seen in the current scan session; an unknown
// ID fails without a state change.
func (s *Session) SelectDevice(id string) error {
	s.mu.Lock()
	if s.state != StateScanning && s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("ble: cannot select a device while %s", state)
	}
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return &SessionError{Kind: KindUnknownDevice, Msg: fmt.Sprintf("device %q not seen in current scan", id)}
	}
	s.gen++
	gen := s.gen
	t := s.captureLocked()
	s.setStateLocked(StateConnecting, "connecting to "+deviceLabel(d), nil)
	s.mu.Unlock()

	// Stop-scan intent precedes the connect intent.
	t.release()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.connectCancel = cancel
	s.mu.Unlock()

	go s.runConnect(ctx, cancel, gen, d)
	return nil
}

func (s *Session) runConnect(ctx context.Context, cancel context.CancelFunc, gen uint64, d Device) {
	defer cancel()

	conn, err := s.adapter.Connect(ctx, d.ID)
	if err != nil {
		s.fail(gen, nil, &SessionError{Kind: KindConnectFailed, Msg: "connect to " + deviceLabel(d), Err: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	s.conn = conn
	s.setStateLocked(StateDiscoveringServices, "discovering services", nil)
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.onDisconnected(gen) })

	services, err := conn.DiscoverServices()
	if err != nil {
		s.fail(gen, conn, &SessionError{Kind: KindTransport, Msg: "service discovery", Err: err})
		return
	}

	measurement, racp := matchGlucoseHandles(services)
	if measurement == nil {
		s.fail(gen, conn, &SessionError{
			Kind: KindCharacteristicNotFound,
			Msg:  fmt.Sprintf("%s exposes no glucose measurement characteristic", deviceLabel(d)),
		})
		return
	}

	if err := measurement.Subscribe(func(data []byte) { s.onMeasurement(gen, data) }); err != nil {
		s.fail(gen, conn, &SessionError{Kind: KindTransport, Msg: "subscribe to measurements", Err: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = measurement.Unsubscribe()
		_ = conn.Disconnect()
		return
	}
	s.measurement = measurement
	s.racp = racp
	s.setStateLocked(StateSubscribed, "subscribed to "+deviceLabel(d), nil)
	if racp == nil {
		// No RACP characteristic: history retrieval simply unavailable.
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateAwaitingHistory, "requesting stored records", nil)
	s.mu.Unlock()

	// The report-all-records command may only go out once the RACP notify
	// subscription is active, or responses are lost.
	if err := racp.Subscribe(func(data []byte) { s.onRACPResponse(gen, data) }); err != nil {
		s.fail(gen, conn, &SessionError{Kind: KindTransport, Msg: "subscribe to record access control point", Err: err})
		return
	}
	if err := racp.Write(protocol.ReportAllRecords()); err != nil {
		s.fail(gen, conn, &SessionError{Kind: KindTransport, Msg: "request stored records", Err: err})
		return
	}
}

// matchGlucoseHandles scans resolved services for the glucose service and
// picks out the measurement (required) and RACP (optional) characteristics.
func matchGlucoseHandles(services []Service) (measurement, racp Characteristic) {
	for _, svc := range services {
		if !equalUUID(svc.UUID(), GlucoseServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics() {
			switch {
			case equalUUID(c.UUID(), MeasurementCharUUID) && c.CanNotify():
				measurement = c
			case equalUUID(c.UUID(), RACPCharUUID) && c.CanNotify() && c.CanWrite():
				racp = c
			}
		}
	}
	return measurement, racp
}

func (s *Session) onMeasurement(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.state != StateSubscribed && s.state != StateAwaitingHistory {
		return
	}

	r, err := protocol.DecodeMeasurement(s.opts.Layout, data)
	if err != nil {
		// A single bad notification must not take down a healthy session:
		// surface it and move on.
		slog.Warn("[BLE] dropping malformed measurement notification", "len", len(data), "error", err)
		s.status = "dropped malformed notification"
		s.err = err
		s.publishLocked()
		return
	}

	s.lastReading = &r
	s.err = nil
	if r.Suspect() {
		slog.Warn("[BLE] suspect reading", "value", r.Display(), "unit", r.Unit.String())
		s.status = "suspect reading " + r.Display()
	} else {
		s.status = "reading " + r.Display()
	}
	s.publishLocked()
}

func (s *Session) onRACPResponse(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateAwaitingHistory {
		return
	}
	// Stored records themselves arrive on the measurement characteristic;
	// the RACP notification is the procedure status.
	slog.Debug("[BLE] record access response", "data", fmt.Sprintf("%x", data))
	s.status = fmt.Sprintf("record access response %x", data)
	s.publishLocked()
}

func (s *Session) onDisconnected(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	t := s.captureLocked()
	s.setStateLocked(StateDisconnected, "connection lost", nil)
	s.mu.Unlock()
	t.release()
}

// Disconnect tears the session down from any state: it cancels a pending
// scan or connect, drops subscriptions, and releases the connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	t := s.captureLocked()
	s.setStateLocked(StateDisconnected, "disconnected", nil)
	s.mu.Unlock()
	t.release()
}

// fail moves to Failed carrying the error and best-effort releases the
// connection. Safe against stale generations: a superseded failure still
// releases its connection but does not touch state.
func (s *Session) fail(gen uint64, conn Connection, serr *SessionError) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Disconnect()
		}
		return
	}
	s.gen++
	t := s.captureLocked()
	if conn != nil && conn != t.conn {
		t.conn = conn
	}
	s.setStateLocked(StateFailed, serr.Msg, serr)
	s.mu.Unlock()
	t.release()
}

// teardown holds transport resources captured under the lock so they can
// be released outside it.
type teardown struct {
	scanCancel    context.CancelFunc
	scanDone      chan struct{}
	connectCancel context.CancelFunc
	conn          Connection
	chars         []Characteristic
}

// captureLocked detaches all live transport resources from the session.
// Callers must hold s.mu and call release on the result after unlocking.
func (s *Session) captureLocked() teardown {
	t := teardown{
		scanCancel:    s.scanCancel,
		scanDone:      s.scanDone,
		connectCancel: s.connectCancel,
		conn:          s.conn,
		chars:         []Characteristic{s.measurement, s.racp},
	}
	s.scanCancel = nil
	s.scanDone = nil
	s.connectCancel = nil
	s.conn = nil
	s.measurement = nil
	s.racp = nil
	return t
}

// release cancels the captured scan and connection. Waiting for the scan
// goroutine to exit guarantees the old advertisement subscription is gone
// before a new one is established.
func (t teardown) release() {
	if t.scanCancel != nil {
		t.scanCancel()
	}
	if t.connectCancel != nil {
		t.connectCancel()
	}
	if t.scanDone != nil {
		<-t.scanDone
	}
	for _, c := range t.chars {
		if c != nil {
			_ = c.Unsubscribe()
		}
	}
	if t.conn != nil {
		_ = t.conn.Disconnect()
	}
}

func (s *Session) setStateLocked(state State, status string, err error) {
	s.state = state
	s.status = status
	s.err = err
	if err != nil {
		slog.Warn("[BLE] state change", "state", state.String(), "status", status, "error", err)
	} else {
		slog.Debug("[BLE] state change", "state", state.String(), "status", status)
	}
	s.publishLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Status:      s.status,
		LastReading: s.lastReading,
		Err:         s.err,
	}
	if s.lastReading != nil {
		snap.Suspect = s.lastReading.Suspect()
	}
	if len(s.devices) > 0 {
		snap.Devices = make([]Device, 0, len(s.devices))
		for _, d := range s.devices {
			snap.Devices = append(snap.Devices, d)
		}
		sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	}
	return snap
}

func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	if s.snapshotHandler != nil {
		s.snapshotHandler(snap)
	}
	if s.snapshotChan != nil {
		select {
		case s.snapshotChan <- snap:
		default:
		}
	}
}

// classifyEnableError splits adapter power-on failures into the permission
// and availability kinds the presentation layer distinguishes.
func classifyEnableError(err error) *SessionError {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized") {
		return &SessionError{Kind: KindPermissionDenied, Msg: "bluetooth access denied", Err: err}
	}
	return &SessionError{Kind: KindAdapterUnavailable, Msg: "bluetooth adapter unavailable", Err: err}
}

func deviceLabel(d Device) string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.ID)
	}
	return d.ID
}
