package ble

import "github.com/chaz8081/glucolink/internal/ble/protocol"

// State is where the session currently is in its lifecycle.
type State int

const (
	// StateIdle is the resting state before a scan or after one ends.
	StateIdle State = iota
	// StateScanning is active while scanning for advertising meters.
	StateScanning
	// StateConnecting is active while a connection attempt is in flight.
	StateConnecting
	// StateDiscoveringServices is active while resolving GATT services.
	StateDiscoveringServices
	// StateSubscribed means measurement notifications are enabled.
	StateSubscribed
	// StateAwaitingHistory means the RACP report-all-records command was
	// issued and stored records are streaming in.
	StateAwaitingHistory
	// StateDisconnected is entered after any disconnect, user or peer.
	StateDisconnected
	// StateFailed is entered when a transition fails; the carried error
	// says why.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateDiscoveringServices:
		return "DiscoveringServices"
	case StateSubscribed:
		return "Subscribed"
	case StateAwaitingHistory:
		return "AwaitingHistory"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Snapshot is what the presentation sink observes: a copy of the session's
// externally visible state. The sink holds no authoritative data; each
// snapshot supersedes the previous one.
type Snapshot struct {
	State  State
	Status string

	// Devices is the set of meters visible in the current scan session,
	// latest advertisement per device.
	Devices []Device

	// LastReading is the most recent decoded measurement, nil before the
	// first notification. Suspect mirrors LastReading.Suspect().
	LastReading *protocol.Reading
	Suspect     bool

	// Err is set when State is Failed, and on non-fatal conditions worth
	// surfacing (scan timeout, malformed notification).
	Err error
}
