package ble

import "fmt"

// ErrorKind classifies session failures for the presentation layer.
type ErrorKind int

const (
	// KindPermissionDenied means the OS refused bluetooth access.
	KindPermissionDenied ErrorKind = iota
	// KindAdapterUnavailable means the radio is off or unsupported.
	KindAdapterUnavailable
	// KindScanTimeout means a scan ended without a device being selected.
	KindScanTimeout
	// KindConnectFailed means the connection attempt failed or timed out.
	KindConnectFailed
	// KindCharacteristicNotFound means the peer lacks the glucose
	// measurement characteristic.
	KindCharacteristicNotFound
	// KindTransport is an opaque failure passed through from the transport.
	KindTransport
	// KindUnknownDevice means a device ID was never seen in the current
	// scan session.
	KindUnknownDevice
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAdapterUnavailable:
		return "AdapterUnavailable"
	case KindScanTimeout:
		return "ScanTimeout"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindCharacteristicNotFound:
		return "CharacteristicNotFound"
	case KindTransport:
		return "TransportError"
	case KindUnknownDevice:
		return "UnknownDevice"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// SessionError carries a failure kind and a human-readable detail string,
// surfaced to the presentation sink verbatim.
type SessionError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("ble: %s: %s", e.Kind, e.Msg)
}

func (e *SessionError) Unwrap() error { return e.Err }
