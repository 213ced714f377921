package protocol

import (
	"errors"
	"fmt"
)

// ErrTooShort is returned when a measurement payload is truncated below the
// minimum length for its flags.
var ErrTooShort = errors.New("protocol: measurement payload too short")

// Unit is the concentration unit signalled by the measurement flags byte.
type Unit int

const (
	// UnitKgPerL is the mass-concentration unit (kg/L field definition).
	UnitKgPerL Unit = iota
	// UnitMolPerL is the molar-concentration unit.
	UnitMolPerL
)

func (u Unit) String() string {
	switch u {
	case UnitKgPerL:
		return "kg/L"
	case UnitMolPerL:
		return "mol/L"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// FlagLayout selects between the two observed flag-byte conventions of
// glucose meter firmwares. The two layouts disagree on which bit selects
// the unit and whether a time-offset field precedes the concentration, so
// the layout must be supplied per device profile rather than guessed.
type FlagLayout int

const (
	// FlagLayoutA follows the SIG profile convention: flags bit 0 signals
	// a 2-byte time-offset field between flags and concentration, bit 2
	// selects the unit (0 = kg/L, 1 = mol/L). kg/L values carry the
	// profile's 1:100000 ratio against mg/dL.
	FlagLayoutA FlagLayout = iota

	// FlagLayoutB follows the simplified vendor convention: no time-offset
	// field, flags bit 0 selects the unit (0 = kg/L, 1 = mol/L), and
	// kg/L-flagged values arrive already scaled to mg/dL.
	FlagLayoutB
)

func (l FlagLayout) String() string {
	switch l {
	case FlagLayoutA:
		return "layout-a"
	case FlagLayoutB:
		return "layout-b"
	default:
		return fmt.Sprintf("FlagLayout(%d)", int(l))
	}
}

// glucoseMolarMass converts mol/L readings to mass concentration.
// 18.01559 g/mol; a coarser constant drifts visibly (>0.5 mg/dL) on
// realistic inputs.
const glucoseMolarMass = 18.01559

// Reading is one decoded glucose measurement.
type Reading struct {
	// Concentration is the native SFLOAT value as transmitted, in Unit.
	Concentration float64
	Unit          Unit

	// MGPerDL is the concentration converted to the canonical display
	// unit, mg/dL.
	MGPerDL float64

	// TimeOffset is the raw 2-byte time-offset field (layout A only);
	// zero when the field is absent.
	TimeOffset uint16
}

// Display renders the reading in the canonical display unit.
func (r Reading) Display() string {
	return fmt.Sprintf("%g mg/dL", r.MGPerDL)
}

// Suspect reports whether the decoded value is physiologically implausible
// (non-positive, or far outside any survivable glucose concentration).
// Suspect readings are surfaced, never rejected: the decoder cannot rule
// out a flag-layout mismatch, and silently dropping them would hide real
// device misbehavior.
func (r Reading) Suspect() bool {
	return r.MGPerDL <= 0 || r.MGPerDL >= 1000
}

// DecodeMeasurement parses a glucose measurement notification payload under
// the given flag layout. It fails only on truncation; implausible values
// decode successfully and are left to the caller to flag via Suspect.
func DecodeMeasurement(layout FlagLayout, payload []byte) (Reading, error) {
	if len(payload) < 3 {
		return Reading{}, fmt.Errorf("%w: %d bytes, need at least 3", ErrTooShort, len(payload))
	}

	flags := payload[0]
	offset := 1

	var r Reading

	switch layout {
	case FlagLayoutB:
		if flags&0x01 != 0 {
			r.Unit = UnitMolPerL
		}
	default:
		if flags&0x01 != 0 {
			// Time-offset field shifts the concentration by two bytes.
			if len(payload) < offset+2 {
				return Reading{}, fmt.Errorf("%w: %d bytes, time-offset field truncated", ErrTooShort, len(payload))
			}
			r.TimeOffset = uint16(payload[offset+1])<<8 | uint16(payload[offset])
			offset += 2
		}
		if flags&0x04 != 0 {
			r.Unit = UnitMolPerL
		}
	}

	if len(payload) < offset+2 {
		return Reading{}, fmt.Errorf("%w: %d bytes, concentration field at offset %d truncated", ErrTooShort, len(payload), offset)
	}
	r.Concentration = DecodeSFloat(payload[offset], payload[offset+1])

	switch {
	case r.Unit == UnitMolPerL:
		r.MGPerDL = r.Concentration * glucoseMolarMass
	case layout == FlagLayoutA:
		// kg/L is a 1:100000 ratio against mg/dL.
		r.MGPerDL = r.Concentration * 100000
	default:
		// Layout B firmware transmits kg/L-flagged values pre-scaled.
		r.MGPerDL = r.Concentration
	}

	return r, nil
}
