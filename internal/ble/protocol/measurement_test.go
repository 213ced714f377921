package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestDecodeMeasurementTooShort(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, {0x00}, {0x00, 0x64}} {
		if _, err := DecodeMeasurement(FlagLayoutA, payload); !errors.Is(err, ErrTooShort) {
			t.Errorf("DecodeMeasurement(%x) error = %v, want ErrTooShort", payload, err)
		}
	}
}

func TestDecodeMeasurementTooShortAtShiftedOffset(t *testing.T) {
	// Layout A with the time-offset flag set needs flags + 2 + 2 bytes.
	payload := []byte{0x01, 0x00, 0x00, 0x64}
	if _, err := DecodeMeasurement(FlagLayoutA, payload); !errors.Is(err, ErrTooShort) {
		t.Errorf("DecodeMeasurement(%x) error = %v, want ErrTooShort", payload, err)
	}
}

func TestDecodeMeasurementLayoutBMinimal(t *testing.T) {
	// Minimal 3-byte payload: flags 0, SFLOAT 0x0064 = 100, pre-scaled mg/dL.
	r, err := DecodeMeasurement(FlagLayoutB, []byte{0x00, 0x64, 0x00})
	if err != nil {
		t.Fatalf("DecodeMeasurement() error = %v", err)
	}
	if r.Concentration != 100 {
		t.Errorf("Concentration = %v, want 100", r.Concentration)
	}
	if r.Unit != UnitKgPerL {
		t.Errorf("Unit = %v, want kg/L", r.Unit)
	}
	if r.MGPerDL != 100 {
		t.Errorf("MGPerDL = %v, want 100", r.MGPerDL)
	}
	if got := r.Display(); got != "100 mg/dL" {
		t.Errorf("Display() = %q, want %q", got, "100 mg/dL")
	}
}

func TestDecodeMeasurementLayoutAKgPerL(t *testing.T) {
	// SFLOAT 0xB064: mantissa 100, exponent -5 -> 0.001 kg/L -> 100 mg/dL.
	r, err := DecodeMeasurement(FlagLayoutA, []byte{0x00, 0x64, 0xB0})
	if err != nil {
		t.Fatalf("DecodeMeasurement() error = %v", err)
	}
	if math.Abs(r.Concentration-0.001) > 1e-12 {
		t.Errorf("Concentration = %v, want 0.001", r.Concentration)
	}
	if math.Abs(r.MGPerDL-100) > 1e-9 {
		t.Errorf("MGPerDL = %v, want 100", r.MGPerDL)
	}
}

func TestDecodeMeasurementMolPerL(t *testing.T) {
	// SFLOAT 0xF037: mantissa 55, exponent -1 -> 5.5 mol/L-flagged units.
	// Layout A signals mol/L on bit 2, layout B on bit 0.
	for _, tt := range []struct {
		layout FlagLayout
		flags  byte
	}{
		{FlagLayoutA, 0x04},
		{FlagLayoutB, 0x01},
	} {
		r, err := DecodeMeasurement(tt.layout, []byte{tt.flags, 0x37, 0xF0})
		if err != nil {
			t.Fatalf("DecodeMeasurement(%v) error = %v", tt.layout, err)
		}
		if r.Unit != UnitMolPerL {
			t.Errorf("%v: Unit = %v, want mol/L", tt.layout, r.Unit)
		}
		// 5.5 * 18.01559 = 99.085745; the constant must hold the derived
		// value within 0.5 mg/dL of the clinical conversion.
		if math.Abs(r.MGPerDL-99.0857) > 0.5 {
			t.Errorf("%v: MGPerDL = %v, want ~99.09", tt.layout, r.MGPerDL)
		}
	}
}

func TestDecodeMeasurementTimeOffsetShift(t *testing.T) {
	// Layout A, bit 0 set: a 2-byte time offset precedes the concentration.
	r, err := DecodeMeasurement(FlagLayoutA, []byte{0x01, 0x2A, 0x00, 0x64, 0xB0})
	if err != nil {
		t.Fatalf("DecodeMeasurement() error = %v", err)
	}
	if r.TimeOffset != 42 {
		t.Errorf("TimeOffset = %d, want 42", r.TimeOffset)
	}
	if math.Abs(r.MGPerDL-100) > 1e-9 {
		t.Errorf("MGPerDL = %v, want 100", r.MGPerDL)
	}
}

func TestDecodeMeasurementLayoutBIgnoresTimeOffsetBit(t *testing.T) {
	// Under layout B, bit 0 is the unit selector, never a field-presence
	// flag: the concentration stays at offset 1.
	r, err := DecodeMeasurement(FlagLayoutB, []byte{0x01, 0x37, 0xF0})
	if err != nil {
		t.Fatalf("DecodeMeasurement() error = %v", err)
	}
	if r.Unit != UnitMolPerL {
		t.Errorf("Unit = %v, want mol/L", r.Unit)
	}
	if r.TimeOffset != 0 {
		t.Errorf("TimeOffset = %d, want 0", r.TimeOffset)
	}
}

func TestReadingSuspect(t *testing.T) {
	tests := []struct {
		mgPerDL float64
		want    bool
	}{
		{100, false},
		{35, false},
		{999.9, false},
		{0, true},
		{-0.8, true},
		{1000, true},
		{1e7, true},
	}
	for _, tt := range tests {
		r := Reading{MGPerDL: tt.mgPerDL}
		if got := r.Suspect(); got != tt.want {
			t.Errorf("Reading{MGPerDL: %v}.Suspect() = %v, want %v", tt.mgPerDL, got, tt.want)
		}
	}
}

func TestReportAllRecords(t *testing.T) {
	got := ReportAllRecords()
	if len(got) != 2 || got[0] != 0x01 || got[1] != 0x01 {
		t.Errorf("ReportAllRecords() = %x, want 0101", got)
	}
}
