// Package protocol implements the wire format of the GATT glucose profile:
// the IEEE-11073 16-bit SFLOAT codec, the glucose measurement notification
// payload, and the RACP command bytes.
package protocol

// DecodeSFloat converts a 16-bit IEEE-11073 SFLOAT field, given as its two
// wire bytes (little-endian), into a float64. The low 12 bits are a
// two's-complement mantissa, the high 4 bits a two's-complement base-10
// exponent.
//
// The IEEE-11073 reserved sentinel mantissas (NaN, +/-Infinity, NRes) are
// NOT specially interpreted: they decode as ordinary numbers. Glucose
// meters speaking this profile do not emit them in practice.
func DecodeSFloat(lo, hi byte) float64 {
	raw := uint16(hi)<<8 | uint16(lo)

	mantissa := int(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}

	exponent := int(raw >> 12)
	if exponent >= 0x0008 {
		exponent -= 0x0010
	}

	return scale10(float64(mantissa), exponent)
}

// scale10 computes v * 10^exp by repeated multiplication or division.
// Iterating in unit steps keeps results exact for the small exponent
// range of SFLOAT ([-8, 7]), where math.Pow would introduce binary
// floating-point drift.
func scale10(v float64, exp int) float64 {
	for ; exp > 0; exp-- {
		v *= 10
	}
	for ; exp < 0; exp++ {
		v /= 10
	}
	return v
}
