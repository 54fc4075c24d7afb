package halfstream

import "math"

// Float16ToFloat64 decodes an IEEE 754 binary16 value (1 sign bit, 5 exponent bits with
// bias 15, 10 mantissa bits), including signed zeros, subnormals, infinities and NaN.
func Float16ToFloat64(h uint16) float64 {
	sign := 1.0
	if h&0x8000 != 0 {
		sign = -1.0
	}
	exp := int(h>>10) & 0x1f
	mant := float64(h & 0x03ff)

	switch exp {
	case 0:
		// subnormal: 0.mant × 2^-14
		return sign * math.Ldexp(mant, -24)
	case 0x1f:
		if mant == 0 {
			return sign * math.Inf(1)
		}
		return math.NaN()
	}
	return sign * math.Ldexp(1+mant/1024, exp-15)
}

// Float64ToFloat16 encodes f as binary16 with round-half-to-even.
// Values beyond the binary16 range become infinities.
func Float64ToFloat16(f float64) uint16 {
	var sign uint16
	if math.Signbit(f) {
		sign = 0x8000
		f = -f
	}

	switch {
	case math.IsNaN(f):
		return 0x7e00
	case math.IsInf(f, 0):
		return sign | 0x7c00
	case f == 0:
		return sign
	}

	frac, exp := math.Frexp(f) // f = frac × 2^exp, frac in [0.5, 1)
	e := exp - 1 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}
	if e <= 0 {
		// A result of 1024 rolls over into the smallest normal, which is the correct encoding.
		m := math.RoundToEven(f * (1 << 24))
		return sign | uint16(m)
	}

	m := math.RoundToEven((2*frac - 1) * 1024)
	if m == 1024 {
		m = 0
		e++
		if e >= 0x1f {
			return sign | 0x7c00
		}
	}
	return sign | uint16(e)<<10 | uint16(m)
}
