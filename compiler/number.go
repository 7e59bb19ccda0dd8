package compiler

import (
	"math"

	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Number scanning
// ---------------------------------------------------------------------------

// Numbers have the shape [-+]R[rR]I.F[eE&][-+]X: optional sign, optional
// radix (2-36, written in decimal), integer part, fractional part, and
// exponent. The 'e' exponent separator is only valid in radix 10, since
// e is a digit in bases 15 and up; '&' works in any radix. The C-style
// 0x prefix is shorthand for 16r. A token with no decimal point and no
// exponent is an integer; one that overflows 32 bits comes back as a
// real.

// digitValue maps '0'-'9' to 0-9 and letters to 10-35, or -1.
func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// ScanNumber parses a numeric token, reporting failure for malformed
// input so the caller can fall back to other token classifications.
func ScanNumber(b []byte) (vm.Value, bool) {
	i := 0
	neg := false

	// Sign
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		neg = b[i] == '-'
		i++
	}

	// Radix prefix: 0x, or decimal digits followed by r/R.
	base := 10
	if i+1 < len(b) && b[i] == '0' && (b[i+1] == 'x' || b[i+1] == 'X') {
		base = 16
		i += 2
	} else {
		j := i
		radix := 0
		for j < len(b) && b[j] >= '0' && b[j] <= '9' {
			radix = radix*10 + int(b[j]-'0')
			if radix > 36 {
				radix = 37
			}
			j++
		}
		if j > i && j < len(b) && (b[j] == 'r' || b[j] == 'R') {
			if radix < 2 || radix > 36 {
				return vm.Nil(), false
			}
			base = radix
			i = j + 1
		}
	}

	// Mantissa: integer and fractional digits.
	mantissa := 0.0
	exact := int64(0)
	isExact := true
	seenDigit := false
	seenPoint := false
	fracDigits := 0
	for i < len(b) {
		c := b[i]
		if c == '.' {
			if seenPoint {
				return vm.Nil(), false
			}
			seenPoint = true
			i++
			continue
		}
		if base == 10 && (c == 'e' || c == 'E') {
			break
		}
		if c == '&' {
			break
		}
		d := digitValue(c)
		if d < 0 || d >= base {
			return vm.Nil(), false
		}
		seenDigit = true
		mantissa = mantissa*float64(base) + float64(d)
		if isExact {
			next := exact*int64(base) + int64(d)
			if next < exact || next > math.MaxInt64/64 {
				isExact = false
			} else {
				exact = next
			}
		}
		if seenPoint {
			fracDigits++
		}
		i++
	}
	if !seenDigit {
		return vm.Nil(), false
	}

	// Exponent.
	expSeen := false
	exponent := 0
	if i < len(b) && (b[i] == '&' || (base == 10 && (b[i] == 'e' || b[i] == 'E'))) {
		i++
		expSeen = true
		expNeg := false
		if i < len(b) && (b[i] == '-' || b[i] == '+') {
			expNeg = b[i] == '-'
			i++
		}
		expDigits := false
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			exponent = exponent*10 + int(b[i]-'0')
			if exponent > 10000 {
				exponent = 10001
			}
			expDigits = true
			i++
		}
		if !expDigits {
			return vm.Nil(), false
		}
		if expNeg {
			exponent = -exponent
		}
	}
	if i != len(b) {
		return vm.Nil(), false
	}

	// Integral with no point and no exponent: integer when it fits.
	if !seenPoint && !expSeen {
		if isExact {
			v := exact
			if neg {
				v = -v
			}
			if v >= math.MinInt32 && v <= math.MaxInt32 {
				return vm.Int(int32(v)), true
			}
		}
		// Out of 32-bit range: report as a real.
		f := mantissa
		if neg {
			f = -f
		}
		return vm.Real(f), true
	}

	f := mantissa * math.Pow(float64(base), float64(exponent-fracDigits))
	if neg {
		f = -f
	}
	return vm.Real(f), true
}
