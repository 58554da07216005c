package idformat

import "fmt"

// ChecksumNone and ChecksumLuhn are the built-in check-character selectors.
// The algorithm is configuration-defined and deliberately pluggable; callers
// should rely only on the round-trip property, not a specific scheme.
const (
	ChecksumNone = ""
	ChecksumLuhn = "luhn"
)

// checksumFunc computes a single check character over the digit body.
type checksumFunc func(digits string) byte

var checksums = map[string]checksumFunc{
	ChecksumLuhn: luhnCheckDigit,
}

func checksumByName(name string) (checksumFunc, error) {
	if name == ChecksumNone {
		return nil, nil
	}
	fn, ok := checksums[name]
	if !ok {
		return nil, fmt.Errorf("unknown checksum algorithm %q", name)
	}
	return fn, nil
}

// luhnCheckDigit computes the Luhn check digit over a numeric body. It
// catches all single-digit transcription errors and most adjacent
// transpositions.
func luhnCheckDigit(digits string) byte {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}
