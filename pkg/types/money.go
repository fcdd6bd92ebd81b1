package types

import (
	"errors"
	"fmt"
	"strings"

	"cosmossdk.io/math"
)

// AtomicDecimals is the number of decimal places of one asset unit (1e-8)
const AtomicDecimals = 8

// AtomicPerUnit is the number of atomic units in one whole asset unit
const AtomicPerUnit int64 = 100_000_000

// ErrAtomicOverflow is returned when an amount does not fit in int64 atomic units
var ErrAtomicOverflow = errors.New("amount exceeds atomic range")

// ParseAtomic converts a decimal asset amount such as "10.50000000" into
// atomic units. Fractions below one atomic unit are truncated.
func ParseAtomic(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return 0, fmt.Errorf("invalid asset amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative asset amount %q", s)
	}
	units := d.MulInt64(AtomicPerUnit).TruncateInt()
	if !units.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrAtomicOverflow, s)
	}
	return units.Int64(), nil
}

// FormatAtomic renders atomic units as a fixed 8-decimal asset amount
func FormatAtomic(atomic int64) string {
	s := math.LegacyNewDecWithPrec(atomic, AtomicDecimals).String()
	return s[:len(s)-(math.LegacyPrecision-AtomicDecimals)]
}

// USD parses a dollar amount, panicking on malformed input. Intended for
// constants and tests.
func USD(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

// FormatUSD renders a USD amount truncated to cents: "1250.50"
func FormatUSD(d math.LegacyDec) string {
	if d.IsNil() {
		return "0.00"
	}
	whole, frac, _ := strings.Cut(d.String(), ".")
	frac = (frac + "00")[:2]
	return whole + "." + frac
}
