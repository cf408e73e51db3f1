// Package money implements fixed-point monetary arithmetic. Amounts are
// decimal strings backed by arbitrary-precision scaled integers
// (value = amount × 10^decimals); no float ever touches a monetary value.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/rawblock/attestia/pkg/errs"
)

// Money is an immutable amount in a single currency. Amount is the canonical
// decimal string produced by FormatAmount.
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// New builds a Money from a decimal string, canonicalising the amount.
func New(amount, currency string, decimals int) (Money, error) {
	if currency == "" {
		return Money{}, errs.E(errs.InvalidInput, "currency must not be empty")
	}
	if decimals < 0 {
		return Money{}, errs.E(errs.InvalidInput, "decimals must be >= 0, got %d", decimals)
	}
	scaled, err := ParseAmount(amount, decimals)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: FormatAmount(scaled, decimals), Currency: currency, Decimals: decimals}, nil
}

// FromScaled builds a Money directly from a scaled integer.
func FromScaled(scaled *big.Int, currency string, decimals int) Money {
	return Money{Amount: FormatAmount(scaled, decimals), Currency: currency, Decimals: decimals}
}

// ParseAmount parses a decimal string into its scaled integer. Accepted form:
// ^-?[0-9]+(\.[0-9]{0,decimals})?$ with no sign prefix other than '-', no
// whitespace, at most `decimals` fractional digits.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, errs.E(errs.InvalidInput, "decimals must be >= 0, got %d", decimals)
	}
	if s == "" {
		return nil, errs.E(errs.InvalidInput, "amount must not be empty")
	}
	body := s
	neg := false
	if body[0] == '-' {
		neg = true
		body = body[1:]
	}
	intPart := body
	fracPart := ""
	if dot := strings.IndexByte(body, '.'); dot >= 0 {
		intPart = body[:dot]
		fracPart = body[dot+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, errs.E(errs.InvalidInput, "malformed amount %q: multiple decimal points", s)
		}
	}
	if intPart == "" {
		return nil, errs.E(errs.InvalidInput, "malformed amount %q: missing integer part", s)
	}
	if len(fracPart) > decimals {
		return nil, errs.E(errs.InvalidInput, "amount %q has %d fractional digits, max %d", s, len(fracPart), decimals)
	}
	for i := 0; i < len(intPart); i++ {
		if intPart[i] < '0' || intPart[i] > '9' {
			return nil, errs.E(errs.InvalidInput, "malformed amount %q", s)
		}
	}
	for i := 0; i < len(fracPart); i++ {
		if fracPart[i] < '0' || fracPart[i] > '9' {
			return nil, errs.E(errs.InvalidInput, "malformed amount %q", s)
		}
	}

	// Right-pad the fraction to exactly `decimals` digits, then read the
	// concatenation as one integer.
	digits := intPart + fracPart + strings.Repeat("0", decimals-len(fracPart))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, errs.E(errs.InvalidInput, "malformed amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// FormatAmount renders a scaled integer as the canonical decimal string:
// a decimal point appears iff decimals > 0, with exactly `decimals`
// fractional digits; zero renders as "0" (or "0.00...").
func FormatAmount(scaled *big.Int, decimals int) string {
	v := new(big.Int).Set(scaled)
	neg := v.Sign() < 0
	if neg {
		v.Neg(v)
	}
	digits := v.String()
	if decimals == 0 {
		if neg {
			return "-" + digits
		}
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	out := digits[:cut] + "." + digits[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// Scaled returns the scaled integer value.
func (m Money) Scaled() (*big.Int, error) {
	return ParseAmount(m.Amount, m.Decimals)
}

func (m Money) sameUnit(o Money) error {
	if m.Currency != o.Currency {
		return errs.E(errs.InvalidInput, "currency mismatch: %s vs %s", m.Currency, o.Currency)
	}
	if m.Decimals != o.Decimals {
		return errs.E(errs.InvalidInput, "decimals mismatch for %s: %d vs %d", m.Currency, m.Decimals, o.Decimals)
	}
	return nil
}

// Add returns m + o. Both operands must share currency and decimals.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameUnit(o); err != nil {
		return Money{}, err
	}
	a, err := m.Scaled()
	if err != nil {
		return Money{}, err
	}
	b, err := o.Scaled()
	if err != nil {
		return Money{}, err
	}
	return FromScaled(a.Add(a, b), m.Currency, m.Decimals), nil
}

// Sub returns m - o. Both operands must share currency and decimals.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameUnit(o); err != nil {
		return Money{}, err
	}
	a, err := m.Scaled()
	if err != nil {
		return Money{}, err
	}
	b, err := o.Scaled()
	if err != nil {
		return Money{}, err
	}
	return FromScaled(a.Sub(a, b), m.Currency, m.Decimals), nil
}

// Cmp compares m against o (-1, 0, +1). Units must match.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameUnit(o); err != nil {
		return 0, err
	}
	a, err := m.Scaled()
	if err != nil {
		return 0, err
	}
	b, err := o.Scaled()
	if err != nil {
		return 0, err
	}
	return a.Cmp(b), nil
}

func (m Money) sign() int {
	v, err := m.Scaled()
	if err != nil {
		return 0
	}
	return v.Sign()
}

func (m Money) IsZero() bool     { return m.sign() == 0 }
func (m Money) IsPositive() bool { return m.sign() > 0 }
func (m Money) IsNegative() bool { return m.sign() < 0 }

// Abs returns the magnitude of m.
func (m Money) Abs() Money {
	v, err := m.Scaled()
	if err != nil {
		return m
	}
	return FromScaled(v.Abs(v), m.Currency, m.Decimals)
}

// Validate checks the structural invariants: non-empty currency, decimals >= 0
// and a well-formed amount string.
func (m Money) Validate() error {
	if m.Currency == "" {
		return errs.E(errs.InvalidInput, "currency must not be empty")
	}
	if m.Decimals < 0 {
		return errs.E(errs.InvalidInput, "decimals must be >= 0, got %d", m.Decimals)
	}
	if _, err := m.Scaled(); err != nil {
		return err
	}
	return nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount, m.Currency)
}
