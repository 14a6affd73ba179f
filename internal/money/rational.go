// Package money implements exact rational arithmetic for bid amounts.
//
// Amounts, coefficients and ratios are kept as fractions end-to-end so
// coefficient-adjusted bids never accumulate cent-level float drift. Only
// the final display value is rounded, to 2 decimal places.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// CancelSentinel is the amount a bidder posts to withdraw their standing bid.
var CancelSentinel = FromInt(-1)

// Rational is an immutable exact fraction. The zero value is 0.
type Rational struct {
	r *big.Rat
}

// FromInt returns n as a Rational.
func FromInt(n int64) Rational {
	return Rational{r: new(big.Rat).SetInt64(n)}
}

// FromRat wraps an existing big.Rat. The value is copied.
func FromRat(r *big.Rat) Rational {
	return Rational{r: new(big.Rat).Set(r)}
}

// FromDecimal converts a decimal exactly.
func FromDecimal(d decimal.Decimal) Rational {
	return Rational{r: d.Rat()}
}

// Parse accepts both fraction notation ("3/4", as the authorization
// endpoint serializes coefficients) and decimal notation ("0.75", "4500").
func Parse(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rational{}, fmt.Errorf("parse rational: empty input")
	}
	if strings.Contains(s, "/") {
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return Rational{}, fmt.Errorf("parse rational: invalid fraction %q", s)
		}
		return Rational{r: r}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rational{}, fmt.Errorf("parse rational: %w", err)
	}
	return FromDecimal(d), nil
}

func (a Rational) rat() *big.Rat {
	if a.r == nil {
		return new(big.Rat)
	}
	return a.r
}

// Rat returns a copy of the underlying fraction.
func (a Rational) Rat() *big.Rat {
	return new(big.Rat).Set(a.rat())
}

func (a Rational) Add(b Rational) Rational {
	return Rational{r: new(big.Rat).Add(a.rat(), b.rat())}
}

func (a Rational) Sub(b Rational) Rational {
	return Rational{r: new(big.Rat).Sub(a.rat(), b.rat())}
}

func (a Rational) Mul(b Rational) Rational {
	return Rational{r: new(big.Rat).Mul(a.rat(), b.rat())}
}

// Div panics on division by zero, mirroring big.Rat.
func (a Rational) Div(b Rational) Rational {
	return Rational{r: new(big.Rat).Quo(a.rat(), b.rat())}
}

// Cmp returns -1, 0 or +1.
func (a Rational) Cmp(b Rational) int {
	return a.rat().Cmp(b.rat())
}

func (a Rational) Equal(b Rational) bool {
	return a.Cmp(b) == 0
}

func (a Rational) Less(b Rational) bool {
	return a.Cmp(b) < 0
}

func (a Rational) Sign() int {
	return a.rat().Sign()
}

func (a Rational) IsZero() bool {
	return a.Sign() == 0
}

// IsCancel reports whether the amount is the bid-withdrawal sentinel.
func (a Rational) IsCancel() bool {
	return a.Equal(CancelSentinel)
}

// Decimal rounds to the given number of decimal places.
func (a Rational) Decimal(places int32) decimal.Decimal {
	return decimal.NewFromBigRat(a.rat(), places)
}

// String renders the display form, rounded to 2 decimal places.
func (a Rational) String() string {
	return a.Decimal(2).StringFixed(2)
}

// MarshalJSON emits the amount as a bare JSON number; the server runs
// numeric comparisons on it, so a quoted string would be rejected.
func (a Rational) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal(2).String()), nil
}

// UnmarshalJSON accepts JSON numbers and quoted decimal or fraction strings.
func (a *Rational) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	a.r = v.rat()
	return nil
}

// FloorCents truncates toward zero at 2 decimal places, matching how the
// price inputs round derived values.
func FloorCents(a Rational) Rational {
	scaled := new(big.Rat).Mul(a.rat(), big.NewRat(100, 1))
	truncated := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return Rational{r: new(big.Rat).SetFrac(truncated, big.NewInt(100))}
}

// PercentDecrease returns (1 - value/base)*100 rounded to 2 places, the
// figure shown in the low-bid confirmation warning. Base must be non-zero.
func PercentDecrease(value, base Rational) decimal.Decimal {
	ratio := FromInt(1).Sub(value.Div(base)).Mul(FromInt(100))
	return ratio.Decimal(2)
}
