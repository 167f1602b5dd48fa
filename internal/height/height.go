// Package height implements the credit height: an arbitrary-precision,
// non-negative integer that only ever grows on an account.
package height

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrUnderflow means a subtraction would go below zero. For ledger
	// totals this is accounting corruption and must never be clamped.
	ErrUnderflow = errors.New("height underflow")
	ErrInvalid   = errors.New("invalid height")
)

// Height is immutable; every operation returns a new value. The zero value is 0.
type Height struct {
	v *big.Int
}

var Zero = Height{}

func (h Height) big() *big.Int {
	if h.v == nil {
		return new(big.Int)
	}
	return h.v
}

// Parse reads a base-10 representation. Signs, fractions and exponents are rejected.
func Parse(s string) (Height, error) {
	if s == "" {
		return Height{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return Height{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Height{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return Height{v: v}, nil
}

// MustParse is for constants and tests.
func MustParse(s string) Height {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

func FromUint64(n uint64) Height {
	return Height{v: new(big.Int).SetUint64(n)}
}

// FromBig copies b. Negative values are rejected.
func FromBig(b *big.Int) (Height, error) {
	if b == nil {
		return Height{}, nil
	}
	if b.Sign() < 0 {
		return Height{}, fmt.Errorf("%w: negative %s", ErrInvalid, b)
	}
	return Height{v: new(big.Int).Set(b)}, nil
}

// Big returns a copy of the underlying integer.
func (h Height) Big() *big.Int {
	return new(big.Int).Set(h.big())
}

func (h Height) Add(o Height) Height {
	return Height{v: new(big.Int).Add(h.big(), o.big())}
}

// Sub returns h - o, or ErrUnderflow when o > h.
func (h Height) Sub(o Height) (Height, error) {
	if h.Cmp(o) < 0 {
		return Height{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, h, o)
	}
	return Height{v: new(big.Int).Sub(h.big(), o.big())}, nil
}

func (h Height) Cmp(o Height) int {
	return h.big().Cmp(o.big())
}

func (h Height) IsZero() bool {
	return h.big().Sign() == 0
}

func (h Height) String() string {
	return h.big().String()
}

// Remaining is total - (withdrawals + refunds).
func Remaining(total, withdrawals, refunds Height) (Height, error) {
	return total.Sub(withdrawals.Add(refunds))
}

func (h Height) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts a decimal string. Bare JSON numbers are accepted
// only when they are integral, so large values are never routed through floats.
func (h *Height) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	p, err := Parse(s)
	if err != nil {
		return err
	}
	*h = p
	return nil
}

// Scan implements sql.Scanner. Heights are stored as TEXT.
func (h *Height) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*h = Height{}
		return nil
	case string:
		p, err := Parse(v)
		if err != nil {
			return err
		}
		*h = p
		return nil
	case []byte:
		return h.Scan(string(v))
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: negative %d", ErrInvalid, v)
		}
		*h = FromUint64(uint64(v))
		return nil
	default:
		return fmt.Errorf("height: cannot scan %T", src)
	}
}

// Value implements driver.Valuer.
func (h Height) Value() (driver.Value, error) {
	return h.String(), nil
}
