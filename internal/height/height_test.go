package height

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	h, err := Parse("123456789012345678901234567890")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901234567890", h.String())

	for _, bad := range []string{"", "-1", "1.5", "1e18", " 1", "0x10"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrInvalid, bad)
	}
}

func TestZeroValue(t *testing.T) {
	var h Height
	require.True(t, h.IsZero())
	require.Equal(t, "0", h.String())
	require.Equal(t, 0, h.Cmp(Zero))
}

func TestAddSub(t *testing.T) {
	a := MustParse("1000000000000000000000")
	b := MustParse("1")

	sum := a.Add(b)
	require.Equal(t, "1000000000000000000001", sum.String())
	require.Equal(t, "1000000000000000000000", a.String(), "operands are not mutated")

	diff, err := sum.Sub(a)
	require.NoError(t, err)
	require.Equal(t, "1", diff.String())

	_, err = b.Sub(a)
	require.True(t, errors.Is(err, ErrUnderflow))
}

func TestRemaining(t *testing.T) {
	r, err := Remaining(FromUint64(10), FromUint64(3), FromUint64(2))
	require.NoError(t, err)
	require.Equal(t, "5", r.String())

	_, err = Remaining(FromUint64(4), FromUint64(3), FromUint64(2))
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestFromBigRejectsNegative(t *testing.T) {
	_, err := FromBig(big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestJSON(t *testing.T) {
	var payload struct {
		Height Height `json:"height"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"height":"99999999999999999999999"}`), &payload))
	require.Equal(t, "99999999999999999999999", payload.Height.String())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"height":"99999999999999999999999"}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"height":1.5}`), &payload))
}

func TestScan(t *testing.T) {
	var h Height
	require.NoError(t, h.Scan([]byte("42")))
	require.Equal(t, "42", h.String())
	require.NoError(t, h.Scan(nil))
	require.True(t, h.IsZero())
	require.Error(t, h.Scan(3.5))
}
