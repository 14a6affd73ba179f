package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FractionNotation(t *testing.T) {
	r, err := Parse("1/4")
	require.NoError(t, err)
	assert.Equal(t, "0.25", r.String())

	r, err = Parse("3/1")
	require.NoError(t, err)
	assert.Equal(t, "3.00", r.String())
}

func TestParse_DecimalNotation(t *testing.T) {
	r, err := Parse("4500.50")
	require.NoError(t, err)
	assert.Equal(t, "4500.50", r.String())

	r, err = Parse("11")
	require.NoError(t, err)
	assert.Equal(t, "11.00", r.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1/0x", "1.2.3"} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestCoefficientScaling(t *testing.T) {
	// amountFeatures=11, coefficient=1/4 -> bidder price 2.75
	features, err := Parse("11")
	require.NoError(t, err)
	coef, err := Parse("1/4")
	require.NoError(t, err)
	assert.Equal(t, "2.75", features.Mul(coef).String())

	// inverse: fullPrice=11, coefficient=3 -> 33
	coef3, err := Parse("3")
	require.NoError(t, err)
	assert.Equal(t, "33.00", features.Mul(coef3).String())
}

func TestScalingStaysExact(t *testing.T) {
	// 0.1 * 3 must be exactly 0.3, not a float neighborhood
	v, err := Parse("0.1")
	require.NoError(t, err)
	sum := v.Add(v).Add(v)
	want, err := Parse("0.3")
	require.NoError(t, err)
	assert.True(t, sum.Equal(want))
}

func TestCancelSentinel(t *testing.T) {
	assert.True(t, FromInt(-1).IsCancel())
	assert.False(t, FromInt(1).IsCancel())
	assert.False(t, Rational{}.IsCancel())
}

func TestZeroValue(t *testing.T) {
	var z Rational
	assert.True(t, z.IsZero())
	assert.Equal(t, "0.00", z.String())
	assert.Equal(t, 0, z.Cmp(FromInt(0)))
}

func TestJSONRoundTrip(t *testing.T) {
	var r Rational
	require.NoError(t, json.Unmarshal([]byte(`2.75`), &r))
	assert.Equal(t, "2.75", r.String())

	require.NoError(t, json.Unmarshal([]byte(`"1/4"`), &r))
	assert.Equal(t, "0.25", r.String())

	out, err := json.Marshal(FromInt(5))
	require.NoError(t, err)
	assert.Equal(t, `5`, string(out))

	v, err := Parse("2.75")
	require.NoError(t, err)
	out, err = json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `2.75`, string(out))
}

func TestFloorCents(t *testing.T) {
	third, err := Parse("10/3")
	require.NoError(t, err)
	assert.Equal(t, "3.33", FloorCents(third).String())

	exact, err := Parse("2.75")
	require.NoError(t, err)
	assert.Equal(t, "2.75", FloorCents(exact).String())

	neg, err := Parse("-10/3")
	require.NoError(t, err)
	assert.Equal(t, "-3.33", FloorCents(neg).String())
}

func TestPercentDecrease(t *testing.T) {
	hundred := FromInt(100)
	thousand := FromInt(1000)
	assert.Equal(t, "90", PercentDecrease(hundred, thousand).String())

	v, err := Parse("701")
	require.NoError(t, err)
	assert.Equal(t, "29.9", PercentDecrease(v, thousand).String())
}
