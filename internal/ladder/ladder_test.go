package ladder

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGenerateReferenceScenario(t *testing.T) {
	l, err := Generate(Params{
		Symbol:   "BNBUSDT",
		MaxPrice: d("100"),
		Percent:  d("10"),
		Capital:  d("1000"),
		Decimals: 2,
	})
	require.NoError(t, err)
	require.Len(t, l.Levels, 10)

	assert.Equal(t, "lv1", l.Levels[0].Name)
	assert.Equal(t, "100.00", l.Levels[0].Price.StringFixed(2))
	assert.Equal(t, "90.00", l.Levels[1].Price.StringFixed(2))
	assert.Equal(t, "10.00", l.Levels[9].Price.StringFixed(2))

	for _, lv := range l.Levels {
		assert.True(t, l.CapitalByLevel[lv.Name].Equal(d("100")), "capital of %s", lv.Name)
	}
	assert.Equal(t, "lv1", l.SellTarget["lv2"])
	assert.Equal(t, "lv9", l.SellTarget["lv10"])
	_, hasTarget := l.SellTarget["lv1"]
	assert.False(t, hasTarget)
}

func TestGenerateRespectsMinPrice(t *testing.T) {
	l, err := Generate(Params{MaxPrice: d("100"), Percent: d("10"), Capital: d("900"), MinPrice: d("65"), Decimals: 2})
	require.NoError(t, err)
	// 100, 90, 80, 70 -> 60 is below the floor
	require.Len(t, l.Levels, 4)
	assert.True(t, l.CapitalByLevel["lv1"].Equal(d("225")))
}

func TestGenerateCapsLevelCount(t *testing.T) {
	l, err := Generate(Params{MaxPrice: d("600"), Percent: d("0.5"), Capital: d("1000"), Decimals: 3})
	require.NoError(t, err)
	assert.Len(t, l.Levels, MaxLevels)
	assert.True(t, l.CapitalByLevel["lv50"].Equal(d("20")))
}

func TestGenerateEmptyLadder(t *testing.T) {
	// every candidate level is at or below the floor
	l, err := Generate(Params{MaxPrice: d("100"), Percent: d("10"), Capital: d("1000"), MinPrice: d("100"), Decimals: 2})
	require.NoError(t, err)
	assert.True(t, l.Empty())
	assert.Empty(t, l.CapitalByLevel)
	assert.Empty(t, l.SellTarget)
}

func TestGenerateRejectsInvalidParams(t *testing.T) {
	cases := map[string]Params{
		"zero max price":    {MaxPrice: d("0"), Percent: d("1"), Capital: d("10")},
		"negative percent":  {MaxPrice: d("10"), Percent: d("-1"), Capital: d("10")},
		"zero capital":      {MaxPrice: d("10"), Percent: d("1"), Capital: d("0")},
		"negative decimals": {MaxPrice: d("10"), Percent: d("1"), Capital: d("10"), Decimals: -1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Generate(p)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestGenerateSkipsLevelsCollapsedByRounding(t *testing.T) {
	l, err := Generate(Params{MaxPrice: d("10"), Percent: d("1"), Capital: d("100"), Decimals: 0})
	require.NoError(t, err)
	for i := 1; i < len(l.Levels); i++ {
		assert.True(t, l.Levels[i].Price.LessThan(l.Levels[i-1].Price))
	}
}

func TestGenerateProperties(t *testing.T) {
	maxPrices := []string{"0.5", "3.21", "100", "27000", "64123.45"}
	percents := []string{"0.3", "1", "2.5", "7", "33"}
	capitals := []string{"10", "999.99", "12345"}
	minPrices := []string{"0", "0.1", "50"}

	for _, mp := range maxPrices {
		for _, pct := range percents {
			for _, capital := range capitals {
				for _, minP := range minPrices {
					p := Params{MaxPrice: d(mp), Percent: d(pct), Capital: d(capital), MinPrice: d(minP), Decimals: 4}
					l, err := Generate(p)
					require.NoError(t, err)
					if l.Empty() {
						continue
					}

					assert.LessOrEqual(t, len(l.Levels), MaxLevels)
					sum := decimal.Zero
					for i, lv := range l.Levels {
						assert.True(t, lv.Price.IsPositive())
						if p.MinPrice.IsPositive() {
							assert.True(t, lv.Price.GreaterThan(p.MinPrice), "level %s=%s under floor %s", lv.Name, lv.Price, p.MinPrice)
						}
						if i > 0 {
							assert.True(t, lv.Price.LessThan(l.Levels[i-1].Price))
						}
						sum = sum.Add(l.CapitalByLevel[lv.Name])
					}
					// each level is rounded to cents, so the total drifts at most half a cent per level
					tolerance := d("0.005").Mul(decimal.NewFromInt(int64(len(l.Levels))))
					assert.True(t, sum.Sub(p.Capital).Abs().LessThanOrEqual(tolerance), "sum %s vs capital %s", sum, p.Capital)
				}
			}
		}
	}
}
