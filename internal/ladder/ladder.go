// Package ladder builds the static level ladder of a grid bot.
package ladder

import (
	"errors"
	"fmt"

	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// MaxLevels caps the number of generated levels.
const MaxLevels = 50

var (
	// ErrNoLevels means the parameters produced an empty ladder; such a bot has nothing to trade.
	ErrNoLevels = errors.New("ladder has no tradable levels")
	// ErrInvalidParams is returned for non-positive prices, percentages or capital.
	ErrInvalidParams = errors.New("invalid ladder parameters")
)

var hundred = decimal.NewFromInt(100)

// Params are the inputs of Generate.
type Params struct {
	Symbol   string
	MaxPrice decimal.Decimal
	Percent  decimal.Decimal // step between levels, in percent of MaxPrice
	Capital  decimal.Decimal // total quote currency split evenly across levels
	MinPrice decimal.Decimal // optional floor, zero disables it
	Decimals int32           // price rounding precision
}

func (p Params) validate() error {
	switch {
	case !p.MaxPrice.IsPositive():
		return fmt.Errorf("%w: max price must be positive, got %s", ErrInvalidParams, p.MaxPrice)
	case !p.Percent.IsPositive():
		return fmt.Errorf("%w: percent must be positive, got %s", ErrInvalidParams, p.Percent)
	case !p.Capital.IsPositive():
		return fmt.Errorf("%w: capital must be positive, got %s", ErrInvalidParams, p.Capital)
	case p.MinPrice.IsNegative():
		return fmt.Errorf("%w: min price must not be negative, got %s", ErrInvalidParams, p.MinPrice)
	case p.Decimals < 0:
		return fmt.Errorf("%w: decimals must not be negative, got %d", ErrInvalidParams, p.Decimals)
	}
	return nil
}

// Generate builds the ladder: level i sits at MaxPrice*(1-(i-1)*Percent/100) rounded to
// Decimals; generation stops at a non-positive price, at MinPrice or after MaxLevels.
// Level i takes profit at the price of level i-1; lv1 has no target.
func Generate(p Params) (*models.Ladder, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	l := &models.Ladder{
		Symbol:         p.Symbol,
		Levels:         make([]models.Level, 0, MaxLevels),
		CapitalByLevel: make(map[string]decimal.Decimal),
		SellTarget:     make(map[string]string),
	}

	step := p.Percent.Div(hundred)
	one := decimal.NewFromInt(1)
	for i := 1; i <= MaxLevels; i++ {
		raw := p.MaxPrice.Mul(one.Sub(step.Mul(decimal.NewFromInt(int64(i - 1)))))
		if !raw.IsPositive() {
			break
		}
		if p.MinPrice.IsPositive() && raw.LessThanOrEqual(p.MinPrice) {
			break
		}
		price := raw.Round(p.Decimals)
		if !price.IsPositive() || (p.MinPrice.IsPositive() && price.LessThanOrEqual(p.MinPrice)) {
			break
		}
		// 精度过低时相邻两档可能四舍五入到同一价格，跳过以保证严格递减
		if n := len(l.Levels); n > 0 && price.GreaterThanOrEqual(l.Levels[n-1].Price) {
			continue
		}
		l.Levels = append(l.Levels, models.Level{
			Name:  fmt.Sprintf("lv%d", len(l.Levels)+1),
			Price: price,
		})
	}

	if len(l.Levels) == 0 {
		return l, nil
	}

	perLevel := p.Capital.Div(decimal.NewFromInt(int64(len(l.Levels)))).Round(2)
	for i, lv := range l.Levels {
		l.CapitalByLevel[lv.Name] = perLevel
		if i > 0 {
			l.SellTarget[lv.Name] = l.Levels[i-1].Name
		}
	}
	return l, nil
}
