package exchange

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedExchange returns the queued GetOrder snapshots in order.
type scriptedExchange struct {
	mu        sync.Mutex
	snapshots []*OrderResult
	getErr    error
	calls     int
}

func (s *scriptedExchange) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, ErrPriceUnavailable
}

func (s *scriptedExchange) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return nil, ErrOrderRejected
}

func (s *scriptedExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	if len(s.snapshots) == 0 {
		return &OrderResult{OrderID: orderID, Symbol: symbol, Status: OrderStatusNew}, nil
	}
	snap := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	cpy := *snap
	return &cpy, nil
}

func (s *scriptedExchange) SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	return &SymbolRules{Symbol: symbol}, nil
}

func TestIsTerminal(t *testing.T) {
	for _, st := range []string{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired} {
		assert.True(t, IsTerminal(st), st)
	}
	assert.False(t, IsTerminal(OrderStatusNew))
	assert.False(t, IsTerminal(OrderStatusPartiallyFilled))
}

func TestOrderResultAggregate(t *testing.T) {
	withFills := &OrderResult{Fills: []money.Fill{
		{Price: d("10"), Quantity: d("1")},
		{Price: d("13"), Quantity: d("2")},
	}}
	qty, avg := withFills.Aggregate()
	assert.True(t, qty.Equal(d("3")))
	assert.True(t, avg.Equal(d("12")))

	// GetOrder snapshots carry no fills, only cumulative totals
	summary := &OrderResult{ExecutedQty: d("4"), CumQuote: d("50")}
	qty, avg = summary.Aggregate()
	assert.True(t, qty.Equal(d("4")))
	assert.True(t, avg.Equal(d("12.5")))

	qty, avg = (&OrderResult{}).Aggregate()
	assert.True(t, qty.IsZero())
	assert.True(t, avg.IsZero())
}

func TestNormalizeFallbackPrecision(t *testing.T) {
	assert.Equal(t, "99.99", NormalizeBuyQuote(d("99.999"), nil).String())
	assert.Equal(t, "0.5", NormalizeSellQuantity(d("0.59"), nil).String())
}

func TestNormalizeWithSymbolRules(t *testing.T) {
	rules := &SymbolRules{StepSize: d("0.001"), QuotePrecision: 8}
	assert.Equal(t, "0.598", NormalizeSellQuantity(d("0.5989"), rules).String())
	// quote precision never widens beyond two places
	assert.Equal(t, "12.34", NormalizeBuyQuote(d("12.3456"), rules).String())

	rules.QuotePrecision = 1
	assert.Equal(t, "12.3", NormalizeBuyQuote(d("12.3456"), rules).String())
}

func TestAwaitSettlementReturnsTerminalImmediately(t *testing.T) {
	ex := &scriptedExchange{}
	res := &OrderResult{OrderID: 1, Status: OrderStatusFilled}

	got, err := AwaitSettlement(context.Background(), ex, res, DefaultSettlement())
	require.NoError(t, err)
	assert.Same(t, res, got)
	assert.Zero(t, ex.calls)
}

func TestAwaitSettlementPollsUntilFilled(t *testing.T) {
	ex := &scriptedExchange{snapshots: []*OrderResult{
		{OrderID: 7, Status: OrderStatusPartiallyFilled, ExecutedQty: d("0.5"), CumQuote: d("50")},
		{OrderID: 7, Status: OrderStatusFilled, ExecutedQty: d("1"), CumQuote: d("101")},
	}}
	res := &OrderResult{OrderID: 7, Symbol: "BNBUSDT", Status: OrderStatusNew}

	got, err := AwaitSettlement(context.Background(), ex, res, Settlement{
		Timeout:  time.Second,
		MinDelay: time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, got.Status)
	qty, avg := got.Aggregate()
	assert.True(t, qty.Equal(d("1")))
	assert.True(t, avg.Equal(d("101")))
	assert.Equal(t, 2, ex.calls)
}

func TestAwaitSettlementKeepsFillsFromPlacement(t *testing.T) {
	fills := []money.Fill{{Price: d("100"), Quantity: d("1")}}
	ex := &scriptedExchange{snapshots: []*OrderResult{{OrderID: 3, Status: OrderStatusFilled, ExecutedQty: d("1"), CumQuote: d("100")}}}
	res := &OrderResult{OrderID: 3, Status: OrderStatusPartiallyFilled, Fills: fills}

	got, err := AwaitSettlement(context.Background(), ex, res, Settlement{Timeout: time.Second, MinDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, fills, got.Fills)
}

func TestAwaitSettlementDropsPartialFillsFromPlacement(t *testing.T) {
	ex := &scriptedExchange{snapshots: []*OrderResult{{OrderID: 4, Status: OrderStatusFilled, ExecutedQty: d("1.1"), CumQuote: d("99")}}}
	res := &OrderResult{OrderID: 4, Status: OrderStatusPartiallyFilled, Fills: []money.Fill{{Price: d("90"), Quantity: d("0.5")}}}

	got, err := AwaitSettlement(context.Background(), ex, res, Settlement{Timeout: time.Second, MinDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got.Fills)
	qty, avg := got.Aggregate()
	assert.True(t, qty.Equal(d("1.1")), "qty %s", qty)
	assert.True(t, avg.Equal(d("90")), "avg %s", avg)
}

func TestAwaitSettlementTimesOut(t *testing.T) {
	ex := &scriptedExchange{getErr: errors.New("boom")}
	res := &OrderResult{OrderID: 9, Status: OrderStatusNew, ExecutedQty: d("0.2"), CumQuote: d("20")}

	got, err := AwaitSettlement(context.Background(), ex, res, Settlement{
		Timeout:  30 * time.Millisecond,
		MinDelay: time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrSettlementTimeout)
	assert.Same(t, res, got, "the last good snapshot is returned")
	assert.Positive(t, ex.calls)
}

func TestNewClientOrderID(t *testing.T) {
	valid := regexp.MustCompile(`^[.A-Z:/a-z0-9_-]{1,36}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewClientOrderID("3f2b8c1e-1111-2222-3333-444455556666", "lv12", models.Buy)
		assert.Regexp(t, valid, id)
		assert.Contains(t, id, "3f2b8c1elv12b")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Contains(t, NewClientOrderID("x", "lv1", models.Sell), "xlv1s_")
}
