package reporter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"spot-grid-bot/internal/botmanager"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(d("1000"), decimal.Zero, decimal.Zero, nil)

	paper.SetPrice("BNBUSDT", d("100"), time.Now())
	_, err := paper.PlaceMarketOrder(ctx, exchange.OrderRequest{Symbol: "BNBUSDT", Side: models.Buy, QuoteAmount: d("500")})
	require.NoError(t, err)
	paper.SetPrice("BNBUSDT", d("80"), time.Now())
	paper.SetPrice("BNBUSDT", d("120"), time.Now())

	trades := []*models.TradeRecord{
		{Side: models.Buy},
		{Side: models.Buy},
		{Side: models.Sell, Profit: decimal.NewNullDecimal(d("10"))},
		{Side: models.Sell, Profit: decimal.NewNullDecimal(d("-2"))},
	}
	s := Summarize(paper, "BNBUSDT", trades)

	assert.True(t, s.EndingCash.Equal(d("500")))
	assert.True(t, s.PositionQty.Equal(d("5")))
	assert.True(t, s.EndingAssetValue.Equal(d("600")))
	assert.True(t, s.FinalEquity.Equal(d("1100")))
	assert.True(t, s.TotalProfit.Equal(d("100")))
	assert.True(t, s.ProfitPercentage.Equal(d("10")))
	assert.True(t, s.RealisedProfit.Equal(d("8")))
	assert.Equal(t, 2, s.Buys)
	assert.Equal(t, 2, s.Sells)
	assert.Equal(t, 1, s.WinningSells)
	assert.True(t, s.WinRate.Equal(d("50")))
	// equity 1000 -> 900 after the drop to 80
	assert.True(t, s.MaxDrawdown.Equal(d("10")))

	var buf bytes.Buffer
	RenderBacktest(&buf, s)
	out := buf.String()
	assert.Contains(t, out, "回测结果报告")
	assert.Contains(t, out, "1100.00 USDT")
	assert.Contains(t, out, "50.00%")
}

func TestRenderBotDetail(t *testing.T) {
	bot := &models.Bot{
		ID: "b1", Name: "grid", Symbol: "BNBUSDT", Status: models.StatusRunning, CloseRequested: true,
		Capital: d("200"), MaxPrice: d("100"), Percent: d("10"),
		Ladder: &models.Ladder{Levels: []models.Level{{Name: "lv1", Price: d("100")}, {Name: "lv2", Price: d("90")}}},
	}
	detail := &botmanager.Detail{
		Bot:         bot,
		Holding:     1,
		TakeProfits: 3,
		TotalProfit: d("12.345"),
		Levels: []botmanager.LevelDetail{
			{Name: "lv1", Price: d("100"), Capital: d("100")},
			{Name: "lv2", Price: d("90"), Capital: d("112.345"), Target: "lv1", TargetPrice: d("100"),
				Holding: true, EntryPrice: d("89.5"), EntryQuantity: d("1.25"), TakeProfits: 3, Profit: d("12.345")},
		},
	}

	var buf bytes.Buffer
	RenderBotDetail(&buf, detail)
	out := buf.String()
	assert.Contains(t, out, "grid (b1)")
	assert.Contains(t, out, "等待清仓")
	assert.Contains(t, out, "89.5")
	assert.Contains(t, out, "12.35")
}

func TestRenderBotListAndTrades(t *testing.T) {
	bots := []*models.Bot{
		{ID: "b1", Name: "one", Symbol: "BNBUSDT", Status: models.StatusFinished, Capital: d("100")},
		{ID: "b2", Name: "two", Symbol: "ETHUSDT", Status: models.StatusStopped, Capital: d("50"),
			Ladder: &models.Ladder{Levels: []models.Level{{Name: "lv1", Price: d("10")}}}, Runtime: models.NewRuntimeState([]string{"lv1"})},
	}
	var buf bytes.Buffer
	RenderBotList(&buf, bots)
	assert.Contains(t, buf.String(), "FINISHED")
	assert.Contains(t, buf.String(), "ETHUSDT")

	buf.Reset()
	RenderTrades(&buf, []*models.TradeRecord{
		{Level: "lv2", Side: models.Sell, Quantity: d("1.1"), OpenPrice: d("90"),
			ClosePrice: decimal.NewNullDecimal(d("100")), Profit: decimal.NewNullDecimal(d("10.9879")), OrderID: "42"},
	})
	assert.Contains(t, buf.String(), "10.99")
	assert.Contains(t, buf.String(), "42")
}
