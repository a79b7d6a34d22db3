package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// setupTestDB creates a ledger in a temporary directory.
func setupTestDB(t *testing.T) *TradeStore {
	t.Helper()
	store, err := InitDB(filepath.Join(t.TempDir(), "trades.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func buyTrade(id, botID, level string, at time.Time) *models.TradeRecord {
	return &models.TradeRecord{
		ID: id, BotID: botID, Symbol: "BNBUSDT", Level: level, Side: models.Buy,
		Quantity: d("0.5586"), OpenPrice: d("89.52"),
		OrderID: "1001", ClientOrderID: "gbabc_lv2b", Status: "FILLED", OrderType: "MARKET",
		CreatedAt: at,
	}
}

func sellTrade(id, botID, level, profit string, at time.Time) *models.TradeRecord {
	return &models.TradeRecord{
		ID: id, BotID: botID, Symbol: "BNBUSDT", Level: level, Side: models.Sell,
		Quantity: d("0.5586"), OpenPrice: d("89.52"),
		ClosePrice: decimal.NewNullDecimal(d("100.1")), Profit: decimal.NewNullDecimal(d(profit)),
		OrderID: "1002", Status: "FILLED", OrderType: "MARKET",
		CreatedAt: at,
	}
}

func TestAppendAndListTrades(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTrade(ctx, buyTrade("t1", "bot-a", "lv2", t0)))
	require.NoError(t, store.AppendTrade(ctx, sellTrade("t2", "bot-a", "lv2", "5.9012345678", t0.Add(time.Minute))))
	require.NoError(t, store.AppendTrade(ctx, buyTrade("t3", "bot-b", "lv1", t0)))

	trades, err := store.ListTrades(ctx, "bot-a")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	buy := trades[0]
	assert.Equal(t, "t1", buy.ID)
	assert.Equal(t, models.Buy, buy.Side)
	assert.False(t, buy.ClosePrice.Valid)
	assert.False(t, buy.Profit.Valid)
	assert.True(t, buy.Quantity.Equal(d("0.5586")))
	assert.Equal(t, "gbabc_lv2b", buy.ClientOrderID)
	assert.True(t, buy.CreatedAt.Equal(t0))

	sell := trades[1]
	require.True(t, sell.Profit.Valid)
	assert.True(t, sell.Profit.Decimal.Equal(d("5.9012345678")), "decimals round-trip exactly")
	assert.True(t, sell.ClosePrice.Decimal.Equal(d("100.1")))
}

func TestAppendTradeRejectsDuplicateID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.AppendTrade(ctx, buyTrade("t1", "bot-a", "lv1", time.Now())))
	assert.Error(t, store.AppendTrade(ctx, buyTrade("t1", "bot-a", "lv1", time.Now())))
}

func TestLevelStatsAndTotalProfit(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, store.AppendTrade(ctx, buyTrade("b1", "bot", "lv2", t0)))
	require.NoError(t, store.AppendTrade(ctx, sellTrade("s1", "bot", "lv2", "1.5", t0)))
	require.NoError(t, store.AppendTrade(ctx, buyTrade("b2", "bot", "lv2", t0)))
	require.NoError(t, store.AppendTrade(ctx, sellTrade("s2", "bot", "lv2", "2.25", t0)))
	require.NoError(t, store.AppendTrade(ctx, sellTrade("s3", "bot", "lv3", "-0.5", t0)))

	stats, err := store.LevelStats(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 2, stats["lv2"].TakeProfits)
	assert.True(t, stats["lv2"].Profit.Equal(d("3.75")))
	assert.Equal(t, 1, stats["lv3"].TakeProfits)

	total, err := store.TotalProfit(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, total.Equal(d("3.25")))

	empty, err := store.TotalProfit(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestInMemoryLedger(t *testing.T) {
	store, err := InitDB(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AppendTrade(context.Background(), buyTrade("t1", "bot", "lv1", time.Now())))
	trades, err := store.ListTrades(context.Background(), "bot")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestWriteCSV(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteCSV(&buf, []*models.TradeRecord{
		buyTrade("t1", "bot", "lv2", t0),
		sellTrade("t2", "bot", "lv2", "5.9", t0),
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Level;Side;Quantity;Open Price;Close Price;Profit;Order Id;Client Order Id;Order Type;Status;Open Time", lines[0])
	assert.Equal(t, "lv2;BUY;0,5586;89,52;;;1001;gbabc_lv2b;MARKET;FILLED;2024-03-01 12:30:05", lines[1])
	assert.Equal(t, "lv2;SELL;0,5586;89,52;100,1;5,9;1002;;MARKET;FILLED;2024-03-01 12:30:05", lines[2])
}
