// Package engine evaluates one grid bot against the current price: it decides buys and
// sells per level, executes them through the exchange and records the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/ladder"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"
	"spot-grid-bot/internal/persistence"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrBotNotRunning is returned when Evaluate is called for a bot that is not RUNNING.
	ErrBotNotRunning = errors.New("bot is not running")
	// ErrPartialLiquidation means close-and-finish could not sell every held level;
	// the bot stays RUNNING and the next tick retries the remaining levels.
	ErrPartialLiquidation = errors.New("partial liquidation")
)

// DefaultCloseTriggerRatio triggers close-and-finish once price exceeds lv1 by 10%.
var DefaultCloseTriggerRatio = decimal.RequireFromString("1.1")

// BotStore persists the bot aggregate (status, ladder and runtime state in one write).
type BotStore interface {
	Save(ctx context.Context, bot *models.Bot) error
}

// TradeLedger appends completed orders.
type TradeLedger interface {
	AppendTrade(ctx context.Context, trade *models.TradeRecord) error
}

// Options tune the engine. Zero values fall back to the defaults.
type Options struct {
	FeeRate           decimal.Decimal
	CloseTriggerRatio decimal.Decimal
	Settlement        exchange.Settlement
	Now               func() time.Time
}

// Mode tells which branch an evaluation took.
type Mode string

const (
	ModeStandard       Mode = "standard"
	ModeCloseAndFinish Mode = "close_and_finish"
)

// Result summarises one evaluation.
type Result struct {
	Mode     Mode
	Buys     int
	Sells    int
	Failures int
	Profit   decimal.Decimal
	Finished bool
}

// Engine is safe to share between goroutines as long as each bot is evaluated by
// one goroutine at a time.
type Engine struct {
	exchange exchange.Exchange
	bots     BotStore
	trades   TradeLedger
	opts     Options
	logger   *zap.Logger
}

// New creates an Engine.
func New(ex exchange.Exchange, bots BotStore, trades TradeLedger, opts Options, logger *zap.Logger) *Engine {
	if opts.FeeRate.IsZero() {
		opts.FeeRate = money.DefaultFeeRate
	}
	if !opts.CloseTriggerRatio.IsPositive() {
		opts.CloseTriggerRatio = DefaultCloseTriggerRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{exchange: ex, bots: bots, trades: trades, opts: opts, logger: logger}
}

// ShouldClose reports whether the bot must be liquidated at this price: an explicit
// request, or price above lv1 * CloseTriggerRatio.
func (e *Engine) ShouldClose(bot *models.Bot, price decimal.Decimal) bool {
	if bot.CloseRequested {
		return true
	}
	top, ok := bot.Ladder.Top()
	if !ok {
		return false
	}
	return money.AboveRatio(price, top.Price, e.opts.CloseTriggerRatio)
}

// Evaluate runs one tick for bot at price. The bot is mutated in place and saved once
// at the end, whatever happened to the individual orders.
func (e *Engine) Evaluate(ctx context.Context, bot *models.Bot, price decimal.Decimal, closeAndFinish bool) (*Result, error) {
	if bot.Status != models.StatusRunning {
		return nil, fmt.Errorf("bot %s status %s: %w", bot.ID, bot.Status, ErrBotNotRunning)
	}
	if bot.Ladder.Empty() {
		return nil, fmt.Errorf("bot %s: %w", bot.ID, ladder.ErrNoLevels)
	}
	if bot.Runtime == nil {
		bot.Runtime = models.NewRuntimeState(bot.Ladder.Names())
	}

	t := &tick{
		Engine: e,
		bot:    bot,
		price:  price,
		log:    e.logger.With(zap.String("bot_id", bot.ID), zap.String("symbol", bot.Symbol)),
		res:    &Result{Mode: ModeStandard, Profit: decimal.Zero},
	}

	if closeAndFinish || e.ShouldClose(bot, price) {
		t.res.Mode = ModeCloseAndFinish
		t.closeAndFinish(ctx)
	} else {
		t.standard(ctx)
	}

	if err := bot.Runtime.Validate(); err != nil {
		t.log.Error("运行时状态不一致", zap.Error(err))
	}

	bot.UpdatedAt = e.opts.Now()
	if err := e.bots.Save(ctx, bot); err != nil {
		t.log.Error("保存机器人状态失败", zap.Error(err))
		return t.res, wrapPersistence("save bot", err)
	}
	if t.ledgerErr != nil {
		return t.res, t.ledgerErr
	}
	if t.res.Mode == ModeCloseAndFinish && !t.res.Finished {
		return t.res, fmt.Errorf("bot %s: %d level(s) still held: %w", bot.ID, t.res.Failures, ErrPartialLiquidation)
	}
	return t.res, nil
}

// tick carries the state of one evaluation.
type tick struct {
	*Engine
	bot       *models.Bot
	price     decimal.Decimal
	log       *zap.Logger
	res       *Result
	ledgerErr error
}

// closeAndFinish sells every held level in ladder order and finishes the bot when
// nothing is left.
func (t *tick) closeAndFinish(ctx context.Context) {
	t.log.Info("触发清仓并结束", zap.String("price", t.price.String()), zap.Bool("requested", t.bot.CloseRequested))

	for _, lv := range t.bot.Ladder.Levels {
		st := t.bot.Runtime.Get(lv.Name)
		if !st.Holding || st.InFlight || !st.EntryQuantity.IsPositive() {
			continue
		}
		if !t.sell(ctx, lv.Name, st, true) {
			t.res.Failures++
		}
	}

	for _, lv := range t.bot.Ladder.Levels {
		if st := t.bot.Runtime.Get(lv.Name); st.Holding && st.InFlight {
			// 理论上不会发生：未完成的订单挡住了清仓
			t.res.Failures++
		}
	}

	if t.res.Failures == 0 {
		t.bot.Status = models.StatusFinished
		t.bot.CloseRequested = false
		t.res.Finished = true
		t.log.Info("所有档位已清仓，机器人结束", zap.String("profit", t.res.Profit.String()))
		return
	}
	t.log.Warn("部分档位清仓失败，下一轮重试", zap.Int("failures", t.res.Failures))
}

// standard makes one pass over the ladder. The sell rule looks at the holding flag
// as it was before the buy rule ran, so a level bought in this pass is not sold in it.
func (t *tick) standard(ctx context.Context) {
	for _, lv := range t.bot.Ladder.Levels {
		st := t.bot.Runtime.Get(lv.Name)
		wasHolding := st.Holding

		if t.price.LessThan(lv.Price) && !st.Holding && !st.InFlight {
			if !t.buy(ctx, lv.Name, st) {
				t.res.Failures++
			}
		}

		if wasHolding && st.Holding && !st.InFlight {
			target, ok := t.bot.Ladder.TargetPrice(lv.Name)
			if ok && t.price.GreaterThanOrEqual(target) {
				if !t.sell(ctx, lv.Name, st, false) {
					t.res.Failures++
				}
			}
		}
	}
}

func (t *tick) buy(ctx context.Context, level string, st *models.LevelState) bool {
	log := t.log.With(zap.String("level", level))
	amount := t.bot.Ladder.Capital(level)

	st.InFlight = true
	res, qty, avg, err := t.execute(ctx, exchange.OrderRequest{
		Symbol:        t.bot.Symbol,
		Side:          models.Buy,
		QuoteAmount:   amount,
		ClientOrderID: exchange.NewClientOrderID(t.bot.ID, level, models.Buy),
	})
	if err != nil {
		st.InFlight = false
		log.Warn("买入失败", zap.String("amount", amount.String()), zap.Error(err))
		return false
	}

	t.bot.Runtime.Open(level, avg, qty)
	t.res.Buys++
	log.Info("买入成交",
		zap.String("price", t.price.String()),
		zap.String("avgPrice", avg.String()),
		zap.String("qty", qty.String()),
		zap.Int64("orderId", res.OrderID))

	t.record(ctx, &models.TradeRecord{
		Level:     level,
		Side:      models.Buy,
		Quantity:  qty,
		OpenPrice: avg,
	}, res)
	return true
}

// sell closes a level. rollup adds the profit to the level's capital, which only
// happens when the bot is being liquidated.
func (t *tick) sell(ctx context.Context, level string, st *models.LevelState, rollup bool) bool {
	log := t.log.With(zap.String("level", level))
	entryPrice, entryQty := st.EntryPrice, st.EntryQuantity

	st.InFlight = true
	res, qty, avg, err := t.execute(ctx, exchange.OrderRequest{
		Symbol:        t.bot.Symbol,
		Side:          models.Sell,
		Quantity:      entryQty,
		ClientOrderID: exchange.NewClientOrderID(t.bot.ID, level, models.Sell),
	})
	if err != nil {
		st.InFlight = false
		log.Warn("卖出失败", zap.String("qty", entryQty.String()), zap.Error(err))
		return false
	}

	if qty.LessThan(entryQty) {
		// 数量被截断到交易所精度后的零头留在账户里
		log.Warn("卖出数量少于持仓，剩余部分不再跟踪",
			zap.String("entryQty", entryQty.String()),
			zap.String("executedQty", qty.String()))
	}

	profit := money.CalcProfit(entryPrice, avg, qty, t.opts.FeeRate)
	if rollup {
		t.bot.Ladder.AddProfit(level, profit)
	}
	t.bot.Runtime.Reset(level)
	t.res.Sells++
	t.res.Profit = t.res.Profit.Add(profit)
	log.Info("卖出成交",
		zap.String("entryPrice", entryPrice.String()),
		zap.String("avgPrice", avg.String()),
		zap.String("qty", qty.String()),
		zap.String("profit", profit.String()),
		zap.Int64("orderId", res.OrderID))

	t.record(ctx, &models.TradeRecord{
		Level:      level,
		Side:       models.Sell,
		Quantity:   qty,
		OpenPrice:  entryPrice,
		ClosePrice: decimal.NewNullDecimal(avg),
		Profit:     decimal.NewNullDecimal(profit),
	}, res)
	return true
}

// execute places the order, waits for it to settle and aggregates the fills.
// Any failure means nothing was executed.
func (t *tick) execute(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, decimal.Decimal, decimal.Decimal, error) {
	res, err := t.exchange.PlaceMarketOrder(ctx, req)
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderRejected) {
			err = fmt.Errorf("%w: %w", exchange.ErrOrderRejected, err)
		}
		return nil, decimal.Zero, decimal.Zero, err
	}

	settled, err := exchange.AwaitSettlement(ctx, t.exchange, res, t.opts.Settlement)
	if err != nil {
		t.log.Warn("订单未在超时内进入终态，按已知成交处理",
			zap.Int64("orderId", res.OrderID), zap.Error(err))
	}
	if settled != nil {
		res = settled
	}

	qty, avg := res.Aggregate()
	if !qty.IsPositive() || !avg.IsPositive() {
		return nil, decimal.Zero, decimal.Zero, fmt.Errorf("order %d status %s executed nothing: %w",
			res.OrderID, res.Status, exchange.ErrOrderRejected)
	}
	return res, qty, avg, nil
}

// record appends the trade. A ledger failure does not undo the state change: the
// order was filled on the exchange.
func (t *tick) record(ctx context.Context, trade *models.TradeRecord, res *exchange.OrderResult) {
	trade.ID = uuid.NewString()
	trade.BotID = t.bot.ID
	trade.Symbol = t.bot.Symbol
	trade.OrderID = strconv.FormatInt(res.OrderID, 10)
	trade.ClientOrderID = res.ClientOrderID
	trade.Status = res.Status
	trade.OrderType = "MARKET"
	trade.CreatedAt = t.opts.Now()

	if err := t.trades.AppendTrade(ctx, trade); err != nil {
		t.log.Error("写入成交记录失败", zap.String("level", trade.Level), zap.String("side", string(trade.Side)), zap.Error(err))
		if t.ledgerErr == nil {
			t.ledgerErr = wrapPersistence("append trade", err)
		}
	}
}

func wrapPersistence(op string, err error) error {
	if errors.Is(err, persistence.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, persistence.ErrPersistence, err)
}
