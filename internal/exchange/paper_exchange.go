package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"

	"github.com/shopspring/decimal"
)

// PaperExchange 实现了 Exchange 接口，用于模拟盘和回测。
// 市价单按当前价格加滑点立即成交，手续费以计价货币扣除。
type PaperExchange struct {
	mu sync.Mutex

	source PriceSource // 非空时从真实行情拉取价格 (模拟盘)

	InitialCash  decimal.Decimal
	Cash         decimal.Decimal
	FeeRate      decimal.Decimal
	SlippageRate decimal.Decimal
	Rules        SymbolRules // 模拟的交易规则

	prices      map[string]decimal.Decimal
	CurrentTime time.Time
	Positions   map[string]decimal.Decimal
	TotalFees   decimal.Decimal
	orders      map[int64]*OrderResult
	TradeLog    []PaperTrade
	EquityCurve []decimal.Decimal
	NextOrderID int64
	nextTradeID int64
}

// PaperTrade 是模拟成交日志中的一条记录
type PaperTrade struct {
	OrderID    int64
	Symbol     string
	Side       models.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Commission decimal.Decimal
	Time       time.Time
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。source 为 nil 时价格由 SetPrice 驱动 (回测)。
func NewPaperExchange(initialCash, feeRate, slippageRate decimal.Decimal, source PriceSource) *PaperExchange {
	return &PaperExchange{
		source:       source,
		InitialCash:  initialCash,
		Cash:         initialCash,
		FeeRate:      feeRate,
		SlippageRate: slippageRate,
		Rules: SymbolRules{
			StepSize:       decimal.RequireFromString("0.0001"),
			TickSize:       decimal.RequireFromString("0.01"),
			QuotePrecision: 2,
		},
		prices:      make(map[string]decimal.Decimal),
		Positions:   make(map[string]decimal.Decimal),
		TotalFees:   decimal.Zero,
		orders:      make(map[int64]*OrderResult),
		EquityCurve: make([]decimal.Decimal, 0, 10000),
		NextOrderID: 1,
	}
}

// SetPrice 是回测的核心，推进一个价格点并记录权益
func (e *PaperExchange) SetPrice(symbol string, price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = price
	e.CurrentTime = ts
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())
}

// equityLocked 现金 + 持仓市值。必须在持有锁的情况下调用。
func (e *PaperExchange) equityLocked() decimal.Decimal {
	equity := e.Cash
	for symbol, qty := range e.Positions {
		equity = equity.Add(qty.Mul(e.prices[symbol]))
	}
	return equity
}

// Equity 返回当前账户总权益
func (e *PaperExchange) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// Position 返回某交易对的持仓数量
func (e *PaperExchange) Position(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Positions[symbol]
}

// MaxDrawdown 根据权益曲线计算最大回撤 (0.1 表示 10%)
func (e *PaperExchange) MaxDrawdown() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, eq := range e.EquityCurve {
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if peak.IsPositive() {
			dd := peak.Sub(eq).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Trades 返回模拟成交日志的副本
func (e *PaperExchange) Trades() []PaperTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PaperTrade(nil), e.TradeLog...)
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.source != nil {
		price, err := e.source.FetchPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		e.mu.Lock()
		e.prices[symbol] = price
		e.CurrentTime = time.Now()
		e.mu.Unlock()
		return price, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("模拟盘没有 %s 的价格: %w", symbol, ErrPriceUnavailable)
	}
	return price, nil
}

func (e *PaperExchange) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOrderRejected, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[req.Symbol]
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("模拟盘没有 %s 的价格: %w", req.Symbol, ErrOrderRejected)
	}

	one := decimal.NewFromInt(1)
	var execPrice, qty decimal.Decimal
	switch req.Side {
	case models.Buy:
		amount := NormalizeBuyQuote(req.QuoteAmount, &e.Rules)
		if err := checkBuy(amount, &e.Rules); err != nil {
			return nil, err
		}
		execPrice = price.Mul(one.Add(e.SlippageRate))
		qty = money.TruncateToStep(amount.Div(execPrice), e.Rules.StepSize)
		if !qty.IsPositive() {
			return nil, fmt.Errorf("买单金额 %s 不足以买入最小数量: %w", amount, ErrOrderRejected)
		}
		cost := execPrice.Mul(qty)
		fee := cost.Mul(e.FeeRate)
		if cost.Add(fee).GreaterThan(e.Cash) {
			return nil, fmt.Errorf("模拟盘现金不足: 需要 %s, 可用 %s: %w", cost.Add(fee), e.Cash, ErrOrderRejected)
		}
		e.Cash = e.Cash.Sub(cost).Sub(fee)
		e.Positions[req.Symbol] = e.Positions[req.Symbol].Add(qty)
		return e.fillLocked(req, execPrice, qty, fee), nil

	case models.Sell:
		qty = NormalizeSellQuantity(req.Quantity, &e.Rules)
		if err := checkSell(qty, &e.Rules); err != nil {
			return nil, err
		}
		held := e.Positions[req.Symbol]
		if qty.GreaterThan(held) {
			return nil, fmt.Errorf("模拟盘持仓不足: 卖出 %s, 持有 %s: %w", qty, held, ErrOrderRejected)
		}
		execPrice = price.Mul(one.Sub(e.SlippageRate))
		proceeds := execPrice.Mul(qty)
		fee := proceeds.Mul(e.FeeRate)
		e.Cash = e.Cash.Add(proceeds).Sub(fee)
		e.Positions[req.Symbol] = held.Sub(qty)
		return e.fillLocked(req, execPrice, qty, fee), nil
	}
	return nil, fmt.Errorf("未知的订单方向 %q: %w", req.Side, ErrOrderRejected)
}

// fillLocked 记录一笔已成交订单。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(req OrderRequest, price, qty, fee decimal.Decimal) *OrderResult {
	e.TotalFees = e.TotalFees.Add(fee)
	e.nextTradeID++

	res := &OrderResult{
		OrderID:       e.NextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        OrderStatusFilled,
		Fills:         []money.Fill{{Price: price, Quantity: qty, Commission: fee, TradeID: e.nextTradeID}},
		ExecutedQty:   qty,
		CumQuote:      price.Mul(qty),
	}
	e.orders[res.OrderID] = res
	e.NextOrderID++

	e.TradeLog = append(e.TradeLog, PaperTrade{
		OrderID:    res.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      price,
		Quantity:   qty,
		Commission: fee,
		Time:       e.CurrentTime,
	})

	cpy := *res
	return &cpy
}

func (e *PaperExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok {
		cpy := *order
		return &cpy, nil
	}
	return nil, fmt.Errorf("订单 ID %d 在模拟盘中未找到: %w", orderID, ErrOrderNotFound)
}

// SymbolRules 为模拟盘提供一个包含合理默认值的交易规则
func (e *PaperExchange) SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	r := e.Rules
	r.Symbol = symbol
	return &r, nil
}

// Orders 按订单号顺序返回所有订单
func (e *PaperExchange) Orders() []*OrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	orders := make([]*OrderResult, 0, len(ids))
	for _, id := range ids {
		cpy := *e.orders[id]
		orders = append(orders, &cpy)
	}
	return orders
}
