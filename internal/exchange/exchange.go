package exchange

import (
	"context"
	"errors"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"

	"github.com/shopspring/decimal"
)

// 交易所错误分类。适配器需要把底层错误包装成以下错误之一。
var (
	// ErrPriceUnavailable 获取价格失败或超时，本轮跳过该机器人
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrOrderRejected 下单失败、被拒或超时；调用者必须视为未成交
	ErrOrderRejected = errors.New("order rejected")
	// ErrSettlementTimeout 订单已被接受，但在超时前未进入终态
	ErrSettlementTimeout = errors.New("order not settled before timeout")
	// ErrOrderNotFound 查询的订单不存在
	ErrOrderNotFound = errors.New("order not found")
)

// 订单状态 (与币安一致)
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// IsTerminal reports whether an order status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Exchange 定义了网格引擎所需的交易所能力。
// 这使得引擎可以在真实交易、模拟盘和回测之间轻松切换。
type Exchange interface {
	// FetchPrice 获取最新成交价，失败时返回 ErrPriceUnavailable
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// PlaceMarketOrder 下市价单，失败时返回 ErrOrderRejected
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetOrder 查询订单当前状态
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error)
	// SymbolRules 获取交易对的精度规则
	SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}

// PriceSource 只提供价格的最小接口
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderRequest 描述一笔市价单。
// BUY 按计价货币金额 (QuoteAmount) 下单，SELL 按基础货币数量 (Quantity) 下单。
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	QuoteAmount   decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// OrderResult 是下单或查询订单的结果
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Status        string
	Fills         []money.Fill
	ExecutedQty   decimal.Decimal
	CumQuote      decimal.Decimal // 累计成交金额
	Raw           any             // 交易所原始响应，便于排查
}

// Aggregate 返回成交数量和成交均价。
// 有逐笔成交时按逐笔加权，否则用累计成交金额/成交数量。
func (r *OrderResult) Aggregate() (executedQty, avgPrice decimal.Decimal) {
	if len(r.Fills) > 0 {
		return money.AggregateFills(r.Fills)
	}
	if r.ExecutedQty.IsPositive() && r.CumQuote.IsPositive() {
		return r.ExecutedQty, r.CumQuote.Div(r.ExecutedQty)
	}
	return decimal.Zero, decimal.Zero
}

// SymbolRules 是交易对的下单精度规则 (LOT_SIZE / PRICE_FILTER / NOTIONAL)
type SymbolRules struct {
	Symbol         string
	StepSize       decimal.Decimal
	MinQty         decimal.Decimal
	TickSize       decimal.Decimal
	MinNotional    decimal.Decimal
	QuotePrecision int32
}

// 交易所规则不可用时使用的默认精度：买单金额保留 2 位，卖单数量保留 1 位
const (
	FallbackQuotePlaces    int32 = 2
	FallbackQuantityPlaces int32 = 1
)

// NormalizeBuyQuote 把买单金额截断到交易对允许的精度
func NormalizeBuyQuote(amount decimal.Decimal, rules *SymbolRules) decimal.Decimal {
	places := FallbackQuotePlaces
	if rules != nil && rules.QuotePrecision > 0 && rules.QuotePrecision < places {
		places = rules.QuotePrecision
	}
	return money.TruncatePlaces(amount, places)
}

// NormalizeSellQuantity 把卖单数量截断到 LOT_SIZE 步长
func NormalizeSellQuantity(qty decimal.Decimal, rules *SymbolRules) decimal.Decimal {
	if rules != nil && rules.StepSize.IsPositive() {
		return money.TruncateToStep(qty, rules.StepSize)
	}
	return money.TruncatePlaces(qty, FallbackQuantityPlaces)
}
