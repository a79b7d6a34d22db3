package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，通过 go-binance 与币安现货交易所交互。
type LiveExchange struct {
	client  *binance.Client
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	rules map[string]*SymbolRules // 交易对规则缓存
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。baseURL 为空时使用 go-binance 默认地址。
func NewLiveExchange(apiKey, secretKey, baseURL string, timeout time.Duration, logger *zap.Logger) *LiveExchange {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LiveExchange{
		client:  client,
		timeout: timeout,
		logger:  logger,
		rules:   make(map[string]*SymbolRules),
	}
}

// SyncTime 与币安服务器同步时间偏移，避免 -1021 错误
func (e *LiveExchange) SyncTime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// --- Exchange 接口实现 ---

// FetchPrice 获取指定交易对的最新价格。
func (e *LiveExchange) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, e.classify(err, "FetchPrice", ErrPriceUnavailable)
	}
	for _, p := range prices {
		if p.Symbol != "" && p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil || !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("无效价格 %q (%s): %w", p.Price, symbol, ErrPriceUnavailable)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("未返回交易对 %s 的价格: %w", symbol, ErrPriceUnavailable)
}

// PlaceMarketOrder 下市价单。BUY 使用 quoteOrderQty，SELL 使用 quantity。
func (e *LiveExchange) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	rules, err := e.SymbolRules(ctx, req.Symbol)
	if err != nil {
		e.logger.Warn("获取交易规则失败，使用默认精度", zap.String("symbol", req.Symbol), zap.Error(err))
		rules = nil
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Type(binance.OrderTypeMarket).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch req.Side {
	case models.Buy:
		amount := NormalizeBuyQuote(req.QuoteAmount, rules)
		if err := checkBuy(amount, rules); err != nil {
			return nil, err
		}
		svc = svc.Side(binance.SideTypeBuy).QuoteOrderQty(amount.String())
	case models.Sell:
		qty := NormalizeSellQuantity(req.Quantity, rules)
		if err := checkSell(qty, rules); err != nil {
			return nil, err
		}
		svc = svc.Side(binance.SideTypeSell).Quantity(qty.String())
	default:
		return nil, fmt.Errorf("未知的订单方向 %q: %w", req.Side, ErrOrderRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, e.classify(err, "PlaceMarketOrder", ErrOrderRejected)
	}

	res := fromCreateOrderResponse(resp, req.Side)
	e.logger.Info("下单成功",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("orderId", res.OrderID),
		zap.String("status", res.Status),
		zap.String("executedQty", res.ExecutedQty.String()))
	return res, nil
}

// GetOrder 获取订单状态。
func (e *LiveExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	order, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, e.classify(err, "GetOrder", nil)
	}
	return &OrderResult{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          models.Side(order.Side),
		Status:        string(order.Status),
		ExecutedQty:   parseDecimal(order.ExecutedQuantity),
		CumQuote:      parseDecimal(order.CummulativeQuoteQuantity),
		Raw:           order,
	}, nil
}

// SymbolRules 获取交易对的交易规则，结果按交易对缓存
func (e *LiveExchange) SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	e.mu.Lock()
	if r, ok := e.rules[symbol]; ok {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, e.classify(err, "SymbolRules", nil)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		rules := &SymbolRules{Symbol: symbol, QuotePrecision: int32(s.QuoteAssetPrecision)}
		if f := s.LotSizeFilter(); f != nil {
			rules.StepSize = parseDecimal(f.StepSize)
			rules.MinQty = parseDecimal(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			rules.TickSize = parseDecimal(f.TickSize)
		}
		if f := s.NotionalFilter(); f != nil {
			rules.MinNotional = parseDecimal(f.MinNotional)
		}

		e.mu.Lock()
		e.rules[symbol] = rules
		e.mu.Unlock()
		return rules, nil
	}
	return nil, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

// classify 把 go-binance 的错误映射到本包的错误分类。fallback 为 nil 时只包装原错误。
func (e *LiveExchange) classify(err error, op string, fallback error) error {
	mapped := fallback
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == -2013 { // Order does not exist
			mapped = ErrOrderNotFound
		}
		e.logger.Error(op+" 交易所返回错误",
			zap.Int64("code", apiErr.Code),
			zap.String("message", apiErr.Message))
	} else {
		e.logger.Error(op+" 请求失败", zap.Error(err))
	}

	if mapped == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, mapped, err)
}

func checkBuy(amount decimal.Decimal, rules *SymbolRules) error {
	if !amount.IsPositive() {
		return fmt.Errorf("买单金额为零: %w", ErrOrderRejected)
	}
	if rules != nil && rules.MinNotional.IsPositive() && amount.LessThan(rules.MinNotional) {
		return fmt.Errorf("买单金额 %s 低于最小名义价值 %s: %w", amount, rules.MinNotional, ErrOrderRejected)
	}
	return nil
}

func checkSell(qty decimal.Decimal, rules *SymbolRules) error {
	if !qty.IsPositive() {
		return fmt.Errorf("卖单数量为零: %w", ErrOrderRejected)
	}
	if rules != nil && rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return fmt.Errorf("卖单数量 %s 低于最小数量 %s: %w", qty, rules.MinQty, ErrOrderRejected)
	}
	return nil
}

func fromCreateOrderResponse(resp *binance.CreateOrderResponse, side models.Side) *OrderResult {
	res := &OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          side,
		Status:        strings.ToUpper(string(resp.Status)),
		ExecutedQty:   parseDecimal(resp.ExecutedQuantity),
		CumQuote:      parseDecimal(resp.CummulativeQuoteQuantity),
		Raw:           resp,
	}
	for _, f := range resp.Fills {
		if f == nil {
			continue
		}
		res.Fills = append(res.Fills, money.Fill{
			Price:      parseDecimal(f.Price),
			Quantity:   parseDecimal(f.Quantity),
			Commission: parseDecimal(f.Commission),
			TradeID:    int64(f.TradeID),
		})
	}
	return res
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
