package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceStreamOptions 控制行情 WebSocket 的心跳和重连
type PriceStreamOptions struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o *PriceStreamOptions) withDefaults() {
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = (o.PongTimeout * 9) / 10
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

type streamedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// PriceStream 订阅币安 <symbol>@miniTicker 合并流，缓存每个交易对的最新价格
type PriceStream struct {
	baseURL string
	opts    PriceStreamOptions
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	symbols map[string]struct{}
	prices  map[string]streamedPrice
	conn    *websocket.Conn
}

// NewPriceStream 创建行情流，baseURL 形如 wss://stream.binance.com:9443
func NewPriceStream(baseURL string, opts PriceStreamOptions, logger *zap.Logger) *PriceStream {
	opts.withDefaults()
	return &PriceStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		symbols: make(map[string]struct{}),
		prices:  make(map[string]streamedPrice),
	}
}

// Watch 增加订阅的交易对。订阅列表变化时断开当前连接，由 Run 用新的列表重连。
func (s *PriceStream) Watch(symbols ...string) {
	s.mu.Lock()
	changed := false
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := s.symbols[sym]; !ok && sym != "" {
			s.symbols[sym] = struct{}{}
			changed = true
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if changed && conn != nil {
		conn.Close()
	}
}

// Latest 返回缓存的价格和接收时间
func (s *PriceStream) Latest(symbol string) (decimal.Decimal, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	return p.price, p.at, ok
}

func (s *PriceStream) streamURL() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.symbols) == 0 {
		return "", false
	}
	streams := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	sort.Strings(streams)
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/")), true
}

// Run 是一个守护循环，负责维持 WebSocket 连接和重连，直到 ctx 被取消
func (s *PriceStream) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: s.opts.ReconnectMin, Max: s.opts.ReconnectMax, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			s.logger.Info("行情 WebSocket 循环已停止。")
			return
		}

		url, ok := s.streamURL()
		if !ok {
			// 还没有需要订阅的交易对
			if !sleepCtx(ctx, s.opts.ReconnectMin) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			wait := b.Duration()
			s.logger.Warn("行情 WebSocket 连接失败", zap.Error(err), zap.Duration("retryIn", wait))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		s.logger.Info("行情 WebSocket 连接成功", zap.String("url", url))
		b.Reset()
		if err := s.serve(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Warn("行情 WebSocket 连接已断开，准备重连", zap.Error(err))
		}
		if !sleepCtx(ctx, b.Duration()) {
			return
		}
	}
}

// serve 处理一个已建立的连接，阻塞直到连接断开
func (s *PriceStream) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.logger.Debug("发送 Ping 失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		// 收到数据同样说明连接存活
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		s.handleMessage(message)
	}
}

type miniTickerEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func (s *PriceStream) handleMessage(message []byte) {
	var msg miniTickerEnvelope
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("解析行情消息失败", zap.Error(err))
		return
	}
	if msg.Data.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Data.Close)
	if err != nil || !price.IsPositive() {
		s.logger.Debug("行情价格无效", zap.String("symbol", msg.Data.Symbol), zap.String("close", msg.Data.Close))
		return
	}

	s.mu.Lock()
	s.prices[strings.ToUpper(msg.Data.Symbol)] = streamedPrice{price: price, at: s.now()}
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StreamingPrices 包装一个 Exchange：价格优先取自 WebSocket 缓存，过期时回退到 REST。
// 下单等其他调用直接转发给被包装的 Exchange。
type StreamingPrices struct {
	Exchange
	stream *PriceStream
	maxAge time.Duration
}

// NewStreamingPrices 创建带行情缓存的 Exchange
func NewStreamingPrices(ex Exchange, stream *PriceStream, maxAge time.Duration) *StreamingPrices {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &StreamingPrices{Exchange: ex, stream: stream, maxAge: maxAge}
}

func (p *StreamingPrices) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, at, ok := p.stream.Latest(symbol); ok && p.stream.now().Sub(at) <= p.maxAge {
		return price, nil
	}
	p.stream.Watch(symbol)
	return p.Exchange.FetchPrice(ctx, symbol)
}
