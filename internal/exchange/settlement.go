package exchange

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/money"

	"github.com/jpillora/backoff"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// Settlement 控制下单后轮询订单状态的节奏
type Settlement struct {
	Timeout  time.Duration // 等待订单进入终态的最长时间
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultSettlement 默认最多等待 3 秒
func DefaultSettlement() Settlement {
	return Settlement{Timeout: 3 * time.Second, MinDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

// AwaitSettlement 轮询订单直到终态 (FILLED/CANCELED/REJECTED/EXPIRED) 或超时。
// 超时返回最后一次查询到的快照和 ErrSettlementTimeout，订单本身已被交易所接受。
func AwaitSettlement(ctx context.Context, ex Exchange, res *OrderResult, s Settlement) (*OrderResult, error) {
	if res == nil || IsTerminal(res.Status) || s.Timeout <= 0 {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	b := &backoff.Backoff{Min: s.MinDelay, Max: s.MaxDelay, Factor: 2}
	last := res
	for {
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, fmt.Errorf("order %d status %s: %w", last.OrderID, last.Status, ErrSettlementTimeout)
		case <-timer.C:
		}

		snap, err := ex.GetOrder(ctx, res.Symbol, res.OrderID)
		if err != nil {
			// 查询失败不影响订单本身，继续轮询
			continue
		}
		if len(snap.Fills) == 0 && fillsCover(last.Fills, snap.ExecutedQty) {
			// 查询接口不返回逐笔成交，下单时的成交已覆盖全部数量才沿用
			snap.Fills = last.Fills
		}
		last = snap
		if IsTerminal(snap.Status) {
			return snap, nil
		}
	}
}

func fillsCover(fills []money.Fill, executedQty decimal.Decimal) bool {
	if len(fills) == 0 {
		return false
	}
	qty, _ := money.AggregateFills(fills)
	return qty.Equal(executedQty)
}

var clientOrderSeq atomic.Uint32

// NewClientOrderID 生成可追溯到机器人和档位的客户端订单号。
// 币安要求 ^[.A-Z:/a-z0-9_-]{1,36}$。
func NewClientOrderID(botID, level string, side models.Side) string {
	bot := strings.ReplaceAll(botID, "-", "")
	if len(bot) > 8 {
		bot = bot[:8]
	}

	buf := make([]byte, 10)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint16(buf[8:], uint16(clientOrderSeq.Add(1)))

	s := strings.ToLower(string(side))
	if len(s) > 1 {
		s = s[:1]
	}

	id := fmt.Sprintf("gb%s%s%s_%s", bot, level, s, base62.EncodeToString(buf))
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}
