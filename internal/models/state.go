package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion 是当前持久化格式的版本号，用于未来迁移
const SchemaVersion = 1

// Status 定义了机器人的生命周期状态
type Status string

const (
	StatusNew      Status = "NEW"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Level 是价格阶梯中的一档
type Level struct {
	Name  string          `json:"name"`  // e.g. "lv1"
	Price decimal.Decimal `json:"price"` // 触发买入的价格
}

// Ladder 是机器人创建时生成的静态网格定义。
// Levels 在机器人生命周期内【不可变】，只有 CapitalByLevel 会因利润滚入而增加。
type Ladder struct {
	Symbol         string                     `json:"symbol"`
	Levels         []Level                    `json:"levels"`           // 价格严格递减
	CapitalByLevel map[string]decimal.Decimal `json:"capital_by_level"` // 每档分配的计价货币资金
	SellTarget     map[string]string          `json:"sell_target"`      // 买入档 -> 止盈档
}

// Empty reports whether the ladder has no tradable levels.
func (l *Ladder) Empty() bool {
	return l == nil || len(l.Levels) == 0
}

// Top 返回价格最高的一档 (lv1)
func (l *Ladder) Top() (Level, bool) {
	if l.Empty() {
		return Level{}, false
	}
	return l.Levels[0], true
}

// Level 按名称查找档位
func (l *Ladder) Level(name string) (Level, bool) {
	for _, lv := range l.Levels {
		if lv.Name == name {
			return lv, true
		}
	}
	return Level{}, false
}

// Names 按档位顺序返回所有档位名称
func (l *Ladder) Names() []string {
	names := make([]string, 0, len(l.Levels))
	for _, lv := range l.Levels {
		names = append(names, lv.Name)
	}
	return names
}

// Capital 返回某档当前的资金分配
func (l *Ladder) Capital(name string) decimal.Decimal {
	if c, ok := l.CapitalByLevel[name]; ok {
		return c
	}
	return decimal.Zero
}

// TargetPrice 返回某档止盈档位的价格；没有止盈档时 ok 为 false
func (l *Ladder) TargetPrice(name string) (decimal.Decimal, bool) {
	target, ok := l.SellTarget[name]
	if !ok || target == "" {
		return decimal.Zero, false
	}
	lv, ok := l.Level(target)
	if !ok {
		return decimal.Zero, false
	}
	return lv.Price, true
}

// AddProfit 把已实现利润滚入某档资金
func (l *Ladder) AddProfit(name string, profit decimal.Decimal) {
	if l.CapitalByLevel == nil {
		l.CapitalByLevel = make(map[string]decimal.Decimal)
	}
	l.CapitalByLevel[name] = l.Capital(name).Add(profit)
}

// LevelState 追踪一个档位在运行时的【动态状态】。
type LevelState struct {
	Holding       bool            `json:"holding"`        // 是否持仓
	InFlight      bool            `json:"in_flight"`      // 是否有未完成的订单，互斥标志
	EntryPrice    decimal.Decimal `json:"entry_price"`    // 买入均价
	EntryQuantity decimal.Decimal `json:"entry_quantity"` // 买入数量
}

// RuntimeState 保存每个档位的可变状态，以档位名称为键
type RuntimeState struct {
	Levels map[string]*LevelState `json:"levels"`
}

// NewRuntimeState 为给定档位创建全空的运行时状态
func NewRuntimeState(names []string) *RuntimeState {
	rs := &RuntimeState{Levels: make(map[string]*LevelState, len(names))}
	for _, n := range names {
		rs.Levels[n] = &LevelState{EntryPrice: decimal.Zero, EntryQuantity: decimal.Zero}
	}
	return rs
}

// Get 返回某档的状态，不存在时创建一个空状态
func (rs *RuntimeState) Get(name string) *LevelState {
	if rs.Levels == nil {
		rs.Levels = make(map[string]*LevelState)
	}
	st, ok := rs.Levels[name]
	if !ok {
		st = &LevelState{EntryPrice: decimal.Zero, EntryQuantity: decimal.Zero}
		rs.Levels[name] = st
	}
	return st
}

// Open 记录一次成功买入
func (rs *RuntimeState) Open(name string, price, qty decimal.Decimal) {
	st := rs.Get(name)
	st.Holding = true
	st.InFlight = false
	st.EntryPrice = price
	st.EntryQuantity = qty
}

// Reset 清空一个档位的持仓
func (rs *RuntimeState) Reset(name string) {
	st := rs.Get(name)
	st.Holding = false
	st.InFlight = false
	st.EntryPrice = decimal.Zero
	st.EntryQuantity = decimal.Zero
}

// Validate checks holding <=> (entryQuantity > 0 && entryPrice > 0) on every level.
func (rs *RuntimeState) Validate() error {
	for name, st := range rs.Levels {
		open := st.EntryQuantity.IsPositive() && st.EntryPrice.IsPositive()
		if st.Holding != open {
			return fmt.Errorf("level %s: holding=%v but entry price=%s qty=%s", name, st.Holding, st.EntryPrice, st.EntryQuantity)
		}
		if !st.Holding && (!st.EntryQuantity.IsZero() || !st.EntryPrice.IsZero()) {
			return fmt.Errorf("level %s: closed level keeps entry price=%s qty=%s", name, st.EntryPrice, st.EntryQuantity)
		}
	}
	return nil
}

// Clone 返回运行时状态的深拷贝
func (rs *RuntimeState) Clone() *RuntimeState {
	if rs == nil {
		return nil
	}
	c := &RuntimeState{Levels: make(map[string]*LevelState, len(rs.Levels))}
	for k, v := range rs.Levels {
		if v != nil {
			st := *v
			c.Levels[k] = &st
		}
	}
	return c
}

// Bot 是网格机器人的聚合根，整体作为一条记录持久化
type Bot struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Symbol         string          `json:"symbol"`
	Status         Status          `json:"status"`
	Capital        decimal.Decimal `json:"capital"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	Percent        decimal.Decimal `json:"percent"`
	MinPrice       decimal.Decimal `json:"min_price"`
	Decimals       int32           `json:"decimals"`
	Ladder         *Ladder         `json:"ladder"`
	Runtime        *RuntimeState   `json:"runtime"`
	CloseRequested bool            `json:"close_requested"` // 手动触发清仓并结束
	LastError      string          `json:"last_error,omitempty"`
	SchemaVersion  int             `json:"schema_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone 返回机器人的深拷贝，防止存储层与调用者共享可变状态
func (b *Bot) Clone() *Bot {
	if b == nil {
		return nil
	}
	c := *b
	if b.Ladder != nil {
		l := *b.Ladder
		l.Levels = append([]Level(nil), b.Ladder.Levels...)
		l.CapitalByLevel = make(map[string]decimal.Decimal, len(b.Ladder.CapitalByLevel))
		for k, v := range b.Ladder.CapitalByLevel {
			l.CapitalByLevel[k] = v
		}
		l.SellTarget = make(map[string]string, len(b.Ladder.SellTarget))
		for k, v := range b.Ladder.SellTarget {
			l.SellTarget[k] = v
		}
		c.Ladder = &l
	}
	c.Runtime = b.Runtime.Clone()
	return &c
}

// TradeRecord 记录一次完成的订单（成交聚合后），只追加不修改
type TradeRecord struct {
	ID            string              `json:"id"`
	BotID         string              `json:"bot_id"`
	Symbol        string              `json:"symbol"`
	Level         string              `json:"level"`
	Side          Side                `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	OpenPrice     decimal.Decimal     `json:"open_price"`
	ClosePrice    decimal.NullDecimal `json:"close_price"` // BUY 时为空
	Profit        decimal.NullDecimal `json:"profit"`      // BUY 时为空
	OrderID       string              `json:"order_id"`
	ClientOrderID string              `json:"client_order_id"`
	Status        string              `json:"status"`
	OrderType     string              `json:"order_type"`
	CreatedAt     time.Time           `json:"created_at"`
}
