// Package botmanager implements the outward operations on grid bots: create, inspect,
// request close-and-finish, stop and export trade history.
package botmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"spot-grid-bot/internal/ladder"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidState is returned when an operation does not apply to the bot's current status.
var ErrInvalidState = errors.New("operation not allowed in current bot status")

// TradeReader is the read side of the trade ledger.
type TradeReader interface {
	ListTrades(ctx context.Context, botID string) ([]*models.TradeRecord, error)
	LevelStats(ctx context.Context, botID string) (map[string]storage.LevelStat, error)
}

// CreateRequest 新建机器人的参数
type CreateRequest struct {
	Name     string
	Symbol   string
	Capital  decimal.Decimal
	MaxPrice decimal.Decimal
	Percent  decimal.Decimal
	MinPrice decimal.Decimal // 可选，为零时不限制
	Decimals int32
}

// LevelDetail 是详情页中的一档
type LevelDetail struct {
	Name          string
	Price         decimal.Decimal
	Capital       decimal.Decimal
	Target        string // 止盈档位，lv1 为空
	TargetPrice   decimal.Decimal
	Holding       bool
	EntryPrice    decimal.Decimal
	EntryQuantity decimal.Decimal
	TakeProfits   int
	Profit        decimal.Decimal
}

// Detail 机器人详情：参数、每档状态和已实现利润
type Detail struct {
	Bot         *models.Bot
	Levels      []LevelDetail
	Holding     int
	TakeProfits int
	TotalProfit decimal.Decimal
}

// Manager 负责机器人的创建与管理
type Manager struct {
	bots   persistence.BotRepository
	trades TradeReader
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(bots persistence.BotRepository, trades TradeReader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{bots: bots, trades: trades, logger: logger, now: time.Now}
}

// Create generates the ladder and saves a new RUNNING bot with all levels empty.
// Parameters that yield no level are refused with ladder.ErrNoLevels.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Bot, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ladder.ErrInvalidParams)
	}

	l, err := ladder.Generate(ladder.Params{
		Symbol:   symbol,
		MaxPrice: req.MaxPrice,
		Percent:  req.Percent,
		Capital:  req.Capital,
		MinPrice: req.MinPrice,
		Decimals: req.Decimals,
	})
	if err != nil {
		return nil, err
	}
	if l.Empty() {
		return nil, fmt.Errorf("max price %s, percent %s, min price %s: %w", req.MaxPrice, req.Percent, req.MinPrice, ladder.ErrNoLevels)
	}

	now := m.now().UTC()
	bot := &models.Bot{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Symbol:    symbol,
		Status:    models.StatusRunning,
		Capital:   req.Capital,
		MaxPrice:  req.MaxPrice,
		Percent:   req.Percent,
		MinPrice:  req.MinPrice,
		Decimals:  req.Decimals,
		Ladder:    l,
		Runtime:   models.NewRuntimeState(l.Names()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if bot.Name == "" {
		bot.Name = fmt.Sprintf("%s grid %s", symbol, bot.ID[:8])
	}

	if err := m.bots.Save(ctx, bot); err != nil {
		return nil, err
	}
	m.logger.Info("机器人已创建",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", symbol),
		zap.Int("levels", len(l.Levels)),
		zap.String("capital", req.Capital.String()))
	return bot, nil
}

// Get returns the bot.
func (m *Manager) Get(ctx context.Context, id string) (*models.Bot, error) {
	return m.bots.Get(ctx, id)
}

// List returns every bot, whatever its status.
func (m *Manager) List(ctx context.Context) ([]*models.Bot, error) {
	return m.bots.List(ctx)
}

// Detail combines the bot state with the per-level statistics of the trade ledger.
func (m *Manager) Detail(ctx context.Context, id string) (*Detail, error) {
	bot, err := m.bots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := m.trades.LevelStats(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &Detail{Bot: bot, TotalProfit: decimal.Zero}
	if bot.Ladder.Empty() {
		return d, nil
	}
	for _, lv := range bot.Ladder.Levels {
		st := bot.Runtime.Get(lv.Name)
		stat := stats[lv.Name]
		ld := LevelDetail{
			Name:          lv.Name,
			Price:         lv.Price,
			Capital:       bot.Ladder.Capital(lv.Name),
			Target:        bot.Ladder.SellTarget[lv.Name],
			Holding:       st.Holding,
			EntryPrice:    st.EntryPrice,
			EntryQuantity: st.EntryQuantity,
			TakeProfits:   stat.TakeProfits,
			Profit:        stat.Profit,
		}
		ld.TargetPrice, _ = bot.Ladder.TargetPrice(lv.Name)
		if st.Holding {
			d.Holding++
		}
		d.TakeProfits += stat.TakeProfits
		d.TotalProfit = d.TotalProfit.Add(stat.Profit)
		d.Levels = append(d.Levels, ld)
	}
	return d, nil
}

// RequestClose flags a RUNNING bot; the next tick sells every held level and finishes it.
func (m *Manager) RequestClose(ctx context.Context, id string) (*models.Bot, error) {
	return m.update(ctx, id, func(bot *models.Bot) error {
		if bot.Status != models.StatusRunning {
			return fmt.Errorf("close bot %s in status %s: %w", id, bot.Status, ErrInvalidState)
		}
		bot.CloseRequested = true
		return nil
	})
}

// Stop takes the bot out of scheduling. Held positions stay on the exchange untouched.
func (m *Manager) Stop(ctx context.Context, id string) (*models.Bot, error) {
	return m.update(ctx, id, func(bot *models.Bot) error {
		switch bot.Status {
		case models.StatusRunning, models.StatusNew, models.StatusError:
		default:
			return fmt.Errorf("stop bot %s in status %s: %w", id, bot.Status, ErrInvalidState)
		}
		bot.Status = models.StatusStopped
		bot.CloseRequested = false
		return nil
	})
}

func (m *Manager) update(ctx context.Context, id string, fn func(bot *models.Bot) error) (*models.Bot, error) {
	bot, err := m.bots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := bot.Status
	if err := fn(bot); err != nil {
		return nil, err
	}
	bot.UpdatedAt = m.now().UTC()
	if err := m.bots.Save(ctx, bot); err != nil {
		return nil, err
	}
	m.logger.Info("机器人状态已更新",
		zap.String("bot_id", id),
		zap.String("from", string(before)),
		zap.String("to", string(bot.Status)),
		zap.Bool("close_requested", bot.CloseRequested))
	return bot, nil
}

// Trades returns the bot's trade history in recording order.
func (m *Manager) Trades(ctx context.Context, id string) ([]*models.TradeRecord, error) {
	if _, err := m.bots.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.trades.ListTrades(ctx, id)
}

// ExportCSV writes the trade history as ';' separated CSV.
func (m *Manager) ExportCSV(ctx context.Context, id string, w io.Writer) error {
	trades, err := m.Trades(ctx, id)
	if err != nil {
		return err
	}
	return storage.WriteCSV(w, trades)
}
