package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeStore is the append-only trade ledger backed by SQLite.
// Decimals are stored as TEXT so they round-trip exactly.
type TradeStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// LevelStat aggregates the realised take-profits of one level.
type LevelStat struct {
	TakeProfits int
	Profit      decimal.Decimal
}

// InitDB opens (or creates) the ledger. ":memory:" keeps everything in memory.
func InitDB(dataSourceName string, logger *zap.Logger) (*TradeStore, error) {
	dsn := dataSourceName
	if dataSourceName != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dataSourceName), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dataSourceName), err)
		}
		dsn = dataSourceName + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection also keeps one shared in-memory database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("trade ledger ready", zap.String("path", dataSourceName))
	return &TradeStore{db: db, logger: logger}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per completed order. Rows are never updated or deleted.
	const createTradesTableSQL = `
	CREATE TABLE IF NOT EXISTS trades (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		level TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		open_price TEXT NOT NULL,
		close_price TEXT,
		profit TEXT,
		order_id TEXT NOT NULL,
		client_order_id TEXT,
		status TEXT NOT NULL,
		order_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades (bot_id, created_at);`

	_, err := db.Exec(createTradesTableSQL)
	return err
}

// Close closes the database connection.
func (s *TradeStore) Close() error {
	return s.db.Close()
}

// AppendTrade inserts a trade record.
func (s *TradeStore) AppendTrade(ctx context.Context, t *models.TradeRecord) error {
	const insertSQL = `
	INSERT INTO trades (id, bot_id, symbol, level, side, quantity, open_price, close_price, profit,
		order_id, client_order_id, status, order_type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insertSQL,
		t.ID, t.BotID, t.Symbol, t.Level, string(t.Side),
		t.Quantity.String(), t.OpenPrice.String(), nullString(t.ClosePrice), nullString(t.Profit),
		t.OrderID, t.ClientOrderID, t.Status, t.OrderType, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert trade %s: %w", persistence.ErrPersistence, t.ID, err)
	}
	return nil
}

// ListTrades returns a bot's trades in the order they were recorded.
func (s *TradeStore) ListTrades(ctx context.Context, botID string) ([]*models.TradeRecord, error) {
	const query = `
	SELECT id, bot_id, symbol, level, side, quantity, open_price, close_price, profit,
		order_id, client_order_id, status, order_type, created_at
	FROM trades
	WHERE bot_id = ?
	ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, botID)
	if err != nil {
		return nil, fmt.Errorf("%w: query trades: %w", persistence.ErrPersistence, err)
	}
	defer rows.Close()

	var trades []*models.TradeRecord
	for rows.Next() {
		var (
			t                  models.TradeRecord
			side               string
			qty, openPrice     string
			closePrice, profit sql.NullString
			clientOrderID      sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&t.ID, &t.BotID, &t.Symbol, &t.Level, &side, &qty, &openPrice,
			&closePrice, &profit, &t.OrderID, &clientOrderID, &t.Status, &t.OrderType, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan trade row: %w", persistence.ErrPersistence, err)
		}
		t.Side = models.Side(side)
		t.ClientOrderID = clientOrderID.String
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("%w: trade %s quantity: %w", persistence.ErrPersistence, t.ID, err)
		}
		if t.OpenPrice, err = decimal.NewFromString(openPrice); err != nil {
			return nil, fmt.Errorf("%w: trade %s open price: %w", persistence.ErrPersistence, t.ID, err)
		}
		if t.ClosePrice, err = parseNull(closePrice); err != nil {
			return nil, fmt.Errorf("%w: trade %s close price: %w", persistence.ErrPersistence, t.ID, err)
		}
		if t.Profit, err = parseNull(profit); err != nil {
			return nil, fmt.Errorf("%w: trade %s profit: %w", persistence.ErrPersistence, t.ID, err)
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate trades: %w", persistence.ErrPersistence, err)
	}
	return trades, nil
}

// LevelStats counts take-profits (SELL rows with a profit) and sums profit per level.
func (s *TradeStore) LevelStats(ctx context.Context, botID string) (map[string]LevelStat, error) {
	trades, err := s.ListTrades(ctx, botID)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]LevelStat)
	for _, t := range trades {
		if t.Side != models.Sell || !t.Profit.Valid {
			continue
		}
		st := stats[t.Level]
		st.TakeProfits++
		st.Profit = st.Profit.Add(t.Profit.Decimal)
		stats[t.Level] = st
	}
	return stats, nil
}

// TotalProfit sums the realised profit of a bot.
func (s *TradeStore) TotalProfit(ctx context.Context, botID string) (decimal.Decimal, error) {
	stats, err := s.LevelStats(ctx, botID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, st := range stats {
		total = total.Add(st.Profit)
	}
	return total, nil
}

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNull(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
