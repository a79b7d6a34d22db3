package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/ladder"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticBots struct {
	bots []*models.Bot
	err  error
}

func (s *staticBots) LoadActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return s.bots, s.err
}

type mockPrices struct {
	prices map[string]decimal.Decimal
}

func (m *mockPrices) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, exchange.ErrPriceUnavailable
	}
	return p, nil
}

// mockEvaluator records calls and lets a test script errors, panics and blocking.
type mockEvaluator struct {
	mu       sync.Mutex
	calls    []string
	closes   map[string]bool
	errs     map[string]error
	panics   map[string]bool
	finishes map[string]bool
	block    chan struct{}
	entered  chan string
}

func newMockEvaluator() *mockEvaluator {
	return &mockEvaluator{
		closes:   map[string]bool{},
		errs:     map[string]error{},
		panics:   map[string]bool{},
		finishes: map[string]bool{},
	}
}

func (m *mockEvaluator) ShouldClose(bot *models.Bot, price decimal.Decimal) bool {
	return bot.CloseRequested
}

func (m *mockEvaluator) Evaluate(ctx context.Context, bot *models.Bot, price decimal.Decimal, closeAndFinish bool) (*engine.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, bot.ID)
	m.closes[bot.ID] = closeAndFinish
	m.mu.Unlock()

	if m.entered != nil {
		m.entered <- bot.ID
	}
	if m.block != nil {
		<-m.block
	}
	if m.panics[bot.ID] {
		panic("boom")
	}
	if err := m.errs[bot.ID]; err != nil {
		return &engine.Result{}, err
	}
	return &engine.Result{Finished: m.finishes[bot.ID]}, nil
}

func (m *mockEvaluator) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newBot(t *testing.T, id, symbol string) *models.Bot {
	l, err := ladder.Generate(ladder.Params{Symbol: symbol, MaxPrice: d("100"), Percent: d("10"), Capital: d("1000"), Decimals: 2})
	require.NoError(t, err)
	return &models.Bot{
		ID: id, Symbol: symbol, Status: models.StatusRunning, Capital: d("1000"),
		Ladder: l, Runtime: models.NewRuntimeState(l.Names()),
	}
}

func TestTickIsolatesBotFailures(t *testing.T) {
	bots := &staticBots{bots: []*models.Bot{
		newBot(t, "ok", "BNBUSDT"),
		newBot(t, "noprice", "XRPUSDT"),
		newBot(t, "broken", "BNBUSDT"),
		newBot(t, "panicky", "BNBUSDT"),
		{ID: "empty", Symbol: "BNBUSDT", Status: models.StatusRunning, Ladder: &models.Ladder{}},
		newBot(t, "done", "BNBUSDT"),
	}}
	eval := newMockEvaluator()
	eval.errs["broken"] = errors.New("save failed")
	eval.panics["panicky"] = true
	eval.finishes["done"] = true
	prices := &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}

	s := New(bots, prices, eval, zap.NewNop())
	report, err := s.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TickReport{Evaluated: 2, Skipped: 2, Failed: 2, Finished: 1}, report)
	assert.Equal(t, []string{"ok", "broken", "panicky", "done"}, eval.called(), "sequential in load order")
	assert.Empty(t, s.inFlight, "guards released after panics")
}

func TestTickPassesCloseDecision(t *testing.T) {
	closing := newBot(t, "closing", "BNBUSDT")
	closing.CloseRequested = true
	bots := &staticBots{bots: []*models.Bot{closing, newBot(t, "normal", "BNBUSDT")}}
	eval := newMockEvaluator()

	_, err := New(bots, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop()).Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, eval.closes["closing"])
	assert.False(t, eval.closes["normal"])
}

func TestTickPartialLiquidationIsNotAFailure(t *testing.T) {
	bots := &staticBots{bots: []*models.Bot{newBot(t, "b", "BNBUSDT")}}
	eval := newMockEvaluator()
	eval.errs["b"] = engine.ErrPartialLiquidation

	report, err := New(bots, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop()).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Failed)
}

func TestTickLoadFailure(t *testing.T) {
	bots := &staticBots{err: persistence.ErrPersistence}
	_, err := New(bots, &mockPrices{}, newMockEvaluator(), zap.NewNop()).Tick(context.Background())
	assert.ErrorIs(t, err, persistence.ErrPersistence)
}

func TestSameBotIsNeverEvaluatedConcurrently(t *testing.T) {
	bot := newBot(t, "b", "BNBUSDT")
	eval := newMockEvaluator()
	eval.block = make(chan struct{})
	eval.entered = make(chan string, 2)
	s := New(&staticBots{bots: []*models.Bot{bot}}, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop())

	first := make(chan TickReport)
	go func() {
		r, _ := s.Tick(context.Background())
		first <- r
	}()
	<-eval.entered

	// the first tick is still inside Evaluate
	second, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)

	close(eval.block)
	assert.Equal(t, 1, (<-first).Evaluated)
	assert.Len(t, eval.called(), 1)
}

func TestTickCancelledMidwayKeepsCounts(t *testing.T) {
	eval := newMockEvaluator()
	eval.block = make(chan struct{})
	eval.entered = make(chan string, 3)
	bots := &staticBots{bots: []*models.Bot{
		newBot(t, "a", "BNBUSDT"),
		newBot(t, "b", "BNBUSDT"),
		newBot(t, "c", "BNBUSDT"),
	}}
	s := New(bots, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop())
	s.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	var (
		report TickReport
		err    error
	)
	go func() {
		report, err = s.Tick(ctx)
		close(done)
	}()

	assert.Equal(t, "a", <-eval.entered)
	// let the loop park waiting for a worker slot
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(eval.block)
	<-done

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, []string{"a"}, eval.called())
}

func TestWorkersEvaluateDistinctBotsInParallel(t *testing.T) {
	bots := &staticBots{bots: []*models.Bot{newBot(t, "a", "BNBUSDT"), newBot(t, "b", "BNBUSDT"), newBot(t, "c", "BNBUSDT")}}
	eval := newMockEvaluator()
	eval.block = make(chan struct{})
	eval.entered = make(chan string, 3)
	s := New(bots, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop())
	s.Workers = 3

	done := make(chan TickReport)
	go func() {
		r, _ := s.Tick(context.Background())
		done <- r
	}()

	// all three enter Evaluate before any of them is released
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-eval.entered:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("bots were not evaluated in parallel")
		}
	}
	close(eval.block)
	assert.Equal(t, 3, (<-done).Evaluated)
	assert.Len(t, seen, 3)
}

type manualTicker struct{ ch chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type manualClock struct{ ticker *manualTicker }

func (m *manualClock) NewTicker(d time.Duration) Ticker { return m.ticker }

func TestRunTicksImmediatelyAndOnEveryInterval(t *testing.T) {
	eval := newMockEvaluator()
	eval.entered = make(chan string, 10)
	clock := &manualClock{ticker: &manualTicker{ch: make(chan time.Time)}}
	s := New(&staticBots{bots: []*models.Bot{newBot(t, "b", "BNBUSDT")}}, &mockPrices{prices: map[string]decimal.Decimal{"BNBUSDT": d("95")}}, eval, zap.NewNop())
	s.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	<-eval.entered
	clock.ticker.ch <- time.Now()
	<-eval.entered
	clock.ticker.ch <- time.Now()
	<-eval.entered

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, eval.called(), 3)
}

// Full loop: scheduler, engine, paper exchange, Badger and SQLite working together.
func TestSchedulerDrivesEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	repo, err := persistence.NewBadgerRepository("")
	require.NoError(t, err)
	defer repo.Close()
	trades, err := storage.InitDB(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer trades.Close()

	paper := exchange.NewPaperExchange(d("10000"), decimal.Zero, decimal.Zero, nil)
	eng := engine.New(paper, repo, trades, engine.Options{}, zap.NewNop())
	s := New(repo, paper, eng, zap.NewNop())

	require.NoError(t, repo.Save(ctx, newBot(t, "bot", "BNBUSDT")))

	for _, p := range []string{"95", "85", "79", "92", "100", "115"} {
		paper.SetPrice("BNBUSDT", d(p), time.Now())
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}

	bot, err := repo.Get(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, bot.Status, "115 > 100*1.1 liquidates the bot")
	for _, name := range bot.Ladder.Names() {
		assert.False(t, bot.Runtime.Get(name).Holding)
	}
	assert.True(t, paper.Position("BNBUSDT").IsZero())

	stats, err := trades.LevelStats(ctx, "bot")
	require.NoError(t, err)
	// lv3 bought at 79 and sold at 92, lv2 bought at 85 and sold at 100, lv1 closed at 115
	assert.Equal(t, 1, stats["lv3"].TakeProfits)
	assert.Equal(t, 1, stats["lv2"].TakeProfits)
	assert.Equal(t, 1, stats["lv1"].TakeProfits)
	assert.True(t, stats["lv3"].Profit.IsPositive())

	active, err := repo.LoadActiveBots(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
