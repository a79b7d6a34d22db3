// Package scheduler drives the grid engine: every interval it loads the running bots,
// fetches a price per bot and evaluates it. One bot failing never affects the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultInterval is the polling period of Run.
const DefaultInterval = 5 * time.Second

// BotSource lists the bots to evaluate.
type BotSource interface {
	LoadActiveBots(ctx context.Context) ([]*models.Bot, error)
}

// Evaluator is the part of engine.Engine the scheduler needs.
type Evaluator interface {
	ShouldClose(bot *models.Bot, price decimal.Decimal) bool
	Evaluate(ctx context.Context, bot *models.Bot, price decimal.Decimal, closeAndFinish bool) (*engine.Result, error)
}

// Ticker is the subset of *time.Ticker used by Run.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers. Tests replace it to drive ticks by hand.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
func (r realTicker) C() <-chan time.Time           { return r.t.C }
func (r realTicker) Stop()                         { r.t.Stop() }

// TickReport counts what happened to the bots of one tick.
type TickReport struct {
	Evaluated int // Evaluate returned without error
	Skipped   int // no price, empty ladder or already being evaluated
	Failed    int // Evaluate returned an error or panicked
	Finished  int // bots that reached FINISHED in this tick
}

func (r TickReport) String() string {
	return fmt.Sprintf("evaluated=%d skipped=%d failed=%d finished=%d", r.Evaluated, r.Skipped, r.Failed, r.Finished)
}

// Scheduler 周期性地评估所有运行中的机器人
type Scheduler struct {
	Bots     BotSource
	Prices   exchange.PriceSource
	Engine   Evaluator
	Interval time.Duration
	Workers  int // >1 时并行评估不同的机器人
	Clock    Clock

	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // 正在评估中的机器人
}

// New creates a Scheduler with the default interval, one worker and the real clock.
func New(bots BotSource, prices exchange.PriceSource, eng Evaluator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Bots:     bots,
		Prices:   prices,
		Engine:   eng,
		Interval: DefaultInterval,
		Workers:  1,
		Clock:    realClock{},
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := s.Clock
	if clock == nil {
		clock = realClock{}
	}

	s.logger.Info("调度器启动", zap.Duration("interval", interval), zap.Int("workers", s.workers()))
	s.runTick(ctx)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器停止")
			return ctx.Err()
		case <-ticker.C():
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	report, err := s.Tick(ctx)
	if err != nil {
		s.logger.Error("本轮调度失败", zap.Error(err))
		return
	}
	s.logger.Debug("本轮调度完成", zap.Stringer("report", report))
}

// Tick evaluates every active bot once and waits for all of them. The returned error
// is only about loading the bots; per-bot failures are counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	bots, err := s.Bots.LoadActiveBots(ctx)
	if err != nil {
		return report, fmt.Errorf("load active bots: %w", err)
	}

	var (
		evaluated, skipped, failed, finished atomic.Int32
		wg                                   sync.WaitGroup
		sem                                  = make(chan struct{}, s.workers())
	)
	fill := func() {
		report.Evaluated = int(evaluated.Load())
		report.Skipped = int(skipped.Load())
		report.Failed = int(failed.Load())
		report.Finished = int(finished.Load())
	}
	for _, bot := range bots {
		select {
		case <-ctx.Done():
			wg.Wait()
			fill()
			return report, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(bot *models.Bot) {
			defer wg.Done()
			defer func() { <-sem }()

			switch s.evaluateBot(ctx, bot) {
			case outcomeEvaluated:
				evaluated.Add(1)
			case outcomeFinished:
				evaluated.Add(1)
				finished.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
		}(bot)
	}
	wg.Wait()
	fill()
	return report, nil
}

type outcome int

const (
	outcomeEvaluated outcome = iota
	outcomeFinished
	outcomeSkipped
	outcomeFailed
)

// evaluateBot isolates one bot: errors and panics are logged and end here.
func (s *Scheduler) evaluateBot(ctx context.Context, bot *models.Bot) (out outcome) {
	log := s.logger.With(zap.String("bot_id", bot.ID), zap.String("symbol", bot.Symbol))

	if !s.acquire(bot.ID) {
		log.Debug("机器人仍在评估中，跳过")
		return outcomeSkipped
	}
	defer s.release(bot.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("评估机器人时发生panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out = outcomeFailed
		}
	}()

	if _, ok := bot.Ladder.Top(); !ok {
		log.Warn("机器人没有可交易的档位，跳过")
		return outcomeSkipped
	}

	price, err := s.Prices.FetchPrice(ctx, bot.Symbol)
	if err != nil {
		log.Warn("获取价格失败，本轮跳过", zap.Error(err))
		return outcomeSkipped
	}

	closeAndFinish := s.Engine.ShouldClose(bot, price)
	res, err := s.Engine.Evaluate(ctx, bot, price, closeAndFinish)
	switch {
	case errors.Is(err, engine.ErrPartialLiquidation):
		log.Warn("清仓未完成，下一轮继续", zap.Error(err))
		return outcomeEvaluated
	case err != nil:
		log.Error("评估机器人失败", zap.String("price", price.String()), zap.Error(err))
		return outcomeFailed
	}

	log.Debug("评估完成",
		zap.String("price", price.String()),
		zap.String("mode", string(res.Mode)),
		zap.Int("buys", res.Buys),
		zap.Int("sells", res.Sells),
		zap.Int("failures", res.Failures))
	if res.Finished {
		return outcomeFinished
	}
	return outcomeEvaluated
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]struct{})
	}
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) workers() int {
	if s.Workers < 1 {
		return 1
	}
	return s.Workers
}
