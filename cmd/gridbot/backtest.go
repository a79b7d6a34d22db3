package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spot-grid-bot/internal/botmanager"
	"spot-grid-bot/internal/downloader"
	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/reporter"
	"spot-grid-bot/internal/scheduler"
	"spot-grid-bot/internal/storage"

	"go.uber.org/zap"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ToUpper(strings.Split(name, "-")[0])
}

// resolveBacktestData 返回回测数据文件路径，必要时先下载
func resolveBacktestData(ctx context.Context, cfg *models.Config, f cliFlags, log *zap.Logger) (string, error) {
	shouldDownload := f.create.Symbol != "" && f.startDate != "" && f.endDate != ""
	if !shouldDownload {
		if f.dataPath == "" {
			return "", fmt.Errorf("回测模式需要通过 -data 或 -symbol/-start/-end 参数指定数据源")
		}
		return f.dataPath, nil
	}

	startTime, err1 := time.Parse("2006-01-02", f.startDate)
	endTime, err2 := time.Parse("2006-01-02", f.endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	symbol := strings.ToUpper(f.create.Symbol)
	path := f.dataPath
	if path == "" {
		path = filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, f.interval, f.startDate, f.endDate))
	}
	dl := downloader.NewKlineDownloader(cfg.LiveAPIURL, log)
	if err := dl.DownloadKlines(ctx, symbol, f.interval, path, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return path, nil
}

// backtestMode 用历史收盘价回放整个引擎：模拟盘 + 内存存储 + 调度器
func backtestMode(ctx context.Context, cfg *models.Config, f cliFlags, log *zap.Logger) error {
	log.Info("--- 启动回测模式 ---")
	dataPath, err := resolveBacktestData(ctx, cfg, f, log)
	if err != nil {
		return err
	}

	points, skipped, err := downloader.ReadClosePrices(dataPath)
	if err != nil {
		return err
	}
	if skipped > 0 {
		log.Warn("部分K线无法解析，已跳过", zap.Int("skipped", skipped))
	}

	req := f.create
	if req.Symbol == "" {
		req.Symbol = extractSymbolFromPath(dataPath)
	}
	if req.MaxPrice.IsZero() {
		// 未指定时以第一根K线的收盘价作为 lv1
		req.MaxPrice = points[0].Close
	}
	if req.Capital.IsZero() {
		req.Capital = cfg.PaperInitialCash
	}
	if req.Name == "" {
		req.Name = "backtest"
	}

	// 回测中的日志只保留警告以上，避免逐笔输出
	quiet := log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	repo := persistence.NewMemoryRepository()
	defer repo.Close()
	trades, err := storage.InitDB(":memory:", quiet)
	if err != nil {
		return err
	}
	defer trades.Close()

	paper := exchange.NewPaperExchange(cfg.PaperInitialCash, cfg.FeeRate, cfg.PaperSlippageRate, nil)
	opts := engineOptions(cfg)
	opts.Settlement = exchange.Settlement{} // 模拟盘订单立即成交
	var now time.Time
	opts.Now = func() time.Time { return now }

	eng := engine.New(paper, repo, trades, opts, quiet)
	mgr := botmanager.New(repo, trades, quiet)
	sched := scheduler.New(repo, paper, eng, quiet)

	bot, err := mgr.Create(ctx, req)
	if err != nil {
		return err
	}
	log.Info("回测机器人已创建",
		zap.String("symbol", bot.Symbol),
		zap.Int("levels", len(bot.Ladder.Levels)),
		zap.String("max_price", req.MaxPrice.String()),
		zap.Int("points", len(points)))

	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		now = p.Time
		paper.SetPrice(bot.Symbol, p.Close, p.Time)
		if _, err := sched.Tick(ctx); err != nil {
			return err
		}
		if active, err := repo.LoadActiveBots(ctx); err == nil && len(active) == 0 {
			log.Info("机器人已结束，提前终止回测循环。", zap.Time("at", p.Time))
			break
		}
	}
	log.Info("回测结束。")

	// --- 生成并打印回测报告 ---
	history, err := trades.ListTrades(ctx, bot.ID)
	if err != nil {
		return err
	}
	final, err := repo.Get(ctx, bot.ID)
	if err != nil {
		return err
	}

	summary := reporter.Summarize(paper, bot.Symbol, history)
	summary.DataPath = dataPath
	summary.StartTime = points[0].Time
	summary.EndTime = points[len(points)-1].Time
	summary.BotStatus = final.Status
	reporter.RenderBacktest(os.Stdout, summary)

	detail, err := mgr.Detail(ctx, bot.ID)
	if err != nil {
		return err
	}
	reporter.RenderBotDetail(os.Stdout, detail)
	return nil
}
