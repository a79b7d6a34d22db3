package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot-grid-bot/internal/botmanager"
	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/logger"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/reporter"
	"spot-grid-bot/internal/scheduler"
	"spot-grid-bot/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// decimalFlag 让 flag 包直接解析 decimal
type decimalFlag struct{ v *decimal.Decimal }

func (f decimalFlag) String() string {
	if f.v == nil {
		return "0"
	}
	return f.v.String()
}

func (f decimalFlag) Set(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*f.v = d
	return nil
}

type cliFlags struct {
	configPath string
	mode       string
	botID      string
	csvPath    string

	create botmanager.CreateRequest

	dataPath  string
	interval  string
	startDate string
	endDate   string
}

func main() {
	var f cliFlags
	// --- 命令行参数定义 ---
	flag.StringVar(&f.configPath, "config", "config.json", "path to the config file (.json, .yaml)")
	flag.StringVar(&f.mode, "mode", "run", "run | create | status | list | close | stop | trades | backtest")
	flag.StringVar(&f.botID, "bot", "", "bot id for status, close, stop and trades")
	flag.StringVar(&f.csvPath, "csv", "", "export trades to this CSV file instead of printing them")
	flag.StringVar(&f.create.Name, "name", "", "bot name")
	flag.StringVar(&f.create.Symbol, "symbol", "", "symbol, e.g. BNBUSDT")
	flag.Var(decimalFlag{&f.create.Capital}, "capital", "total quote capital split across levels")
	flag.Var(decimalFlag{&f.create.MaxPrice}, "max-price", "price of lv1")
	flag.Var(decimalFlag{&f.create.Percent}, "percent", "distance between levels in percent of max price")
	flag.Var(decimalFlag{&f.create.MinPrice}, "min-price", "optional floor for the lowest level")
	decimals := flag.Int("decimals", -1, "price precision of the levels (default from config)")
	flag.StringVar(&f.dataPath, "data", "", "kline CSV for backtesting")
	flag.StringVar(&f.interval, "interval", "1m", "kline interval when downloading backtest data")
	flag.StringVar(&f.startDate, "start", "", "backtest start date (YYYY-MM-DD)")
	flag.StringVar(&f.endDate, "end", "", "backtest end date (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志，加载配置时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(f.configPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.S().Warnf("未找到配置文件 %s，使用默认配置。", f.configPath)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if config.LoadSecrets(cfg) {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	if *decimals >= 0 {
		f.create.Decimals = int32(*decimals)
	} else {
		f.create.Decimals = cfg.DefaultDecimals
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 根据模式执行 ---
	switch f.mode {
	case "run":
		err = runMode(ctx, cfg, log)
	case "backtest":
		err = backtestMode(ctx, cfg, f, log)
	case "create", "status", "list", "close", "stop", "trades":
		err = manageMode(ctx, cfg, f, log)
	default:
		err = fmt.Errorf("未知的运行模式: %s", f.mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Sugar().Fatal(err)
	}
}

// openStores 打开机器人状态库 (BadgerDB) 和成交记录库 (SQLite)
func openStores(cfg *models.Config, log *zap.Logger) (persistence.BotRepository, *storage.TradeStore, error) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	trades, err := storage.InitDB(cfg.TradesDBPath, log)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, trades, nil
}

func engineOptions(cfg *models.Config) engine.Options {
	return engine.Options{
		FeeRate:           cfg.FeeRate,
		CloseTriggerRatio: cfg.CloseTriggerRatio,
		Settlement: exchange.Settlement{
			Timeout:  cfg.SettleTimeout(),
			MinDelay: time.Duration(cfg.SettlePollMinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.SettlePollMaxDelayMs) * time.Millisecond,
		},
	}
}

// runMode 运行调度循环直到收到退出信号
func runMode(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	log.Info("--- 启动网格调度 ---", zap.Bool("testnet", cfg.IsTestnet), zap.Bool("paper", cfg.PaperTrading))
	if err := config.RequireSecrets(cfg); err != nil {
		return err
	}

	repo, trades, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()
	defer trades.Close()

	live := exchange.NewLiveExchange(cfg.APIKey, cfg.SecretKey, cfg.APIURL(), cfg.ExchangeTimeout(), log)
	if err := live.SyncTime(ctx); err != nil {
		log.Warn("时间同步失败，继续运行", zap.Error(err))
	}

	var ex exchange.Exchange = live
	if cfg.PriceStream.Enabled {
		stream := exchange.NewPriceStream(cfg.WSURL(), exchange.PriceStreamOptions{
			PingInterval: time.Duration(cfg.PriceStream.PingIntervalSec) * time.Second,
			PongTimeout:  time.Duration(cfg.PriceStream.PongTimeoutSec) * time.Second,
			ReconnectMax: time.Duration(cfg.PriceStream.ReconnectMaxSec) * time.Second,
		}, log)
		go stream.Run(ctx)
		ex = exchange.NewStreamingPrices(live, stream, time.Duration(cfg.PriceStream.MaxAgeSec)*time.Second)
	}
	if cfg.PaperTrading {
		// 模拟盘：真实行情，本地撮合。资金状态只保存在内存中。
		ex = exchange.NewPaperExchange(cfg.PaperInitialCash, cfg.FeeRate, cfg.PaperSlippageRate, ex)
		log.Info("使用模拟盘", zap.String("cash", cfg.PaperInitialCash.String()))
	}

	eng := engine.New(ex, repo, trades, engineOptions(cfg), log)
	sched := scheduler.New(repo, ex, eng, log)
	sched.Interval = cfg.PollInterval()
	sched.Workers = cfg.Workers

	err = sched.Run(ctx)
	log.Info("调度已停止，状态已保存。")
	return err
}

// manageMode 处理机器人的管理命令
func manageMode(ctx context.Context, cfg *models.Config, f cliFlags, log *zap.Logger) error {
	repo, trades, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()
	defer trades.Close()

	mgr := botmanager.New(repo, trades, log)
	if f.mode != "create" && f.mode != "list" && f.botID == "" {
		return fmt.Errorf("-mode %s 需要 -bot 参数", f.mode)
	}

	switch f.mode {
	case "create":
		bot, err := mgr.Create(ctx, f.create)
		if err != nil {
			return err
		}
		return printDetail(ctx, mgr, bot.ID)

	case "status":
		return printDetail(ctx, mgr, f.botID)

	case "list":
		bots, err := mgr.List(ctx)
		if err != nil {
			return err
		}
		reporter.RenderBotList(os.Stdout, bots)

	case "close":
		if _, err := mgr.RequestClose(ctx, f.botID); err != nil {
			return err
		}
		fmt.Printf("机器人 %s 将在下一轮清仓并结束。\n", f.botID)

	case "stop":
		if _, err := mgr.Stop(ctx, f.botID); err != nil {
			return err
		}
		fmt.Printf("机器人 %s 已停止，持仓保持不变。\n", f.botID)

	case "trades":
		if f.csvPath == "" {
			list, err := mgr.Trades(ctx, f.botID)
			if err != nil {
				return err
			}
			reporter.RenderTrades(os.Stdout, list)
			return nil
		}
		file, err := os.Create(f.csvPath)
		if err != nil {
			return err
		}
		if err := mgr.ExportCSV(ctx, f.botID, file); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		fmt.Printf("成交记录已导出到 %s\n", f.csvPath)
	}
	return nil
}

func printDetail(ctx context.Context, mgr *botmanager.Manager, id string) error {
	detail, err := mgr.Detail(ctx, id)
	if err != nil {
		return err
	}
	reporter.RenderBotDetail(os.Stdout, detail)
	return nil
}
