package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了网格引擎进程的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`      // 是否使用币安现货测试网
	LiveAPIURL    string `json:"live_api_url"`    // 生产环境 REST 地址，留空使用 go-binance 默认值
	TestnetAPIURL string `json:"testnet_api_url"` // 测试网 REST 地址
	LiveWSURL     string `json:"live_ws_url"`     // 生产环境行情 WebSocket 地址
	TestnetWSURL  string `json:"testnet_ws_url"`  // 测试网行情 WebSocket 地址

	DBPath       string `json:"db_path"`        // BadgerDB 目录，保存机器人聚合状态
	TradesDBPath string `json:"trades_db_path"` // SQLite 文件，保存成交记录

	PollIntervalSec      int               `json:"poll_interval_sec"`        // 调度器轮询间隔(秒)
	ExchangeTimeoutSec   int               `json:"exchange_timeout_sec"`     // 单次交易所调用超时(秒)
	SettleTimeoutMs      int               `json:"settle_timeout_ms"`        // 等待订单终态的最长时间(毫秒)
	SettlePollMinDelayMs int               `json:"settle_poll_min_delay_ms"` // 订单状态轮询的初始间隔(毫秒)
	SettlePollMaxDelayMs int               `json:"settle_poll_max_delay_ms"` // 订单状态轮询的最大间隔(毫秒)
	FeeRate              decimal.Decimal   `json:"fee_rate"`                 // 手续费率，默认 0.0011
	CloseTriggerRatio    decimal.Decimal   `json:"close_trigger_ratio"`      // 价格超过 lv1*该比例时清仓并结束，默认 1.1
	Workers              int               `json:"workers"`                  // 并行评估不同机器人的协程数，1 表示顺序执行
	DefaultDecimals      int32             `json:"default_decimals"`         // 新建机器人时的价格精度
	PaperTrading         bool              `json:"paper_trading"`            // 是否使用模拟盘
	PaperInitialCash     decimal.Decimal   `json:"paper_initial_cash"`       // 模拟盘初始资金 (USDT)
	PaperSlippageRate    decimal.Decimal   `json:"paper_slippage_rate"`      // 模拟盘滑点率
	PriceStream          PriceStreamConfig `json:"price_stream"`             // WebSocket 行情配置
	LogConfig            LogConfig         `json:"log"`                      // 日志配置

	APIKey    string `json:"-"` // 仅从环境变量读取
	SecretKey string `json:"-"` // 仅从环境变量读取
}

// PriceStreamConfig 定义了 WebSocket 行情缓存的配置
type PriceStreamConfig struct {
	Enabled         bool `json:"enabled"`           // 是否启用 WebSocket 行情
	MaxAgeSec       int  `json:"max_age_sec"`       // 缓存价格的最长有效期(秒)，过期后回退到 REST
	PingIntervalSec int  `json:"ping_interval_sec"` // Ping 消息发送间隔(秒)
	PongTimeoutSec  int  `json:"pong_timeout_sec"`  // Pong 消息超时时间(秒)
	ReconnectMaxSec int  `json:"reconnect_max_sec"` // 重连退避的最大间隔(秒)
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// PollInterval 返回调度器的轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ExchangeTimeout 返回单次交易所调用的超时时间
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.ExchangeTimeoutSec) * time.Second
}

// SettleTimeout 返回等待订单终态的最长时间
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMs) * time.Millisecond
}

// APIURL 根据是否测试网返回 REST 地址
func (c *Config) APIURL() string {
	if c.IsTestnet {
		return c.TestnetAPIURL
	}
	return c.LiveAPIURL
}

// WSURL 根据是否测试网返回行情 WebSocket 地址
func (c *Config) WSURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}
