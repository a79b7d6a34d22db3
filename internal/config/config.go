package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"spot-grid-bot/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// 环境变量中的 API 密钥
const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvSecretKey = "BINANCE_SECRET_KEY"
)

// LoadConfig 从指定路径加载配置文件 (.json / .yaml / .yml)，补齐默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML 复用 json 标签：YAML 先解析成通用结构，再按 JSON 解码到 Config
func decodeYAML(data []byte, cfg *models.Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, cfg)
}

// LoadSecrets 读取 .env (可选) 和环境变量中的 API 密钥。返回是否找到了 .env 文件。
func LoadSecrets(cfg *models.Config, envFiles ...string) bool {
	loaded := godotenv.Load(envFiles...) == nil
	cfg.APIKey = os.Getenv(EnvAPIKey)
	cfg.SecretKey = os.Getenv(EnvSecretKey)
	return loaded
}

// Default 返回一份全部使用默认值的配置
func Default() *models.Config {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binance.vision"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.testnet.binance.vision"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bots"
	}
	if cfg.TradesDBPath == "" {
		cfg.TradesDBPath = "data/trades.db"
	}
	if cfg.PollIntervalSec == 0 {
		cfg.PollIntervalSec = 5
	}
	if cfg.ExchangeTimeoutSec == 0 {
		cfg.ExchangeTimeoutSec = 5
	}
	if cfg.SettleTimeoutMs == 0 {
		cfg.SettleTimeoutMs = 3000
	}
	if cfg.SettlePollMinDelayMs == 0 {
		cfg.SettlePollMinDelayMs = 100
	}
	if cfg.SettlePollMaxDelayMs == 0 {
		cfg.SettlePollMaxDelayMs = 1000
	}
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = decimal.RequireFromString("0.0011")
	}
	if cfg.CloseTriggerRatio.IsZero() {
		cfg.CloseTriggerRatio = decimal.RequireFromString("1.1")
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.DefaultDecimals == 0 {
		cfg.DefaultDecimals = 2
	}
	if cfg.PaperInitialCash.IsZero() {
		cfg.PaperInitialCash = decimal.NewFromInt(10000)
	}
	if cfg.PriceStream.MaxAgeSec == 0 {
		cfg.PriceStream.MaxAgeSec = 10
	}
	if cfg.PriceStream.PongTimeoutSec == 0 {
		cfg.PriceStream.PongTimeoutSec = 60
	}
	if cfg.PriceStream.ReconnectMaxSec == 0 {
		cfg.PriceStream.ReconnectMaxSec = 30
	}

	log := &cfg.LogConfig
	if log.Level == "" {
		log.Level = "info"
	}
	if log.Output == "" {
		log.Output = "console"
	}
	if log.File == "" {
		log.File = "logs/gridbot.log"
	}
	if log.MaxSize == 0 {
		log.MaxSize = 100
	}
	if log.MaxBackups == 0 {
		log.MaxBackups = 3
	}
	if log.MaxAge == 0 {
		log.MaxAge = 28
	}
}

// Validate 检查配置是否合法，错误会包装 ErrInvalidConfig 并指出字段
func Validate(cfg *models.Config) error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
	}

	if cfg.PollIntervalSec < 0 {
		invalid("poll_interval_sec", "must be positive, got %d", cfg.PollIntervalSec)
	}
	if cfg.ExchangeTimeoutSec < 0 {
		invalid("exchange_timeout_sec", "must be positive, got %d", cfg.ExchangeTimeoutSec)
	}
	if cfg.SettleTimeoutMs < 0 {
		invalid("settle_timeout_ms", "must not be negative, got %d", cfg.SettleTimeoutMs)
	}
	if cfg.SettlePollMinDelayMs < 0 || cfg.SettlePollMaxDelayMs < cfg.SettlePollMinDelayMs {
		invalid("settle_poll_max_delay_ms", "must be >= settle_poll_min_delay_ms >= 0, got %d/%d",
			cfg.SettlePollMinDelayMs, cfg.SettlePollMaxDelayMs)
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		invalid("fee_rate", "must be in [0, 1), got %s", cfg.FeeRate)
	}
	if cfg.CloseTriggerRatio.LessThanOrEqual(decimal.NewFromInt(1)) {
		invalid("close_trigger_ratio", "must be greater than 1, got %s", cfg.CloseTriggerRatio)
	}
	if cfg.Workers < 1 {
		invalid("workers", "must be at least 1, got %d", cfg.Workers)
	}
	if cfg.DefaultDecimals < 0 || cfg.DefaultDecimals > 8 {
		invalid("default_decimals", "must be between 0 and 8, got %d", cfg.DefaultDecimals)
	}
	if cfg.PaperTrading && !cfg.PaperInitialCash.IsPositive() {
		invalid("paper_initial_cash", "must be positive, got %s", cfg.PaperInitialCash)
	}
	if cfg.PaperSlippageRate.IsNegative() || cfg.PaperSlippageRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		invalid("paper_slippage_rate", "must be in [0, 1), got %s", cfg.PaperSlippageRate)
	}
	if cfg.PriceStream.Enabled {
		ws := cfg.WSURL()
		if !strings.HasPrefix(ws, "ws://") && !strings.HasPrefix(ws, "wss://") {
			invalid("ws_url", "must start with ws:// or wss://, got %q", ws)
		}
		if cfg.PriceStream.MaxAgeSec < 1 {
			invalid("price_stream.max_age_sec", "must be positive, got %d", cfg.PriceStream.MaxAgeSec)
		}
	}
	switch strings.ToLower(cfg.LogConfig.Output) {
	case "console", "file", "both":
	default:
		invalid("log.output", "must be console, file or both, got %q", cfg.LogConfig.Output)
	}

	return errors.Join(errs...)
}

// RequireSecrets 实盘模式下必须提供 API 密钥
func RequireSecrets(cfg *models.Config) error {
	if cfg.PaperTrading {
		return nil
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return fmt.Errorf("%w: %s 和 %s 环境变量必须被设置", ErrInvalidConfig, EnvAPIKey, EnvSecretKey)
	}
	return nil
}
