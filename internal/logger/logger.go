package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"spot-grid-bot/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// InitLogger 按配置初始化全局日志，并返回供各组件注入使用的 *zap.Logger
func InitLogger(cfg models.LogConfig) *zap.Logger {
	l := New(cfg, os.Stdout)
	mu.Lock()
	base = l
	mu.Unlock()
	return l
}

// New 构建一个 logger。output 为 console/file/both，文件输出由 lumberjack 负责切割。
func New(cfg models.LogConfig, console io.Writer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		// 文件中不使用颜色
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(rotator), level))
	}

	// 没有有效输出时也回退到控制台
	if output == "console" || output == "both" || len(cores) == 0 {
		consoleEncoderConfig := encoderConfig
		consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig), zapcore.AddSync(console), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// L 返回全局 logger；未初始化时返回开发模式 logger
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		dev, _ := zap.NewDevelopment()
		return dev
	}
	return l
}

// S 返回全局的 sugared logger 实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}
