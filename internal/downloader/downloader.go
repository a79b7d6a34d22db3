package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CSV 表头，与币安 K 线字段一一对应
var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration // 两次请求之间的间隔，避免触发限频
}

// NewKlineDownloader 创建一个新的下载器实例。baseURL 为空时使用币安生产环境。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{client: client, logger: logger, pause: 200 * time.Millisecond}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}
	if interval == "" {
		interval = "1m"
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写临时文件，下载完整后再改名，避免中断留下半个缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	if err := d.download(ctx, file, symbol, interval, startTime, endTime); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("关闭文件 %s 失败: %w", tmp, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("保存文件 %s 失败: %w", filePath, err)
	}

	d.logger.Info("成功下载K线数据", zap.String("path", filePath))
	return nil
}

func (d *KlineDownloader) download(ctx context.Context, w io.Writer, symbol, interval string, startTime, endTime time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	endMs := endTime.UnixMilli()
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endMs).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if k.OpenTime >= endMs {
				break
			}
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	return writer.Error()
}

// PricePoint 是回放用的一个收盘价
type PricePoint struct {
	Time  time.Time
	Close decimal.Decimal
}

// ReadClosePrices 读取 DownloadKlines 写出的CSV (open_time 在第 1 列, close 在第 5 列)。
// 无法解析的行会被跳过并计数。
func ReadClosePrices(path string) ([]PricePoint, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var (
		points  []PricePoint
		skipped int
		first   = true
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("读取 %s 失败: %w", path, err)
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == header[0] {
				continue
			}
		}
		if len(record) < 5 {
			skipped++
			continue
		}
		openMs, errT := strconv.ParseInt(record[0], 10, 64)
		closePrice, errC := decimal.NewFromString(record[4])
		if errT != nil || errC != nil || !closePrice.IsPositive() {
			skipped++
			continue
		}
		points = append(points, PricePoint{Time: time.UnixMilli(openMs).UTC(), Close: closePrice})
	}
	if len(points) == 0 {
		return nil, skipped, fmt.Errorf("历史数据文件 %s 中没有可用的价格", path)
	}
	return points, skipped, nil
}
