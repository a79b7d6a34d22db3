package reporter

import (
	"fmt"
	"io"
	"time"

	"spot-grid-bot/internal/botmanager"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BacktestSummary 存储回测的所有性能指标
type BacktestSummary struct {
	Symbol           string
	DataPath         string
	StartTime        time.Time
	EndTime          time.Time
	PricePoints      int
	BotStatus        models.Status
	InitialCash      decimal.Decimal
	EndingCash       decimal.Decimal
	PositionQty      decimal.Decimal
	EndingAssetValue decimal.Decimal
	FinalEquity      decimal.Decimal
	TotalProfit      decimal.Decimal // 期末权益 - 初始资金
	ProfitPercentage decimal.Decimal
	RealisedProfit   decimal.Decimal // 成交记录中已实现利润之和
	Buys             int
	Sells            int
	WinningSells     int
	LosingSells      int
	WinRate          decimal.Decimal
	TotalFees        decimal.Decimal
	MaxDrawdown      decimal.Decimal // 百分比
}

// Summarize 根据模拟交易所的期末状态和机器人的成交记录计算回测指标
func Summarize(paper *exchange.PaperExchange, symbol string, trades []*models.TradeRecord) *BacktestSummary {
	s := &BacktestSummary{
		Symbol:         symbol,
		InitialCash:    paper.InitialCash,
		EndingCash:     paper.Cash,
		PositionQty:    paper.Position(symbol),
		FinalEquity:    paper.Equity(),
		TotalFees:      paper.TotalFees,
		MaxDrawdown:    paper.MaxDrawdown().Mul(hundred),
		PricePoints:    len(paper.EquityCurve),
		RealisedProfit: decimal.Zero,
		WinRate:        decimal.Zero,
	}
	s.EndingAssetValue = s.FinalEquity.Sub(s.EndingCash)
	s.TotalProfit = s.FinalEquity.Sub(s.InitialCash)
	if s.InitialCash.IsPositive() {
		s.ProfitPercentage = s.TotalProfit.Div(s.InitialCash).Mul(hundred)
	}

	for _, t := range trades {
		if t.Side == models.Buy {
			s.Buys++
			continue
		}
		s.Sells++
		if !t.Profit.Valid {
			continue
		}
		s.RealisedProfit = s.RealisedProfit.Add(t.Profit.Decimal)
		if t.Profit.Decimal.IsPositive() {
			s.WinningSells++
		} else {
			s.LosingSells++
		}
	}
	if s.Sells > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningSells)).Div(decimal.NewFromInt(int64(s.Sells))).Mul(hundred)
	}
	return s
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// RenderBacktest 打印回测结果报告
func RenderBacktest(w io.Writer, s *BacktestSummary) {
	t := newTable(w, "回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", s.DataPath},
		{"交易对", s.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", s.StartTime.Format("2006-01-02 15:04"), s.EndTime.Format("2006-01-02 15:04"))},
		{"价格点数", s.PricePoints},
		{"机器人状态", s.BotStatus},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", money(s.InitialCash) + " USDT"},
		{"最终权益", money(s.FinalEquity) + " USDT"},
		{"总利润", money(s.TotalProfit) + " USDT"},
		{"收益率", s.ProfitPercentage.StringFixed(2) + "%"},
		{"已实现利润", money(s.RealisedProfit) + " USDT"},
		{"手续费", money(s.TotalFees) + " USDT"},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"买入次数", s.Buys},
		{"卖出次数", s.Sells},
		{"盈利/亏损", fmt.Sprintf("%d / %d", s.WinningSells, s.LosingSells)},
		{"胜率", s.WinRate.StringFixed(2) + "%"},
		{"最大回撤", s.MaxDrawdown.StringFixed(2) + "%"},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", money(s.EndingCash) + " USDT"},
		{"期末持仓市值", fmt.Sprintf("%s USDT (共 %s %s)", money(s.EndingAssetValue), s.PositionQty.String(), s.Symbol)},
	})
	t.Render()
}

// RenderBotDetail 打印机器人参数和每档状态
func RenderBotDetail(w io.Writer, d *botmanager.Detail) {
	bot := d.Bot
	info := newTable(w, fmt.Sprintf("%s (%s)", bot.Name, bot.ID))
	info.AppendRows([]table.Row{
		{"交易对", bot.Symbol},
		{"状态", statusText(bot)},
		{"资金", money(bot.Capital)},
		{"最高价 / 间距", fmt.Sprintf("%s / %s%%", bot.MaxPrice, bot.Percent)},
		{"持仓档位", d.Holding},
		{"止盈次数", d.TakeProfits},
		{"已实现利润", money(d.TotalProfit)},
		{"更新时间", bot.UpdatedAt.Local().Format("2006-01-02 15:04:05")},
	})
	info.Render()

	levels := newTable(w, "")
	levels.AppendHeader(table.Row{"档位", "价格", "资金", "止盈价", "持仓", "买入价", "数量", "止盈次数", "利润"})
	for _, lv := range d.Levels {
		target := "-"
		if lv.Target != "" {
			target = lv.TargetPrice.String()
		}
		holding, entry, qty := "", "", ""
		if lv.Holding {
			holding, entry, qty = "●", lv.EntryPrice.String(), lv.EntryQuantity.String()
		}
		levels.AppendRow(table.Row{lv.Name, lv.Price.String(), money(lv.Capital), target, holding, entry, qty, lv.TakeProfits, money(lv.Profit)})
	}
	levels.AppendFooter(table.Row{"", "", "", "", d.Holding, "", "", d.TakeProfits, money(d.TotalProfit)})
	levels.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignCenter},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	levels.Render()
}

// RenderBotList 打印所有机器人的概要
func RenderBotList(w io.Writer, bots []*models.Bot) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"ID", "名称", "交易对", "状态", "资金", "档位", "持仓", "创建时间"})
	for _, bot := range bots {
		levels, holding := 0, 0
		if !bot.Ladder.Empty() {
			levels = len(bot.Ladder.Levels)
			for _, name := range bot.Ladder.Names() {
				if bot.Runtime != nil && bot.Runtime.Get(name).Holding {
					holding++
				}
			}
		}
		t.AppendRow(table.Row{bot.ID, bot.Name, bot.Symbol, statusText(bot), money(bot.Capital), levels, holding, bot.CreatedAt.Local().Format("2006-01-02 15:04")})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "共", len(bots)})
	t.Render()
}

// RenderTrades 打印成交记录
func RenderTrades(w io.Writer, trades []*models.TradeRecord) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"时间", "档位", "方向", "数量", "开仓价", "平仓价", "利润", "订单号"})
	for _, tr := range trades {
		closePrice, profit := "", ""
		if tr.ClosePrice.Valid {
			closePrice = tr.ClosePrice.Decimal.String()
		}
		if tr.Profit.Valid {
			profit = money(tr.Profit.Decimal)
		}
		t.AppendRow(table.Row{tr.CreatedAt.Local().Format("2006-01-02 15:04:05"), tr.Level, tr.Side, tr.Quantity.String(), tr.OpenPrice.String(), closePrice, profit, tr.OrderID})
	}
	t.Render()
}

func statusText(bot *models.Bot) string {
	if bot.CloseRequested && bot.Status == models.StatusRunning {
		return string(bot.Status) + " (等待清仓)"
	}
	return string(bot.Status)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
