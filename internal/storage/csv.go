package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// CSVHeader is the first row of an exported trade history.
var CSVHeader = []string{
	"Level", "Side", "Quantity", "Open Price", "Close Price", "Profit",
	"Order Id", "Client Order Id", "Order Type", "Status", "Open Time",
}

// WriteCSV exports trades separated by ';' with a decimal comma, so the file opens
// directly in spreadsheet locales that use ',' as decimal separator.
func WriteCSV(w io.Writer, trades []*models.TradeRecord) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'

	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			t.Level,
			string(t.Side),
			decimalComma(t.Quantity),
			decimalComma(t.OpenPrice),
			nullDecimalComma(t.ClosePrice),
			nullDecimalComma(t.Profit),
			t.OrderID,
			t.ClientOrderID,
			t.OrderType,
			t.Status,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", t.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func decimalComma(d decimal.Decimal) string {
	return strings.Replace(d.String(), ".", ",", 1)
}

func nullDecimalComma(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return decimalComma(d.Decimal)
}
