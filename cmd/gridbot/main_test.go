package main

import (
	"flag"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSymbolFromPath(t *testing.T) {
	assert.Equal(t, "BNBUSDT", extractSymbolFromPath("data/BNBUSDT-2025-03-15-2025-06-15.csv"))
	assert.Equal(t, "ETHUSDT", extractSymbolFromPath("/tmp/ethusdt.csv"))
}

func TestDecimalFlag(t *testing.T) {
	var v decimal.Decimal
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(decimalFlag{&v}, "capital", "")

	require.NoError(t, fs.Parse([]string{"-capital", "1000.25"}))
	assert.True(t, v.Equal(decimal.RequireFromString("1000.25")))

	assert.Error(t, fs.Parse([]string{"-capital", "lots"}))
}
