package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriceUpdate_ToMap(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC)

	u := PriceUpdate{
		Symbol:           "BTC",
		Price:            decimal.RequireFromString("50000.00"),
		Volume24h:        decimal.RequireFromString("12345.678"),
		Change24h:        decimal.RequireFromString("-120.50"),
		ChangePercent24h: 2.5,
		Timestamp:        ts,
		Source:           "binance",
	}

	m := u.ToMap()

	if m["symbol"] != "BTC" {
		t.Errorf("symbol = %v, want BTC", m["symbol"])
	}
	if m["price"] != "50000.00" {
		t.Errorf("price = %v, want 50000.00 (string, exact)", m["price"])
	}
	if m["volume_24h"] != "12345.678" {
		t.Errorf("volume_24h = %v, want 12345.678", m["volume_24h"])
	}
	if m["change_24h"] != "-120.50" {
		t.Errorf("change_24h = %v, want -120.50 (scale preserved)", m["change_24h"])
	}
	if m["change_percent_24h"] != 2.5 {
		t.Errorf("change_percent_24h = %v, want 2.5", m["change_percent_24h"])
	}
	if m["source"] != "binance" {
		t.Errorf("source = %v, want binance", m["source"])
	}
}

func TestPriceUpdate_ToMapOmitsZeroOptionals(t *testing.T) {
	u := PriceUpdate{
		Symbol:    "ETH",
		Price:     decimal.RequireFromString("3000"),
		Timestamp: time.Now().UTC(),
		Source:    "coinbase",
	}

	m := u.ToMap()

	if _, ok := m["volume_24h"]; ok {
		t.Error("volume_24h should be omitted when zero")
	}
	if _, ok := m["change_24h"]; ok {
		t.Error("change_24h should be omitted when zero")
	}
	if _, ok := m["change_percent_24h"]; ok {
		t.Error("change_percent_24h should be omitted when zero")
	}
}
