package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Price Types
// -----------------------------------------------------------------------------

// PriceUpdate is a normalized price tick from an upstream provider.
// It is a value object: construct once, never mutate.
type PriceUpdate struct {
	Symbol           string          // Base symbol (e.g., "BTC")
	Price            decimal.Decimal // Last price, exact decimal
	Volume24h        decimal.Decimal // 24h volume, zero if not provided
	Change24h        decimal.Decimal // 24h absolute change, zero if not provided
	ChangePercent24h float64         // 24h percent change, 0 if not provided
	Timestamp        time.Time       // Provider timestamp, UTC
	Source           string          // Provider tag (e.g., "binance")
}

// formatExact renders a decimal preserving its scale, so a price parsed as
// "50000.00" does not collapse to "50000" on the wire.
func formatExact(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// ToMap converts the update to a map for event payloads and wire frames.
// Decimal fields serialize as strings to preserve exactness.
func (u PriceUpdate) ToMap() map[string]any {
	m := map[string]any{
		"symbol":    u.Symbol,
		"price":     formatExact(u.Price),
		"timestamp": u.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":    u.Source,
	}
	if !u.Volume24h.IsZero() {
		m["volume_24h"] = formatExact(u.Volume24h)
	}
	if !u.Change24h.IsZero() {
		m["change_24h"] = formatExact(u.Change24h)
	}
	if u.ChangePercent24h != 0 {
		m["change_percent_24h"] = u.ChangePercent24h
	}
	return m
}
