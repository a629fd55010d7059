// Package model defines shared data types used across the streaming core.
//
// Conventions:
//   - Prices: decimal.Decimal (exact, never float64)
//   - Timestamps: time.Time in UTC
//   - Source tags: lowercase provider names ("binance", "coinbase", "synthetic")
package model
