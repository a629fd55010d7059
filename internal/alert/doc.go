// Package alert evaluates price updates against configured rules and raises
// alert events with per-rule cooldown.
package alert
