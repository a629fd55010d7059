package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType identifies what a rule watches.
type RuleType string

const (
	// RulePriceAbove fires when the price reaches or exceeds the threshold.
	RulePriceAbove RuleType = "price_threshold_above"

	// RulePriceBelow fires when the price reaches or falls below the threshold.
	RulePriceBelow RuleType = "price_threshold_below"

	// RulePercentChange fires when the absolute 24h percent change reaches
	// the threshold.
	RulePercentChange RuleType = "percent_change"
)

// Severity ranks alerts for downstream consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var (
	// ErrRuleExists is returned when a rule ID is already registered.
	ErrRuleExists = errors.New("alert rule already exists")

	// ErrRuleNotFound is returned for operations on unknown rules.
	ErrRuleNotFound = errors.New("alert rule not found")
)

// Rule is one alert condition bound to a symbol.
type Rule struct {
	ID        string          `json:"id"`
	Type      RuleType        `json:"type"`
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Severity  Severity        `json:"severity"`
	Cooldown  time.Duration   `json:"cooldown"`
	Enabled   bool            `json:"enabled"`
}

// Validate checks the rule and fills defaults: severity info, 5m cooldown.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	switch r.Type {
	case RulePriceAbove, RulePriceBelow, RulePercentChange:
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	if r.Symbol == "" {
		return fmt.Errorf("rule %s: symbol is required", r.ID)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	case "":
		r.Severity = SeverityInfo
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown cannot be negative", r.ID)
	}
	if r.Cooldown == 0 {
		r.Cooldown = 5 * time.Minute
	}
	return nil
}

// Alert is one fired rule occurrence.
type Alert struct {
	ID           string
	RuleID       string
	Type         RuleType
	Severity     Severity
	Symbol       string
	Message      string
	CurrentValue decimal.Decimal
	Threshold    decimal.Decimal
	Timestamp    time.Time
}

// ToMap converts the alert to an event payload.
func (a Alert) ToMap() map[string]any {
	return map[string]any{
		"alert_id":      a.ID,
		"rule_id":       a.RuleID,
		"type":          string(a.Type),
		"severity":      string(a.Severity),
		"symbol":        a.Symbol,
		"message":       a.Message,
		"current_value": a.CurrentValue.String(),
		"threshold":     a.Threshold.String(),
		"timestamp":     a.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
