package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var knownProviders = map[string]bool{
	"binance":   true,
	"coinbase":  true,
	"synthetic": true,
}

var knownRuleTypes = map[string]bool{
	"price_threshold_above": true,
	"price_threshold_below": true,
	"percent_change":        true,
}

var knownSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks that all required fields are set and values are valid.
func (c *StreamdConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.StaleAfter < c.Server.HeartbeatInterval {
		return fmt.Errorf("server.stale_after (%v) cannot be below server.heartbeat_interval (%v)",
			c.Server.StaleAfter, c.Server.HeartbeatInterval)
	}
	if c.Server.SendBuffer < 1 {
		return errors.New("server.send_buffer must be >= 1")
	}

	if c.Bus.QueueSize < 1 {
		return errors.New("bus.queue_size must be >= 1")
	}
	if c.Bus.HistorySize < 1 {
		return errors.New("bus.history_size must be >= 1")
	}

	if err := c.Feeds.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Alerts.Rules))
	for _, rule := range c.Alerts.Rules {
		if err := rule.validate(); err != nil {
			return err
		}
		if seen[rule.ID] {
			return fmt.Errorf("alerts.rules: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
	}

	return nil
}

func (f *FeedsConfig) validate() error {
	if len(f.Symbols) == 0 {
		return errors.New("feeds.symbols must list at least one symbol")
	}
	if !knownProviders[f.Primary] {
		return fmt.Errorf("feeds.primary: unknown provider %q", f.Primary)
	}
	seen := map[string]bool{f.Primary: true}
	for _, p := range f.Fallbacks {
		if !knownProviders[p] {
			return fmt.Errorf("feeds.fallbacks: unknown provider %q", p)
		}
		if seen[p] {
			return fmt.Errorf("feeds.fallbacks: provider %q listed twice", p)
		}
		seen[p] = true
	}
	if f.StalenessWindow < f.UpdateInterval {
		return fmt.Errorf("feeds.staleness_window (%v) cannot be below feeds.update_interval (%v)",
			f.StalenessWindow, f.UpdateInterval)
	}
	return nil
}

func (r *AlertRuleConfig) validate() error {
	if r.ID == "" {
		return errors.New("alerts.rules: rule id is required")
	}
	if !knownRuleTypes[r.Type] {
		return fmt.Errorf("alerts.rules.%s: unknown type %q", r.ID, r.Type)
	}
	if r.Symbol == "" {
		return fmt.Errorf("alerts.rules.%s: symbol is required", r.ID)
	}
	if _, err := decimal.NewFromString(r.Threshold); err != nil {
		return fmt.Errorf("alerts.rules.%s: threshold %q is not a number", r.ID, r.Threshold)
	}
	if !knownSeverities[r.Severity] {
		return fmt.Errorf("alerts.rules.%s: unknown severity %q", r.ID, r.Severity)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("alerts.rules.%s: cooldown cannot be negative", r.ID)
	}
	return nil
}
