package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/bus"
	"github.com/rickgao/crypto-stream/internal/model"
)

// Engine evaluates price updates against registered rules and publishes
// alert_triggered events for every firing.
type Engine interface {
	// AddRule registers a rule after validation.
	AddRule(r Rule) error

	// RemoveRule unregisters a rule.
	RemoveRule(id string) error

	// Rules returns a snapshot of all registered rules.
	Rules() []Rule

	// HandleUpdate evaluates one price update. Safe for concurrent use.
	HandleUpdate(update model.PriceUpdate)
}

// engine implements Engine.
type engine struct {
	bus    bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	rules     map[string]Rule
	order     []string             // rule IDs in registration order
	lastFired map[string]time.Time // rule ID -> last firing, drives cooldown
}

// NewEngine creates an alert engine publishing on the given bus.
func NewEngine(b bus.Bus, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		bus:       b,
		logger:    logger,
		rules:     make(map[string]Rule),
		lastFired: make(map[string]time.Time),
	}
}

// AddRule registers a rule.
func (e *engine) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return ErrRuleExists
	}
	e.rules[r.ID] = r
	e.order = append(e.order, r.ID)

	e.logger.Info("alert rule added",
		"rule", r.ID, "type", string(r.Type), "symbol", r.Symbol, "threshold", r.Threshold)
	return nil
}

// RemoveRule unregisters a rule.
func (e *engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[id]; !exists {
		return ErrRuleNotFound
	}
	delete(e.rules, id)
	delete(e.lastFired, id)
	for i, ruleID := range e.order {
		if ruleID == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Rules returns all registered rules in registration order.
func (e *engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

// HandleUpdate evaluates one update against all matching rules.
func (e *engine) HandleUpdate(update model.PriceUpdate) {
	now := time.Now().UTC()

	e.mu.Lock()
	var fired []Alert
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled || r.Symbol != update.Symbol {
			continue
		}
		if last, ok := e.lastFired[id]; ok && now.Sub(last) < r.Cooldown {
			continue
		}
		a, ok := evaluate(r, update, now)
		if !ok {
			continue
		}
		e.lastFired[id] = now
		fired = append(fired, a)
	}
	e.mu.Unlock()

	for _, a := range fired {
		e.logger.Warn("alert triggered",
			"rule", a.RuleID, "symbol", a.Symbol, "severity", string(a.Severity),
			"value", a.CurrentValue, "threshold", a.Threshold)
		if e.bus != nil {
			if err := e.bus.PublishAlert(a.ToMap(), "alert-engine"); err != nil {
				e.logger.Error("publishing alert failed", "rule", a.RuleID, "error", err)
			}
		}
	}
}

// evaluate checks one rule against one update.
func evaluate(r Rule, update model.PriceUpdate, now time.Time) (Alert, bool) {
	var current decimal.Decimal
	var message string

	switch r.Type {
	case RulePriceAbove:
		if update.Price.LessThan(r.Threshold) {
			return Alert{}, false
		}
		current = update.Price
		message = fmt.Sprintf("%s price %s reached threshold %s",
			update.Symbol, update.Price, r.Threshold)

	case RulePriceBelow:
		if update.Price.GreaterThan(r.Threshold) {
			return Alert{}, false
		}
		current = update.Price
		message = fmt.Sprintf("%s price %s fell to threshold %s",
			update.Symbol, update.Price, r.Threshold)

	case RulePercentChange:
		change := decimal.NewFromFloat(update.ChangePercent24h).Abs()
		if change.LessThan(r.Threshold) {
			return Alert{}, false
		}
		current = change
		message = fmt.Sprintf("%s moved %.2f%% in 24h (threshold %s%%)",
			update.Symbol, update.ChangePercent24h, r.Threshold)

	default:
		return Alert{}, false
	}

	return Alert{
		ID:           uuid.NewString(),
		RuleID:       r.ID,
		Type:         r.Type,
		Severity:     r.Severity,
		Symbol:       update.Symbol,
		Message:      message,
		CurrentValue: current,
		Threshold:    r.Threshold,
		Timestamp:    now,
	}, true
}
