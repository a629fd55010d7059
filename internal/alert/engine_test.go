package alert

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/model"
)

func update(symbol, price string, changePct float64) model.PriceUpdate {
	return model.PriceUpdate{
		Symbol:           symbol,
		Price:            decimal.RequireFromString(price),
		ChangePercent24h: changePct,
		Timestamp:        time.Now().UTC(),
		Source:           "test",
	}
}

func TestRule_Validate(t *testing.T) {
	cases := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{ID: "r1", Type: RulePriceAbove, Symbol: "BTC"}, false},
		{"missing id", Rule{Type: RulePriceAbove, Symbol: "BTC"}, true},
		{"unknown type", Rule{ID: "r1", Type: "nonsense", Symbol: "BTC"}, true},
		{"missing symbol", Rule{ID: "r1", Type: RulePriceBelow}, true},
		{"bad severity", Rule{ID: "r1", Type: RulePriceAbove, Symbol: "BTC", Severity: "loud"}, true},
		{"negative cooldown", Rule{ID: "r1", Type: RulePriceAbove, Symbol: "BTC", Cooldown: -time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	r := Rule{ID: "r1", Type: RulePriceAbove, Symbol: "BTC"}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if r.Severity != SeverityInfo {
		t.Errorf("default severity = %s, want info", r.Severity)
	}
	if r.Cooldown != 5*time.Minute {
		t.Errorf("default cooldown = %v, want 5m", r.Cooldown)
	}
}

func TestEngine_ThresholdRules(t *testing.T) {
	e := NewEngine(nil, nil).(*engine)
	e.AddRule(Rule{
		ID: "btc-high", Type: RulePriceAbove, Symbol: "BTC",
		Threshold: decimal.NewFromInt(60000), Enabled: true, Cooldown: time.Millisecond,
	})
	e.AddRule(Rule{
		ID: "btc-low", Type: RulePriceBelow, Symbol: "BTC",
		Threshold: decimal.NewFromInt(40000), Enabled: true, Cooldown: time.Millisecond,
	})

	now := time.Now().UTC()
	cases := []struct {
		price    string
		wantRule string
	}{
		{"50000", ""},
		{"60000", "btc-high"}, // inclusive threshold
		{"39999.99", "btc-low"},
	}
	for _, tc := range cases {
		var fired []Alert
		for _, id := range e.order {
			if a, ok := evaluate(e.rules[id], update("BTC", tc.price, 0), now); ok {
				fired = append(fired, a)
			}
		}
		switch {
		case tc.wantRule == "" && len(fired) != 0:
			t.Errorf("price %s: unexpected alerts %v", tc.price, fired)
		case tc.wantRule != "" && (len(fired) != 1 || fired[0].RuleID != tc.wantRule):
			t.Errorf("price %s: fired %v, want %s", tc.price, fired, tc.wantRule)
		}
	}
}

func TestEngine_PercentChangeRule(t *testing.T) {
	e := NewEngine(nil, nil).(*engine)
	e.AddRule(Rule{
		ID: "eth-move", Type: RulePercentChange, Symbol: "ETH",
		Threshold: decimal.NewFromInt(5), Severity: SeverityCritical,
		Enabled: true, Cooldown: time.Millisecond,
	})

	now := time.Now().UTC()
	if _, ok := evaluate(e.rules["eth-move"], update("ETH", "3000", 4.9), now); ok {
		t.Error("fired below threshold")
	}
	a, ok := evaluate(e.rules["eth-move"], update("ETH", "3000", -6.2), now)
	if !ok {
		t.Fatal("did not fire on negative move")
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
	if a.CurrentValue.String() != "6.2" {
		t.Errorf("current value = %s, want 6.2", a.CurrentValue)
	}
}

func TestEngine_CooldownSuppressesRepeats(t *testing.T) {
	e := NewEngine(nil, nil).(*engine)
	e.AddRule(Rule{
		ID: "btc-high", Type: RulePriceAbove, Symbol: "BTC",
		Threshold: decimal.NewFromInt(100), Enabled: true, Cooldown: 80 * time.Millisecond,
	})

	fired := 0
	for i := 0; i < 3; i++ {
		before := lastFiredAt(e, "btc-high")
		e.HandleUpdate(update("BTC", "150", 0))
		if lastFiredAt(e, "btc-high") != before {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("rule fired %d times inside cooldown, want 1", fired)
	}

	time.Sleep(100 * time.Millisecond)
	before := lastFiredAt(e, "btc-high")
	e.HandleUpdate(update("BTC", "150", 0))
	if lastFiredAt(e, "btc-high") == before {
		t.Error("rule did not fire after cooldown expired")
	}
}

func lastFiredAt(e *engine, ruleID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFired[ruleID]
}

func TestEngine_DisabledAndWrongSymbolSkipped(t *testing.T) {
	e := NewEngine(nil, nil).(*engine)
	e.AddRule(Rule{
		ID: "off", Type: RulePriceAbove, Symbol: "BTC",
		Threshold: decimal.NewFromInt(1), Enabled: false, Cooldown: time.Millisecond,
	})
	e.AddRule(Rule{
		ID: "eth-only", Type: RulePriceAbove, Symbol: "ETH",
		Threshold: decimal.NewFromInt(1), Enabled: true, Cooldown: time.Millisecond,
	})

	e.HandleUpdate(update("BTC", "999", 0))

	if !lastFiredAt(e, "off").IsZero() {
		t.Error("disabled rule fired")
	}
	if !lastFiredAt(e, "eth-only").IsZero() {
		t.Error("rule fired for wrong symbol")
	}
}

func TestEngine_AddRemoveRules(t *testing.T) {
	e := NewEngine(nil, nil)

	r := Rule{ID: "r1", Type: RulePriceAbove, Symbol: "BTC", Enabled: true}
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := e.AddRule(r); err != ErrRuleExists {
		t.Errorf("duplicate AddRule: expected ErrRuleExists, got %v", err)
	}
	if n := len(e.Rules()); n != 1 {
		t.Errorf("Rules() = %d entries, want 1", n)
	}
	if err := e.RemoveRule("r1"); err != nil {
		t.Errorf("RemoveRule failed: %v", err)
	}
	if err := e.RemoveRule("r1"); err != ErrRuleNotFound {
		t.Errorf("second RemoveRule: expected ErrRuleNotFound, got %v", err)
	}
}
