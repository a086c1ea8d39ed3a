package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewIntent_Valid(t *testing.T) {
	intent, err := NewIntent("BTC/USDT", SideBuy, decimal.NewFromInt(100), UrgencyMedium, "corr-1")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	if intent.CorrelationID != "corr-1" {
		t.Errorf("expected correlation id preserved, got %q", intent.CorrelationID)
	}
	if intent.CreatedAt.IsZero() {
		t.Errorf("expected created time populated")
	}
}

func TestNewIntent_GeneratesCorrelationID(t *testing.T) {
	intent, err := NewIntent("BTC/USDT", SideSell, decimal.NewFromInt(1), UrgencyLow, "")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	if intent.CorrelationID == "" {
		t.Errorf("expected generated correlation id")
	}
}

func TestNewIntent_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		symbol   string
		side     Side
		quantity decimal.Decimal
		urgency  Urgency
	}{
		{"空符号", "  ", SideBuy, decimal.NewFromInt(1), UrgencyHigh},
		{"非法方向", "BTC/USDT", Side("hold"), decimal.NewFromInt(1), UrgencyHigh},
		{"零数量", "BTC/USDT", SideBuy, decimal.Zero, UrgencyHigh},
		{"负数量", "BTC/USDT", SideBuy, decimal.NewFromInt(-5), UrgencyHigh},
		{"非法紧迫度", "BTC/USDT", SideBuy, decimal.NewFromInt(1), Urgency("urgent")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewIntent(tc.symbol, tc.side, tc.quantity, tc.urgency, ""); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	terminal := []State{StateFilled, StateCanceled, StateExpired, StateRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []State{StateSubmitted, StatePartiallyFilled, State("")}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestResult_FillRatio(t *testing.T) {
	intent, err := NewIntent("BTC/USDT", SideBuy, decimal.NewFromInt(1000), UrgencyMedium, "")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	r := Result{Intent: intent, Filled: decimal.NewFromInt(400)}
	if want := decimal.RequireFromString("0.4"); !r.FillRatio().Equal(want) {
		t.Errorf("expected fill ratio %s, got %s", want, r.FillRatio())
	}

	empty := Result{}
	if !empty.FillRatio().Equal(decimal.Zero) {
		t.Errorf("zero-quantity intent must have zero fill ratio")
	}
}
