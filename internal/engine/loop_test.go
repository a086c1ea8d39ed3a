package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"adaptive-exec/internal/broker"
	"adaptive-exec/internal/config"
	"adaptive-exec/internal/fills"
	"adaptive-exec/internal/order"
	"adaptive-exec/internal/quote"
)

type submission struct {
	symbol   string
	side     order.Side
	quantity decimal.Decimal
	price    decimal.Decimal
}

// fakeBroker 以可配置的成交行为模拟券商。
type fakeBroker struct {
	mu           sync.Mutex
	seq          int
	orders       map[string]broker.OrderStatus
	limitOrders  []submission
	marketOrders []submission

	fillFraction decimal.Decimal // 每笔限价单立即成交的比例
	rejectLimits int             // 拒绝前 n 笔限价单
	rejectMarket bool
	lastTrade    decimal.Decimal
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders:       make(map[string]broker.OrderStatus),
		fillFraction: decimal.NewFromInt(1),
		lastTrade:    decimal.NewFromInt(100),
	}
}

func (b *fakeBroker) SubmitLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, price decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejectLimits > 0 {
		b.rejectLimits--
		return "", errors.New("limit order rejected")
	}

	b.seq++
	id := fmt.Sprintf("limit-%d", b.seq)
	b.limitOrders = append(b.limitOrders, submission{symbol: symbol, side: side, quantity: quantity, price: price})

	filled := quantity.Mul(b.fillFraction)
	state := order.StateSubmitted
	switch {
	case filled.Equal(quantity):
		state = order.StateFilled
	case filled.Sign() > 0:
		state = order.StatePartiallyFilled
	}

	b.orders[id] = broker.OrderStatus{
		OrderID:  id,
		State:    state,
		Filled:   filled,
		AvgPrice: price,
	}
	return id, nil
}

func (b *fakeBroker) SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejectMarket {
		return "", errors.New("market order rejected")
	}

	b.seq++
	id := fmt.Sprintf("market-%d", b.seq)
	b.marketOrders = append(b.marketOrders, submission{symbol: symbol, side: side, quantity: quantity})
	b.orders[id] = broker.OrderStatus{
		OrderID:  id,
		State:    order.StateFilled,
		Filled:   quantity,
		AvgPrice: b.lastTrade,
	}
	return id, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.orders[orderID]
	if !ok || status.State.IsTerminal() {
		return nil
	}
	status.State = order.StateCanceled
	b.orders[orderID] = status
	return nil
}

func (b *fakeBroker) FetchOrder(ctx context.Context, orderID, symbol string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders[orderID], nil
}

func (b *fakeBroker) LastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return b.lastTrade, nil
}

func (b *fakeBroker) FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	closes := make([]float64, limit)
	for i := range closes {
		closes[i] = 100
	}
	return closes, nil
}

type staticTicks map[string]quote.Quote

func (s staticTicks) GetQuote(symbol string) (quote.Quote, bool) {
	q, ok := s[symbol]
	return q, ok
}

func testPlannerConfig(n int) config.PlannerConfig {
	return config.PlannerConfig{
		RiskAversion:    0.5,
		Volatility:      0.02,
		TemporaryImpact: 0.001,
		NumSlices:       n,
		TotalTime:       300 * time.Second,
	}
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		SliceWait:             100 * time.Millisecond,
		PollInterval:          5 * time.Millisecond,
		MarketFallbackEnabled: true,
		FallbackFillThreshold: 0.50,
		OfflineOffset:         0.001,
	}
}

func newTestLoop(b *fakeBroker, ticks staticTicks, n int) *Loop {
	tracker := fills.NewTracker(b, 5*time.Millisecond, nil)
	provider := quote.NewProvider(ticks, b, nil)
	return NewLoop(b, provider, tracker, nil, nil, nil, testPlannerConfig(n), testExecConfig(), nil)
}

func liveTicks() staticTicks {
	return staticTicks{
		"BTC/USDT": {
			Symbol:    "BTC/USDT",
			Bid:       decimal.NewFromInt(100),
			Ask:       decimal.NewFromInt(101),
			Timestamp: time.Now().UTC(),
		},
	}
}

func makeIntent(t *testing.T, qty string) order.Intent {
	t.Helper()
	intent, err := order.NewIntent("BTC/USDT", order.SideBuy, decimal.RequireFromString(qty), order.UrgencyMedium, "test-corr")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	return intent
}

func TestRun_AllSlicesFillCompletely(t *testing.T) {
	b := newFakeBroker()
	loop := newTestLoop(b, liveTicks(), 5)

	result, err := loop.Run(context.Background(), makeIntent(t, "1000"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.Disposition != order.DispositionCompleted {
		t.Errorf("expected completed, got %s", result.Disposition)
	}
	if !result.Filled.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected filled=1000, got %s", result.Filled)
	}
	if !result.FillRatio().Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected fill ratio 1, got %s", result.FillRatio())
	}
	if len(b.marketOrders) != 0 {
		t.Errorf("expected no fallback market order, got %d", len(b.marketOrders))
	}
	if len(b.limitOrders) != 5 {
		t.Errorf("expected 5 limit orders, got %d", len(b.limitOrders))
	}
	if result.AvgFillPrice.Sign() <= 0 {
		t.Errorf("expected positive average price, got %s", result.AvgFillPrice)
	}
}

func TestRun_UnderFilledEscalatesToMarket(t *testing.T) {
	b := newFakeBroker()
	b.fillFraction = decimal.RequireFromString("0.4")
	loop := newTestLoop(b, liveTicks(), 1)

	result, err := loop.Run(context.Background(), makeIntent(t, "1000"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.Disposition != order.DispositionFallbackEscalated {
		t.Errorf("expected fallback_escalated, got %s", result.Disposition)
	}
	if len(b.marketOrders) != 1 {
		t.Fatalf("expected exactly one fallback market order, got %d", len(b.marketOrders))
	}
	if !b.marketOrders[0].quantity.Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected fallback for remaining 600, got %s", b.marketOrders[0].quantity)
	}
	if !result.Filled.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected filled=1000 after fallback, got %s", result.Filled)
	}
}

func TestRun_SliceRejectionContinuesLoop(t *testing.T) {
	b := newFakeBroker()
	b.rejectLimits = 1
	loop := newTestLoop(b, liveTicks(), 3)

	result, err := loop.Run(context.Background(), makeIntent(t, "300"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.Disposition != order.DispositionCompleted {
		t.Errorf("expected completed, got %s", result.Disposition)
	}
	if len(result.Slices) != 3 {
		t.Fatalf("expected 3 slice outcomes, got %d", len(result.Slices))
	}
	if result.Slices[0].State != order.StateRejected {
		t.Errorf("expected first slice rejected, got %s", result.Slices[0].State)
	}
	if result.Slices[0].Filled.Sign() != 0 {
		t.Errorf("rejected slice should contribute zero fill, got %s", result.Slices[0].Filled)
	}
	// 被拒切片的数量并入后续切片，最终全部成交。
	if !result.Filled.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected filled=300, got %s", result.Filled)
	}
}

func TestRun_FallbackRejectionIsFatal(t *testing.T) {
	b := newFakeBroker()
	b.fillFraction = decimal.Zero
	b.rejectMarket = true
	loop := newTestLoop(b, liveTicks(), 1)

	result, err := loop.Run(context.Background(), makeIntent(t, "100"))
	if err == nil {
		t.Fatalf("expected fatal error on fallback rejection")
	}
	if result.Disposition != order.DispositionFailed {
		t.Errorf("expected failed disposition, got %s", result.Disposition)
	}
	if result.Err == nil {
		t.Errorf("expected result error populated")
	}
}

func TestRun_InvalidPlannerParamsFatal(t *testing.T) {
	b := newFakeBroker()
	tracker := fills.NewTracker(b, 5*time.Millisecond, nil)
	provider := quote.NewProvider(liveTicks(), b, nil)
	cfg := testPlannerConfig(0)
	loop := NewLoop(b, provider, tracker, nil, nil, nil, cfg, testExecConfig(), nil)

	result, err := loop.Run(context.Background(), makeIntent(t, "100"))
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	if result.Disposition != order.DispositionFailed {
		t.Errorf("expected failed disposition, got %s", result.Disposition)
	}
	if len(b.limitOrders)+len(b.marketOrders) != 0 {
		t.Errorf("expected no orders submitted on config error")
	}
}

func TestRun_PricesWithoutLiveQuote(t *testing.T) {
	b := newFakeBroker()
	loop := newTestLoop(b, staticTicks{}, 1)

	result, err := loop.Run(context.Background(), makeIntent(t, "50"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.Slices) != 1 {
		t.Fatalf("expected 1 slice, got %d", len(result.Slices))
	}
	if !result.Slices[0].QuoteStale {
		t.Errorf("expected slice marked as priced without live quote")
	}
	// 买单兜底价 = 最近成交价 + 偏移。
	expected := decimal.RequireFromString("100.1")
	if !result.Slices[0].LimitPrice.Equal(expected) {
		t.Errorf("expected fallback limit %s, got %s", expected, result.Slices[0].LimitPrice)
	}
}

func TestRun_ExternalCancellationKeepsFills(t *testing.T) {
	b := newFakeBroker()
	b.fillFraction = decimal.RequireFromString("0.5")
	loop := newTestLoop(b, liveTicks(), 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := loop.Run(ctx, makeIntent(t, "1000"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.Slices) >= 5 {
		t.Errorf("expected slicing to halt early, got %d slices", len(result.Slices))
	}
	if len(b.marketOrders) != 0 {
		t.Errorf("expected no fallback after external cancel, got %d", len(b.marketOrders))
	}
	if result.Filled.Sign() < 0 {
		t.Errorf("filled quantity must not be negative")
	}
}
