package fills

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/broker"
	"adaptive-exec/internal/order"
	"adaptive-exec/internal/stream"
)

// StatusPoller 为轮询兜底的委托状态来源。
type StatusPoller interface {
	FetchOrder(ctx context.Context, orderID, symbol string) (broker.OrderStatus, error)
}

// Snapshot 为等待结束时的委托快照。
type Snapshot struct {
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	State    order.State
}

type watcher struct {
	mu       sync.Mutex
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	state    order.State
	done     chan struct{}
	closed   bool
}

func (w *watcher) apply(state order.State, filled, avgPrice decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	// 成交量单调不减，乱序到达的旧事件不回退。
	if filled.GreaterThan(w.filled) {
		w.filled = filled
	}
	if avgPrice.Sign() > 0 {
		w.avgPrice = avgPrice
	}
	if state != "" {
		w.state = state
	}
	if w.state.IsTerminal() {
		w.closed = true
		close(w.done)
	}
}

func (w *watcher) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{Filled: w.filled, AvgPrice: w.avgPrice, State: w.state}
}

// 提交回执返回前就到达的推送先入暂存区，登记时回放。
const (
	pendingTTL = 5 * time.Second
	pendingCap = 128
)

type pendingUpdate struct {
	state    order.State
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	at       time.Time
}

// Tracker 汇聚推送事件并按委托维度提供可等待的成交进度。
// 推送不可用时透明退化为固定间隔轮询，调用方契约不变。
type Tracker struct {
	poller       StatusPoller
	pollInterval time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	pending  map[string]pendingUpdate
}

// NewTracker 创建成交跟踪器。
func NewTracker(poller StatusPoller, pollInterval time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Tracker{
		poller:       poller,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run 消费推送通道直至通道关闭或 ctx 结束。
func (t *Tracker) Run(ctx context.Context, updates <-chan stream.OrderUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.Apply(update.OrderID, update.State, update.Filled, update.AvgPrice)
		}
	}
}

// Apply 将一条状态事件并入对应委托。
// 尚未登记的委托进入暂存区，等待 Watch 回放，
// 避免提交与登记之间到达的推送被丢弃。
func (t *Tracker) Apply(orderID string, state order.State, filled, avgPrice decimal.Decimal) {
	t.mu.Lock()
	w, ok := t.watchers[orderID]
	if !ok {
		t.stashLocked(orderID, state, filled, avgPrice)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	w.apply(state, filled, avgPrice)
}

// stashLocked 暂存未登记委托的最新事件，调用方必须持有 t.mu。
func (t *Tracker) stashLocked(orderID string, state order.State, filled, avgPrice decimal.Decimal) {
	now := time.Now()
	if t.pending == nil {
		t.pending = make(map[string]pendingUpdate)
	}
	for id, p := range t.pending {
		if now.Sub(p.at) > pendingTTL {
			delete(t.pending, id)
		}
	}

	p, ok := t.pending[orderID]
	if !ok {
		if len(t.pending) >= pendingCap {
			t.logger.Debug("未登记委托暂存区已满，丢弃事件", zap.String("order_id", orderID))
			return
		}
		p = pendingUpdate{filled: decimal.Zero}
	}
	// 与 watcher 相同的并入规则：成交量单调不减。
	if filled.GreaterThan(p.filled) {
		p.filled = filled
	}
	if avgPrice.Sign() > 0 {
		p.avgPrice = avgPrice
	}
	if state != "" {
		p.state = state
	}
	p.at = now
	t.pending[orderID] = p
}

// Watch 登记一笔待跟踪的委托，必须在 AwaitFill 之前调用。
// 暂存区内该委托的早到事件随登记一并回放。
func (t *Tracker) Watch(orderID string) {
	t.mu.Lock()
	if t.watchers == nil {
		t.watchers = make(map[string]*watcher)
	}
	w, ok := t.watchers[orderID]
	if !ok {
		w = &watcher{
			state: order.StateSubmitted,
			done:  make(chan struct{}),
		}
		t.watchers[orderID] = w
	}
	p, replay := t.pending[orderID]
	if replay {
		delete(t.pending, orderID)
	}
	t.mu.Unlock()

	if replay && time.Since(p.at) <= pendingTTL {
		w.apply(p.state, p.filled, p.avgPrice)
	}
}

// Forget 移除委托跟踪，终态处理完毕后由调用方触发。
func (t *Tracker) Forget(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchers, orderID)
}

// AwaitFill 阻塞等待委托终结或超时，返回此刻的成交快照。
// 多笔委托的等待彼此独立，可并发调用。
func (t *Tracker) AwaitFill(ctx context.Context, orderID, symbol string, timeout time.Duration) (Snapshot, error) {
	t.mu.Lock()
	w, ok := t.watchers[orderID]
	t.mu.Unlock()
	if !ok {
		t.Watch(orderID)
		t.mu.Lock()
		w = t.watchers[orderID]
		t.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.snapshot(), ctx.Err()
		case <-w.done:
			return w.snapshot(), nil
		case <-timer.C:
			return w.snapshot(), nil
		case <-ticker.C:
			t.poll(ctx, w, orderID, symbol)
		}
	}
}

func (t *Tracker) poll(ctx context.Context, w *watcher, orderID, symbol string) {
	if t.poller == nil {
		return
	}
	status, err := t.poller.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		t.logger.Debug("轮询委托状态失败",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return
	}
	w.apply(status.State, status.Filled, status.AvgPrice)
}
