package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adaptive-exec/internal/config"
	"adaptive-exec/internal/order"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []controlFrame
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	frame, ok := v.(controlFrame)
	if !ok {
		return fmt.Errorf("unexpected frame type %T", v)
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.msgs:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() []controlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlFrame(nil), c.writes...)
}

func (c *fakeConn) push(t *testing.T, frame wireFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.msgs <- data
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts int
	fail     bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) dialAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		URL:            "ws://localhost/test",
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		PingInterval:   0,
		Reconnect: config.RetryConfig{
			MaxAttempts: 2,
			MinDelay:    time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

func TestSubscribe_EmptyNeverConnects(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(testStreamConfig(), dialer, nil)
	defer m.Close()

	result, err := m.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %v", result)
	}
	if m.Connected() {
		t.Errorf("expected connected=false after empty subscribe")
	}
	if dialer.dialCount() != 0 {
		t.Errorf("expected no dial attempts, got %d", dialer.dialCount())
	}
}

func TestSubscribe_ConnectsAndCachesQuotes(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(testStreamConfig(), dialer, nil)
	defer m.Close()

	result, err := m.Subscribe(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if !result["BTC/USDT"] {
		t.Fatalf("expected subscription success, got %v", result)
	}
	if !m.Connected() {
		t.Fatalf("expected connected=true after subscribe")
	}

	conn := dialer.conns[0]
	frames := conn.sentFrames()
	if len(frames) == 0 || frames[0].Op != "subscribe" {
		t.Fatalf("expected subscribe frame sent on connect, got %v", frames)
	}
	if len(frames[0].Symbols) != 1 || frames[0].Symbols[0] != "BTC/USDT" {
		t.Fatalf("subscribe frame missing symbol: %v", frames[0])
	}

	if _, ok := m.GetQuote("BTC/USDT"); ok {
		t.Fatalf("expected no quote before first tick")
	}

	conn.push(t, wireFrame{Type: "tick", Symbol: "BTC/USDT", Bid: 100.5, Ask: 100.7, TS: time.Now().UnixMilli()})

	waitFor(t, func() bool {
		_, ok := m.GetQuote("BTC/USDT")
		return ok
	}, "cached quote")

	q, _ := m.GetQuote("BTC/USDT")
	if q.Bid.IsZero() || q.Ask.IsZero() {
		t.Errorf("expected non-zero bid/ask, got %s/%s", q.Bid, q.Ask)
	}
}

func TestSubscribe_IncrementalWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(testStreamConfig(), dialer, nil)
	defer m.Close()

	if _, err := m.Subscribe(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := m.Subscribe(context.Background(), []string{"ETH/USDT"}); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if dialer.dialCount() != 1 {
		t.Errorf("expected single dial for incremental subscribe, got %d", dialer.dialCount())
	}

	frames := dialer.conns[0].sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 subscribe frames, got %d", len(frames))
	}
	if frames[1].Op != "subscribe" || len(frames[1].Symbols) != 1 || frames[1].Symbols[0] != "ETH/USDT" {
		t.Errorf("unexpected incremental frame: %v", frames[1])
	}
}

func TestSubscribe_DialFailureDegrades(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	m := NewManagerWithDialer(testStreamConfig(), dialer, nil)
	defer m.Close()

	result, err := m.Subscribe(context.Background(), []string{"BTC/USDT"})
	if err == nil {
		t.Fatalf("expected error when dial fails")
	}
	if result["BTC/USDT"] {
		t.Errorf("expected failure for all requested symbols")
	}
	if !m.Degraded() {
		t.Fatalf("expected degraded after retry exhaustion")
	}

	// 降级后快速失败，不再重试连接。
	_, err = m.Subscribe(context.Background(), []string{"ETH/USDT"})
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
}

func TestClose_InterruptsReconnectBackoff(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Reconnect.MaxAttempts = 10
	cfg.Reconnect.MinDelay = 30 * time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second

	dialer := &fakeDialer{}
	m := NewManagerWithDialer(cfg, dialer, nil)

	if _, err := m.Subscribe(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// 连接中断且重拨失败，读循环进入长退避等待。
	dialer.setFail(true)
	_ = dialer.conns[0].Close()

	waitFor(t, func() bool {
		return dialer.dialAttempts() >= 2
	}, "reconnect dial attempt")

	start := time.Now()
	m.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close blocked %v waiting out the reconnect backoff", elapsed)
	}
	if m.Degraded() {
		t.Errorf("closed manager must not be marked degraded")
	}
}

func TestOrderUpdates_Forwarded(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(testStreamConfig(), dialer, nil)
	defer m.Close()

	if _, err := m.Subscribe(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	dialer.conns[0].push(t, wireFrame{
		Type:    "order",
		OrderID: "ord-1",
		Status:  string(order.StateFilled),
		Filled:  10,
	})

	select {
	case update := <-m.OrderUpdates():
		if update.OrderID != "ord-1" {
			t.Errorf("unexpected order id %s", update.OrderID)
		}
		if update.State != order.StateFilled {
			t.Errorf("unexpected state %s", update.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for order update")
	}
}
