package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/config"
	"adaptive-exec/internal/order"
	"adaptive-exec/internal/quote"
)

// ErrDegraded 表示会话重连次数耗尽，后续订阅请求快速失败。
var ErrDegraded = errors.New("stream: 会话已降级")

// Conn 为底层流式连接，gorilla 的 *websocket.Conn 直接满足该接口。
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer 抽象连接建立过程，便于测试注入假会话。
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OrderUpdate 为推送的委托状态事件。
type OrderUpdate struct {
	OrderID   string
	State     order.State
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Timestamp time.Time
}

type wireFrame struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol,omitempty"`
	Bid      float64 `json:"bid,omitempty"`
	Ask      float64 `json:"ask,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
	Status   string  `json:"status,omitempty"`
	Filled   float64 `json:"filled,omitempty"`
	AvgPrice float64 `json:"avg_price,omitempty"`
	TS       int64   `json:"ts,omitempty"`
}

type controlFrame struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols,omitempty"`
}

// Manager 持有进程内唯一的流式会话。
// 会话按需创建：首个订阅请求先登记标的，再打开底层连接，
// 因为连接一经打开只会推送已登记标的的数据。
type Manager struct {
	cfg    config.StreamConfig
	dialer Dialer
	logger *zap.Logger

	// lifeCtx 贯穿管理器生命周期，Close 取消它以打断重连退避。
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu         sync.Mutex
	subscribed map[string]struct{}
	connected  bool
	degraded   bool
	conn       Conn
	readCancel context.CancelFunc
	idleTimer  *time.Timer
	wg         sync.WaitGroup

	writeMu sync.Mutex

	quotesMu sync.RWMutex
	quotes   map[string]quote.Quote

	updates chan OrderUpdate
	closed  bool
}

// NewManager 创建连接管理器，此时不建立任何连接。
func NewManager(cfg config.StreamConfig, logger *zap.Logger) *Manager {
	return newManager(cfg, wsDialer{handshakeTimeout: cfg.ConnectTimeout}, logger)
}

// NewManagerWithDialer 允许注入自定义连接实现，测试专用入口。
func NewManagerWithDialer(cfg config.StreamConfig, dialer Dialer, logger *zap.Logger) *Manager {
	return newManager(cfg, dialer, logger)
}

func newManager(cfg config.StreamConfig, dialer Dialer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		subscribed: make(map[string]struct{}),
		quotes:     make(map[string]quote.Quote),
		updates:    make(chan OrderUpdate, 256),
	}
}

// Subscribe 登记标的并在必要时建立连接，返回各标的是否订阅成功。
// 空列表不会触发连接。
func (m *Manager) Subscribe(ctx context.Context, symbols []string) (map[string]bool, error) {
	result := make(map[string]bool, len(symbols))
	if len(symbols) == 0 {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		for _, s := range symbols {
			result[s] = false
		}
		return result, ErrDegraded
	}

	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := m.subscribed[s]; !ok {
			m.subscribed[s] = struct{}{}
			added = append(added, s)
		}
	}

	if !m.connected {
		// 订阅集必须在拨号前登记完毕，连接打开后立即开始推送。
		if err := m.connectLocked(ctx); err != nil {
			for _, s := range symbols {
				result[s] = false
			}
			return result, err
		}
	} else if len(added) > 0 {
		if err := m.writeControl(controlFrame{Op: "subscribe", Symbols: added}); err != nil {
			m.logger.Warn("增量订阅失败", zap.Strings("symbols", added), zap.Error(err))
			for _, s := range symbols {
				result[s] = false
			}
			return result, fmt.Errorf("stream: 增量订阅失败: %w", err)
		}
	}

	for _, s := range symbols {
		result[s] = true
	}
	return result, nil
}

// Unsubscribe 移除标的订阅。订阅集变空时默认保持会话空闲，
// 配置了 idle_close 则在空闲期满后关闭。
func (m *Manager) Unsubscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := m.subscribed[s]; ok {
			delete(m.subscribed, s)
			removed = append(removed, s)
		}
	}

	if m.connected && len(removed) > 0 {
		if err := m.writeControl(controlFrame{Op: "unsubscribe", Symbols: removed}); err != nil {
			m.logger.Warn("退订请求发送失败", zap.Strings("symbols", removed), zap.Error(err))
		}
	}

	if len(m.subscribed) == 0 && m.connected && m.cfg.IdleClose > 0 {
		m.idleTimer = time.AfterFunc(m.cfg.IdleClose, m.closeIfIdle)
	}
}

// GetQuote 返回最近缓存的盘口，未收到过行情时返回 false。
func (m *Manager) GetQuote(symbol string) (quote.Quote, bool) {
	m.quotesMu.RLock()
	defer m.quotesMu.RUnlock()
	q, ok := m.quotes[symbol]
	return q, ok
}

// OrderUpdates 返回委托状态推送通道。
func (m *Manager) OrderUpdates() <-chan OrderUpdate {
	return m.updates
}

// Connected 报告会话是否处于连接状态。
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Degraded 报告会话是否已降级。
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Close 终止会话并释放资源。
// 先取消生命周期 context，正在退避等待的重连立即中止并释放锁。
func (m *Manager) Close() {
	m.lifeCancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.teardownLocked()
	m.mu.Unlock()

	m.wg.Wait()
	close(m.updates)
}

// connectLocked 以指数退避尝试建立连接，调用方必须持有 m.mu。
func (m *Manager) connectLocked(ctx context.Context) error {
	var lastErr error
	delay := m.cfg.Reconnect.MinDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := m.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	for attempt := 1; attempt <= m.cfg.Reconnect.MaxAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
		cancel()
		if err == nil {
			if err = m.startSessionLocked(conn); err == nil {
				return nil
			}
		}
		lastErr = err

		m.logger.Warn("流式连接失败",
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		if attempt == m.cfg.Reconnect.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	m.degraded = true
	m.logger.Error("流式连接重试耗尽，会话降级", zap.Error(lastErr))
	return fmt.Errorf("stream: 连接失败并已降级: %w", lastErr)
}

// startSessionLocked 发送订阅帧并启动读循环，调用方必须持有 m.mu。
func (m *Manager) startSessionLocked(conn Conn) error {
	symbols := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		symbols = append(symbols, s)
	}

	m.conn = conn
	if err := m.writeControl(controlFrame{Op: "subscribe", Symbols: symbols}); err != nil {
		_ = conn.Close()
		m.conn = nil
		return fmt.Errorf("stream: 发送订阅帧失败: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.readCancel = cancel
	m.connected = true

	m.wg.Add(1)
	go m.readLoop(readCtx, conn)
	if m.cfg.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(readCtx, conn)
	}

	m.logger.Info("流式会话已建立", zap.Strings("symbols", symbols))
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("流式读取失败，准备重连", zap.Error(err))
			m.reconnect()
			return
		}

		m.handleMessage(msg)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeControl(controlFrame{Op: "ping"}); err != nil {
				m.logger.Warn("流式心跳失败", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) handleMessage(msg []byte) {
	var frame wireFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		m.logger.Debug("忽略无法解析的推送", zap.Error(err))
		return
	}

	switch frame.Type {
	case "tick":
		if frame.Symbol == "" {
			return
		}
		ts := time.Now().UTC()
		if frame.TS > 0 {
			ts = time.UnixMilli(frame.TS).UTC()
		}
		m.quotesMu.Lock()
		m.quotes[frame.Symbol] = quote.Quote{
			Symbol:    frame.Symbol,
			Bid:       decimal.NewFromFloat(frame.Bid),
			Ask:       decimal.NewFromFloat(frame.Ask),
			Timestamp: ts,
		}
		m.quotesMu.Unlock()
	case "order":
		if frame.OrderID == "" {
			return
		}
		ts := time.Now().UTC()
		if frame.TS > 0 {
			ts = time.UnixMilli(frame.TS).UTC()
		}
		update := OrderUpdate{
			OrderID:   frame.OrderID,
			State:     order.State(frame.Status),
			Filled:    decimal.NewFromFloat(frame.Filled),
			AvgPrice:  decimal.NewFromFloat(frame.AvgPrice),
			Timestamp: ts,
		}
		select {
		case m.updates <- update:
		default:
			m.logger.Warn("委托推送缓冲已满，丢弃事件", zap.String("order_id", frame.OrderID))
		}
	}
}

// reconnect 在读失败后重建会话，订阅集保持登记状态。
// 旧会话的 context 已被取消，重建使用管理器的生命周期 context，
// Close 取消后退避等待即刻返回。
func (m *Manager) reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.degraded || m.lifeCtx.Err() != nil {
		return
	}

	m.teardownLocked()

	if len(m.subscribed) == 0 {
		return
	}

	if err := m.connectLocked(m.lifeCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Error("流式会话重建失败", zap.Error(err))
	}
}

func (m *Manager) closeIfIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscribed) == 0 && m.connected {
		m.logger.Info("订阅集为空，关闭空闲会话")
		m.teardownLocked()
	}
}

// teardownLocked 关闭底层连接，调用方必须持有 m.mu。
func (m *Manager) teardownLocked() {
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

func (m *Manager) writeControl(frame controlFrame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return errors.New("stream: 会话未连接")
	}
	return m.conn.WriteJSON(frame)
}
