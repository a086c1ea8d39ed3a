package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/config"
	"adaptive-exec/internal/order"
)

// exchangeClient 收敛本客户端使用的 ccxt 调用面。
type exchangeClient interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
}

// Client 基于 ccxt 访问券商并实现重试机制。
type Client struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange exchangeClient

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Broker = (*Client)(nil)

// NewClient 构造 ccxt 券商客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(cfg, ex, logger), nil
}

func newClient(cfg config.BrokerConfig, ex exchangeClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}
}

// SubmitLimitOrder 提交限价委托并返回委托ID。
func (c *Client) SubmitLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, price decimal.Decimal) (string, error) {
	var placed ccxt.Order
	err := c.callWithRetry(ctx, "create_limit_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.CreateLimitOrder(symbol, string(side), quantity.InexactFloat64(), price.InexactFloat64())
		if err != nil {
			return err
		}
		placed = result
		return nil
	})
	if err != nil {
		return "", err
	}

	id := derefString(placed.Id)
	if id == "" {
		return "", fmt.Errorf("broker: 券商未返回委托ID")
	}
	return id, nil
}

// SubmitMarketOrder 提交市价委托并返回委托ID。
func (c *Client) SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity decimal.Decimal) (string, error) {
	var placed ccxt.Order
	err := c.callWithRetry(ctx, "create_market_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.CreateMarketOrder(symbol, string(side), quantity.InexactFloat64())
		if err != nil {
			return err
		}
		placed = result
		return nil
	})
	if err != nil {
		return "", err
	}

	id := derefString(placed.Id)
	if id == "" {
		return "", fmt.Errorf("broker: 券商未返回委托ID")
	}
	return id, nil
}

// CancelOrder 撤销委托。委托已成交或已撤销时视为成功。
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err == nil {
		return nil
	}

	if isOrderGone(err) {
		status, fetchErr := c.FetchOrder(ctx, orderID, symbol)
		if fetchErr == nil && (status.State == order.StateFilled || status.State == order.StateCanceled) {
			c.logger.Debug("撤单时委托已终结，视为成功",
				zap.String("order_id", orderID),
				zap.String("state", string(status.State)),
			)
			return nil
		}
	}

	return fmt.Errorf("broker: 撤单失败: %w", err)
}

// FetchOrder 查询委托当前状态。
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (OrderStatus, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		result, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return convertOrder(orderID, raw), nil
}

// LastTrade 获取最近成交价。
func (c *Client) LastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var last float64
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		ticker, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		last = derefFloat(ticker.Last)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if last <= 0 {
		return decimal.Zero, fmt.Errorf("broker: 最近成交价不可用 symbol=%s", symbol)
	}
	return decimal.NewFromFloat(last), nil
}

// FetchCloses 获取指定周期的收盘价序列，用于波动率估计。
func (c *Client) FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(raw))
	for _, item := range raw {
		closes = append(closes, item.Close)
	}
	return closes, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !c.retryable(err) || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
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
}

func (c *Client) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func convertOrder(orderID string, raw ccxt.Order) OrderStatus {
	filled := decimal.NewFromFloat(derefFloat(raw.Filled))
	avg := decimal.NewFromFloat(derefFloat(raw.Average))

	state := order.StateSubmitted
	switch derefString(raw.Status) {
	case "closed":
		state = order.StateFilled
	case "canceled":
		state = order.StateCanceled
	case "expired":
		state = order.StateExpired
	case "rejected":
		state = order.StateRejected
	default:
		if filled.Sign() > 0 {
			state = order.StatePartiallyFilled
		}
	}

	var ts time.Time
	if raw.Timestamp != nil {
		ts = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return OrderStatus{
		OrderID:   orderID,
		State:     state,
		Filled:    filled,
		AvgPrice:  avg,
		UpdatedAt: ts,
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
