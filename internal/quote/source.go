package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quote 为某个标的的最新盘口快照。
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// TickSource 提供实时行情缓存读取，未收到行情时返回 false。
type TickSource interface {
	GetQuote(symbol string) (Quote, bool)
}

// LastTradeSource 提供非流式的最近成交价兜底。
type LastTradeSource interface {
	LastTrade(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Provider 优先返回实时盘口，流式数据不可用时回退到最近成交价。
type Provider struct {
	ticks  TickSource
	trades LastTradeSource
	logger *zap.Logger
}

// NewProvider 创建行情提供者。
func NewProvider(ticks TickSource, trades LastTradeSource, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		ticks:  ticks,
		trades: trades,
		logger: logger,
	}
}

// BestBidAsk 返回最新盘口，第二个返回值表示数据是否来自实时行情。
func (p *Provider) BestBidAsk(symbol string) (Quote, bool) {
	if p.ticks == nil {
		return Quote{}, false
	}
	q, ok := p.ticks.GetQuote(symbol)
	if !ok || q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		return Quote{}, false
	}
	return q, true
}

// LastTrade 返回最近成交价兜底。
func (p *Provider) LastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := p.trades.LastTrade(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	p.logger.Debug("使用最近成交价兜底",
		zap.String("symbol", symbol),
		zap.String("price", price.String()),
	)
	return price, nil
}
