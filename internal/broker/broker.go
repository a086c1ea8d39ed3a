package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"adaptive-exec/internal/order"
)

// OrderStatus 为券商侧委托状态快照。
type OrderStatus struct {
	OrderID   string
	State     order.State
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

// Broker 抽象券商委托接口，方便在测试中替换。
type Broker interface {
	SubmitLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, price decimal.Decimal) (string, error)
	SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity decimal.Decimal) (string, error)
	// CancelOrder 对已处于终态(filled/canceled)的委托返回成功。
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (OrderStatus, error)
	LastTrade(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}
