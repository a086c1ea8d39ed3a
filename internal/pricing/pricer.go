package pricing

import (
	"github.com/shopspring/decimal"

	"adaptive-exec/internal/order"
)

const (
	minAggression    = 0.60
	maxAggression    = 0.90
	singleAggression = 0.75
)

// Aggression 返回第 k 个切片的让价系数，随 k 线性上升。
func Aggression(k, n int) float64 {
	if n <= 1 {
		return singleAggression
	}
	if k < 0 {
		k = 0
	}
	if k > n-1 {
		k = n - 1
	}
	return minAggression + (maxAggression-minAggression)*float64(k)/float64(n-1)
}

// Limit 依据盘口与让价系数计算限价。
// 买方从 bid 向 ask 让价，卖方从 ask 向 bid 让价。
func Limit(side order.Side, bid, ask decimal.Decimal, aggression float64) decimal.Decimal {
	spread := ask.Sub(bid)
	concession := spread.Mul(decimal.NewFromFloat(aggression))
	if side == order.SideBuy {
		return bid.Add(concession)
	}
	return ask.Sub(concession)
}

// FallbackLimit 在无实时盘口时基于最近成交价加固定偏移定价。
func FallbackLimit(side order.Side, lastTrade decimal.Decimal, offset float64) decimal.Decimal {
	adjust := lastTrade.Mul(decimal.NewFromFloat(offset))
	if side == order.SideBuy {
		return lastTrade.Add(adjust)
	}
	return lastTrade.Sub(adjust)
}
