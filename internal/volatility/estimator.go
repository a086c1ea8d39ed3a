package volatility

import (
	"context"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// ClosesSource 提供历史收盘价序列。
type ClosesSource interface {
	FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}

// Estimator 基于近期收盘价的对数收益率估计已实现波动率，
// 供轨迹规划在未显式配置 σ 时使用。
type Estimator struct {
	source    ClosesSource
	timeframe string
	window    int
	logger    *zap.Logger
}

// NewEstimator 创建波动率估计器。
func NewEstimator(source ClosesSource, timeframe string, window int, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeframe == "" {
		timeframe = "1m"
	}
	if window < 2 {
		window = 30
	}
	return &Estimator{
		source:    source,
		timeframe: timeframe,
		window:    window,
		logger:    logger,
	}
}

// Estimate 返回单根K线周期内的已实现波动率。
func (e *Estimator) Estimate(ctx context.Context, symbol string) (float64, error) {
	closes, err := e.source.FetchCloses(ctx, symbol, e.timeframe, e.window+1)
	if err != nil {
		return 0, fmt.Errorf("volatility: 获取收盘价失败: %w", err)
	}
	if len(closes) < 3 {
		return 0, fmt.Errorf("volatility: 收盘价样本不足, got %d", len(closes))
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, fmt.Errorf("volatility: 收盘价序列包含非正值")
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}

	stddev := talib.StdDev(returns, len(returns), 1)
	sigma := stddev[len(stddev)-1]
	if math.IsNaN(sigma) || sigma < 0 {
		return 0, fmt.Errorf("volatility: 波动率计算结果无效")
	}

	e.logger.Debug("完成波动率估计",
		zap.String("symbol", symbol),
		zap.String("timeframe", e.timeframe),
		zap.Int("samples", len(returns)),
		zap.Float64("sigma", sigma),
	)

	return sigma, nil
}
