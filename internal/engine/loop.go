package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/broker"
	"adaptive-exec/internal/config"
	"adaptive-exec/internal/fills"
	"adaptive-exec/internal/order"
	"adaptive-exec/internal/plan"
	"adaptive-exec/internal/pricing"
	"adaptive-exec/internal/quote"
)

// Subscriber 抽象行情订阅入口，由 stream.Manager 实现。
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string) (map[string]bool, error)
	Unsubscribe(symbols []string)
}

// Recorder 抽象台账写入，由 ledger.Service 实现。
type Recorder interface {
	RecordSliceOutcome(ctx context.Context, intent order.Intent, outcome order.SliceOutcome)
	RecordResult(ctx context.Context, result order.Result)
}

// SigmaSource 提供已实现波动率估计。
type SigmaSource interface {
	Estimate(ctx context.Context, symbol string) (float64, error)
}

// Loop 驱动单个意图的多切片轨迹执行。
// 状态推进：Planning → Slicing(k) → Evaluating → {Completed, FallbackEscalated}。
type Loop struct {
	broker     broker.Broker
	quotes     *quote.Provider
	tracker    *fills.Tracker
	subscriber Subscriber
	recorder   Recorder
	sigma      SigmaSource
	plannerCfg config.PlannerConfig
	execCfg    config.ExecutionConfig
	logger     *zap.Logger
}

// NewLoop 创建轨迹执行循环。subscriber、recorder 与 sigma 均可为 nil。
func NewLoop(
	b broker.Broker,
	quotes *quote.Provider,
	tracker *fills.Tracker,
	subscriber Subscriber,
	recorder Recorder,
	sigma SigmaSource,
	plannerCfg config.PlannerConfig,
	execCfg config.ExecutionConfig,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		broker:     b,
		quotes:     quotes,
		tracker:    tracker,
		subscriber: subscriber,
		recorder:   recorder,
		sigma:      sigma,
		plannerCfg: plannerCfg,
		execCfg:    execCfg,
		logger:     logger,
	}
}

// Run 执行一次意图并返回唯一的执行结果。
// 返回的 error 仅在意图级失败时非空，结果总是完整填充。
func (l *Loop) Run(ctx context.Context, intent order.Intent) (order.Result, error) {
	logger := l.logger.With(
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
	)

	schedule, err := l.buildSchedule(ctx, intent)
	if err != nil {
		result := l.finish(ctx, order.Result{
			Intent:      intent,
			Disposition: order.DispositionFailed,
			Err:         err,
		})
		return result, err
	}

	l.ensureSubscribed(ctx, intent.Symbol, logger)
	defer l.unsubscribe(intent.Symbol)

	var (
		outcomes    = make([]order.SliceOutcome, 0, len(schedule.Slices))
		placed      = decimal.Zero
		totalFilled = decimal.Zero
		notional    = decimal.Zero
		carry       = decimal.Zero
		canceled    bool
	)

	for _, slice := range schedule.Slices {
		if ctx.Err() != nil {
			canceled = true
			break
		}

		// 超时切片的未成交量并入下一切片，最后剩余交由兜底评估。
		target := slice.Quantity.Add(carry)
		if target.Sign() <= 0 {
			carry = decimal.Zero
			continue
		}

		outcome := l.runSlice(ctx, intent, slice.Index, len(schedule.Slices), target, logger)
		outcomes = append(outcomes, outcome)
		l.recordSlice(ctx, intent, outcome)

		placed = placed.Add(outcome.Target)
		totalFilled = totalFilled.Add(outcome.Filled)
		if outcome.Filled.Sign() > 0 && outcome.AvgPrice.Sign() > 0 {
			notional = notional.Add(outcome.Filled.Mul(outcome.AvgPrice))
		}
		carry = outcome.Target.Sub(outcome.Filled)

		if errors.Is(ctx.Err(), context.Canceled) {
			canceled = true
			break
		}
	}

	result := order.Result{
		Intent:      intent,
		Placed:      placed,
		Filled:      totalFilled,
		Slices:      outcomes,
		Disposition: order.DispositionCompleted,
	}

	// 外部取消：保留已成交量，不再进入兜底评估。
	if canceled {
		logger.Info("执行循环被外部取消",
			zap.String("filled", totalFilled.String()),
		)
		result.AvgFillPrice = vwap(notional, totalFilled)
		return l.finish(ctx, result), nil
	}

	remaining := intent.Quantity.Sub(totalFilled)
	ratio := decimal.Zero
	if intent.Quantity.Sign() > 0 {
		ratio = totalFilled.Div(intent.Quantity)
	}
	threshold := decimal.NewFromFloat(l.execCfg.FallbackFillThreshold)

	if remaining.Sign() > 0 && l.execCfg.MarketFallbackEnabled && ratio.LessThan(threshold) {
		logger.Info("成交比例低于阈值，升级为市价兜底",
			zap.String("fill_ratio", ratio.String()),
			zap.String("remaining", remaining.String()),
		)

		fallbackFilled, fallbackPrice, fbErr := l.runFallback(ctx, intent, remaining, logger)
		if fbErr != nil {
			result.Disposition = order.DispositionFailed
			result.Err = fmt.Errorf("engine: 兜底市价单失败: %w", fbErr)
			result.AvgFillPrice = vwap(notional, totalFilled)
			return l.finish(ctx, result), result.Err
		}

		result.Placed = result.Placed.Add(remaining)
		result.Filled = result.Filled.Add(fallbackFilled)
		if fallbackFilled.Sign() > 0 && fallbackPrice.Sign() > 0 {
			notional = notional.Add(fallbackFilled.Mul(fallbackPrice))
		}
		result.Disposition = order.DispositionFallbackEscalated
	}

	result.AvgFillPrice = vwap(notional, result.Filled)
	return l.finish(ctx, result), nil
}

// buildSchedule 计算执行计划，参数非法时为意图级致命错误。
func (l *Loop) buildSchedule(ctx context.Context, intent order.Intent) (plan.Schedule, error) {
	sigma := l.plannerCfg.Volatility
	if l.plannerCfg.AutoVolatility && l.sigma != nil {
		estimated, err := l.sigma.Estimate(ctx, intent.Symbol)
		if err != nil {
			l.logger.Warn("波动率估计失败，使用配置值",
				zap.String("symbol", intent.Symbol),
				zap.Error(err),
			)
		} else {
			sigma = estimated
		}
	}

	return plan.Compute(plan.Params{
		TotalQuantity:   intent.Quantity,
		NumSlices:       l.plannerCfg.NumSlices,
		Horizon:         l.plannerCfg.TotalTime,
		RiskAversion:    l.plannerCfg.RiskAversion,
		Volatility:      sigma,
		TemporaryImpact: l.plannerCfg.TemporaryImpact,
	})
}

func (l *Loop) ensureSubscribed(ctx context.Context, symbol string, logger *zap.Logger) {
	if l.subscriber == nil {
		return
	}
	if _, err := l.subscriber.Subscribe(ctx, []string{symbol}); err != nil {
		logger.Warn("行情订阅失败，定价回退到最近成交价", zap.Error(err))
	}
}

func (l *Loop) unsubscribe(symbol string) {
	if l.subscriber != nil {
		l.subscriber.Unsubscribe([]string{symbol})
	}
}

// runSlice 完成单个切片：定价、提交、等待、撤销未成交部分。
// 券商拒单只影响该切片，按零成交继续。
func (l *Loop) runSlice(ctx context.Context, intent order.Intent, index, total int, target decimal.Decimal, logger *zap.Logger) order.SliceOutcome {
	outcome := order.SliceOutcome{
		SliceIndex: index,
		Target:     target,
		Filled:     decimal.Zero,
		Aggression: pricing.Aggression(index, total),
	}

	limit, stale, err := l.priceSlice(ctx, intent, outcome.Aggression)
	if err != nil {
		logger.Warn("切片定价失败，按零成交跳过",
			zap.Int("slice", index),
			zap.Error(err),
		)
		outcome.State = order.StateRejected
		return outcome
	}
	outcome.LimitPrice = limit
	outcome.QuoteStale = stale

	orderID, err := l.broker.SubmitLimitOrder(ctx, intent.Symbol, intent.Side, target, limit)
	if err != nil {
		logger.Warn("切片委托被拒绝，按零成交继续",
			zap.Int("slice", index),
			zap.Error(err),
		)
		outcome.State = order.StateRejected
		return outcome
	}

	logger.Info("切片委托已提交",
		zap.Int("slice", index),
		zap.String("order_id", orderID),
		zap.String("target", target.String()),
		zap.String("limit", limit.String()),
		zap.Float64("aggression", outcome.Aggression),
		zap.Bool("quote_stale", stale),
	)

	l.tracker.Watch(orderID)
	defer l.tracker.Forget(orderID)

	snap, waitErr := l.tracker.AwaitFill(ctx, orderID, intent.Symbol, l.execCfg.SliceWait)
	if !snap.State.IsTerminal() {
		// 超时或外部取消：撤销剩余量，已终结的撤单视为成功。
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if cancelErr := l.broker.CancelOrder(cancelCtx, orderID, intent.Symbol); cancelErr != nil {
			logger.Warn("撤销切片失败", zap.Int("slice", index), zap.Error(cancelErr))
		}
		if status, err := l.broker.FetchOrder(cancelCtx, orderID, intent.Symbol); err == nil {
			snap = fills.Snapshot{Filled: status.Filled, AvgPrice: status.AvgPrice, State: status.State}
		} else if snap.State == order.StateSubmitted || snap.State == order.StatePartiallyFilled {
			snap.State = order.StateCanceled
		}
		cancel()
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Warn("等待切片成交异常", zap.Int("slice", index), zap.Error(waitErr))
	}

	outcome.Filled = snap.Filled
	if outcome.Filled.GreaterThan(target) {
		outcome.Filled = target
	}
	outcome.AvgPrice = snap.AvgPrice
	if outcome.AvgPrice.Sign() <= 0 {
		outcome.AvgPrice = limit
	}
	outcome.State = snap.State
	if outcome.State == "" {
		outcome.State = order.StateCanceled
	}

	logger.Info("切片执行结束",
		zap.Int("slice", index),
		zap.String("state", string(outcome.State)),
		zap.String("filled", outcome.Filled.String()),
	)

	return outcome
}

// priceSlice 优先使用实时盘口定价，否则回退到最近成交价加偏移。
func (l *Loop) priceSlice(ctx context.Context, intent order.Intent, aggression float64) (decimal.Decimal, bool, error) {
	if q, live := l.quotes.BestBidAsk(intent.Symbol); live {
		return pricing.Limit(intent.Side, q.Bid, q.Ask, aggression), false, nil
	}

	last, err := l.quotes.LastTrade(ctx, intent.Symbol)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("engine: 无可用价格: %w", err)
	}
	return pricing.FallbackLimit(intent.Side, last, l.execCfg.OfflineOffset), true, nil
}

// runFallback 以市价单消化剩余量，失败对整个意图是致命的。
func (l *Loop) runFallback(ctx context.Context, intent order.Intent, remaining decimal.Decimal, logger *zap.Logger) (decimal.Decimal, decimal.Decimal, error) {
	orderID, err := l.broker.SubmitMarketOrder(ctx, intent.Symbol, intent.Side, remaining)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	l.tracker.Watch(orderID)
	defer l.tracker.Forget(orderID)

	snap, waitErr := l.tracker.AwaitFill(ctx, orderID, intent.Symbol, l.execCfg.SliceWait)
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Warn("等待兜底成交异常", zap.Error(waitErr))
	}
	if !snap.State.IsTerminal() {
		statusCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if status, err := l.broker.FetchOrder(statusCtx, orderID, intent.Symbol); err == nil {
			snap = fills.Snapshot{Filled: status.Filled, AvgPrice: status.AvgPrice, State: status.State}
		}
		cancel()
	}
	if snap.State == order.StateRejected {
		return decimal.Zero, decimal.Zero, fmt.Errorf("engine: 兜底市价单被拒绝 order_id=%s", orderID)
	}

	filled := snap.Filled
	if filled.GreaterThan(remaining) {
		filled = remaining
	}

	logger.Info("兜底市价单执行结束",
		zap.String("order_id", orderID),
		zap.String("filled", filled.String()),
	)

	return filled, snap.AvgPrice, nil
}

func (l *Loop) recordSlice(ctx context.Context, intent order.Intent, outcome order.SliceOutcome) {
	if l.recorder != nil {
		l.recorder.RecordSliceOutcome(ctx, intent, outcome)
	}
}

// finish 填充终态字段并写台账，保证每个意图恰好产生一个结果。
func (l *Loop) finish(ctx context.Context, result order.Result) order.Result {
	result.FinishedAt = time.Now().UTC()
	if l.recorder != nil {
		l.recorder.RecordResult(ctx, result)
	}
	return result
}

func vwap(notional, filled decimal.Decimal) decimal.Decimal {
	if filled.Sign() <= 0 {
		return decimal.Zero
	}
	return notional.Div(filled)
}
