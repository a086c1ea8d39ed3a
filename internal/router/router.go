package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/broker"
	"adaptive-exec/internal/config"
	"adaptive-exec/internal/engine"
	"adaptive-exec/internal/fills"
	"adaptive-exec/internal/order"
	"adaptive-exec/internal/pricing"
	"adaptive-exec/internal/quote"
)

// Mode 为执行模式。
type Mode string

const (
	// ModeMarket 立即市价，成交确定但成本可能较高。
	ModeMarket Mode = "market"
	// ModeTrajectory 多切片轨迹执行。
	ModeTrajectory Mode = "trajectory"
	// ModePatient 固定四步渐进让价，适合不紧迫的再平衡。
	ModePatient Mode = "patient"
)

// 渐进模式的前三步让价系数，最后一步直接市价。
var patientAggressions = []float64{0.50, 0.75, 0.95}

// Route 将紧迫度映射为执行模式，纯查表无副作用。
func Route(urgency order.Urgency) Mode {
	switch urgency {
	case order.UrgencyHigh:
		return ModeMarket
	case order.UrgencyLow:
		return ModePatient
	default:
		return ModeTrajectory
	}
}

// Router 依据意图紧迫度分发到对应执行器。
type Router struct {
	broker   broker.Broker
	quotes   *quote.Provider
	tracker  *fills.Tracker
	loop     *engine.Loop
	recorder engine.Recorder
	execCfg  config.ExecutionConfig
	logger   *zap.Logger
}

// NewRouter 创建策略路由。
func NewRouter(
	b broker.Broker,
	quotes *quote.Provider,
	tracker *fills.Tracker,
	loop *engine.Loop,
	recorder engine.Recorder,
	execCfg config.ExecutionConfig,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		broker:   b,
		quotes:   quotes,
		tracker:  tracker,
		loop:     loop,
		recorder: recorder,
		execCfg:  execCfg,
		logger:   logger,
	}
}

// Execute 执行一次意图，保证恰好返回一个结果。
func (r *Router) Execute(ctx context.Context, intent order.Intent) (order.Result, error) {
	mode := Route(intent.Urgency)
	r.logger.Info("已选择执行模式",
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("urgency", string(intent.Urgency)),
		zap.String("mode", string(mode)),
	)

	switch mode {
	case ModeMarket:
		return r.executeMarket(ctx, intent)
	case ModePatient:
		return r.executePatient(ctx, intent)
	default:
		return r.loop.Run(ctx, intent)
	}
}

// executeMarket 高紧迫度：单笔市价单，不经过轨迹规划。
func (r *Router) executeMarket(ctx context.Context, intent order.Intent) (order.Result, error) {
	result := order.Result{
		Intent:      intent,
		Placed:      intent.Quantity,
		Disposition: order.DispositionCompleted,
	}

	orderID, err := r.broker.SubmitMarketOrder(ctx, intent.Symbol, intent.Side, intent.Quantity)
	if err != nil {
		result.Disposition = order.DispositionFailed
		result.Err = fmt.Errorf("router: 市价单提交失败: %w", err)
		return r.finish(ctx, result), result.Err
	}

	r.tracker.Watch(orderID)
	defer r.tracker.Forget(orderID)

	snap, waitErr := r.tracker.AwaitFill(ctx, orderID, intent.Symbol, r.execCfg.SliceWait)
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		r.logger.Warn("等待市价成交异常", zap.Error(waitErr))
	}
	if !snap.State.IsTerminal() {
		statusCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if status, err := r.broker.FetchOrder(statusCtx, orderID, intent.Symbol); err == nil {
			snap = fills.Snapshot{Filled: status.Filled, AvgPrice: status.AvgPrice, State: status.State}
		}
		cancel()
	}
	if snap.State == order.StateRejected {
		result.Disposition = order.DispositionFailed
		result.Err = fmt.Errorf("router: 市价单被拒绝 order_id=%s", orderID)
		return r.finish(ctx, result), result.Err
	}

	result.Filled = snap.Filled
	if result.Filled.GreaterThan(intent.Quantity) {
		result.Filled = intent.Quantity
	}
	result.AvgFillPrice = snap.AvgPrice
	return r.finish(ctx, result), nil
}

// executePatient 低紧迫度：三步渐进让价限价，剩余量最后市价收尾。
func (r *Router) executePatient(ctx context.Context, intent order.Intent) (order.Result, error) {
	var (
		outcomes  = make([]order.SliceOutcome, 0, len(patientAggressions)+1)
		filled    = decimal.Zero
		notional  = decimal.Zero
		remaining = intent.Quantity
	)

	for step, aggression := range patientAggressions {
		if ctx.Err() != nil || remaining.Sign() <= 0 {
			break
		}

		outcome := r.patientStep(ctx, intent, step, aggression, remaining)
		outcomes = append(outcomes, outcome)
		if r.recorder != nil {
			r.recorder.RecordSliceOutcome(ctx, intent, outcome)
		}

		filled = filled.Add(outcome.Filled)
		if outcome.Filled.Sign() > 0 && outcome.AvgPrice.Sign() > 0 {
			notional = notional.Add(outcome.Filled.Mul(outcome.AvgPrice))
		}
		remaining = remaining.Sub(outcome.Filled)
	}

	result := order.Result{
		Intent:      intent,
		Placed:      intent.Quantity,
		Filled:      filled,
		Slices:      outcomes,
		Disposition: order.DispositionCompleted,
	}

	if ctx.Err() == nil && remaining.Sign() > 0 {
		orderID, err := r.broker.SubmitMarketOrder(ctx, intent.Symbol, intent.Side, remaining)
		if err != nil {
			result.Disposition = order.DispositionFailed
			result.Err = fmt.Errorf("router: 渐进模式收尾市价单失败: %w", err)
			result.AvgFillPrice = divSafe(notional, filled)
			return r.finish(ctx, result), result.Err
		}

		r.tracker.Watch(orderID)
		snap, _ := r.tracker.AwaitFill(ctx, orderID, intent.Symbol, r.execCfg.SliceWait)
		r.tracker.Forget(orderID)

		stepFilled := snap.Filled
		if stepFilled.GreaterThan(remaining) {
			stepFilled = remaining
		}
		filled = filled.Add(stepFilled)
		if stepFilled.Sign() > 0 && snap.AvgPrice.Sign() > 0 {
			notional = notional.Add(stepFilled.Mul(snap.AvgPrice))
		}
		result.Filled = filled
	}

	result.AvgFillPrice = divSafe(notional, filled)
	return r.finish(ctx, result), nil
}

func (r *Router) patientStep(ctx context.Context, intent order.Intent, step int, aggression float64, target decimal.Decimal) order.SliceOutcome {
	outcome := order.SliceOutcome{
		SliceIndex: step,
		Target:     target,
		Filled:     decimal.Zero,
		Aggression: aggression,
	}

	var limit decimal.Decimal
	if q, live := r.quotes.BestBidAsk(intent.Symbol); live {
		limit = pricing.Limit(intent.Side, q.Bid, q.Ask, aggression)
	} else {
		last, err := r.quotes.LastTrade(ctx, intent.Symbol)
		if err != nil {
			r.logger.Warn("渐进步骤无可用价格，跳过",
				zap.Int("step", step),
				zap.Error(err),
			)
			outcome.State = order.StateRejected
			return outcome
		}
		limit = pricing.FallbackLimit(intent.Side, last, r.execCfg.OfflineOffset)
		outcome.QuoteStale = true
	}
	outcome.LimitPrice = limit

	orderID, err := r.broker.SubmitLimitOrder(ctx, intent.Symbol, intent.Side, target, limit)
	if err != nil {
		r.logger.Warn("渐进步骤委托被拒绝",
			zap.Int("step", step),
			zap.Error(err),
		)
		outcome.State = order.StateRejected
		return outcome
	}

	r.tracker.Watch(orderID)
	defer r.tracker.Forget(orderID)

	snap, _ := r.tracker.AwaitFill(ctx, orderID, intent.Symbol, r.execCfg.SliceWait)
	if !snap.State.IsTerminal() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if cancelErr := r.broker.CancelOrder(cancelCtx, orderID, intent.Symbol); cancelErr != nil {
			r.logger.Warn("撤销渐进步骤失败", zap.Int("step", step), zap.Error(cancelErr))
		}
		if status, err := r.broker.FetchOrder(cancelCtx, orderID, intent.Symbol); err == nil {
			snap = fills.Snapshot{Filled: status.Filled, AvgPrice: status.AvgPrice, State: status.State}
		} else {
			snap.State = order.StateCanceled
		}
		cancel()
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
	return outcome
}

func (r *Router) finish(ctx context.Context, result order.Result) order.Result {
	result.FinishedAt = time.Now().UTC()
	if r.recorder != nil {
		r.recorder.RecordResult(ctx, result)
	}
	return result
}

func divSafe(notional, filled decimal.Decimal) decimal.Decimal {
	if filled.Sign() <= 0 {
		return decimal.Zero
	}
	return notional.Div(filled)
}
