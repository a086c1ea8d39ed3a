package app

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"adaptive-exec/internal/order"
	"adaptive-exec/internal/router"
)

// dispatcher 并发调度多个意图，每个意图独占一个执行循环。
type dispatcher struct {
	router *router.Router
	logger *zap.Logger
	group  *errgroup.Group
	ctx    context.Context
}

func newDispatcher(ctx context.Context, r *router.Router, logger *zap.Logger) *dispatcher {
	group, groupCtx := errgroup.WithContext(ctx)
	return &dispatcher{
		router: r,
		logger: logger,
		group:  group,
		ctx:    groupCtx,
	}
}

// Submit 异步启动一个意图的执行，结果通过台账与日志观测。
func (d *dispatcher) Submit(intent order.Intent) {
	d.group.Go(func() error {
		result, err := d.router.Execute(d.ctx, intent)
		if err != nil {
			d.logger.Error("意图执行失败",
				zap.String("correlation_id", intent.CorrelationID),
				zap.Error(err),
			)
			// 单个意图失败不终止其它并发执行。
			return nil
		}

		d.logger.Info("意图执行完成",
			zap.String("correlation_id", intent.CorrelationID),
			zap.String("disposition", string(result.Disposition)),
			zap.String("filled", result.Filled.String()),
			zap.String("avg_price", result.AvgFillPrice.String()),
			zap.String("fill_ratio", result.FillRatio().String()),
		)
		return nil
	})
}

// Wait 阻塞直至全部在途意图结束。
func (d *dispatcher) Wait() {
	_ = d.group.Wait()
}
