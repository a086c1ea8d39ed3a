package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"adaptive-exec/internal/broker"
	"adaptive-exec/internal/config"
	"adaptive-exec/internal/engine"
	"adaptive-exec/internal/fills"
	"adaptive-exec/internal/ledger"
	"adaptive-exec/internal/quote"
	"adaptive-exec/internal/router"
	"adaptive-exec/internal/store"
	"adaptive-exec/internal/stream"
	"adaptive-exec/internal/volatility"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装执行引擎并阻塞服务直至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Int("num_slices", a.cfg.Planner.NumSlices),
	)

	brokerClient, err := broker.NewClient(a.cfg.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("初始化券商客户端失败: %w", err)
	}

	ledgerSvc, err := ledger.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化台账服务失败: %w", err)
	}

	manager := stream.NewManager(a.cfg.Stream, a.logger)
	defer manager.Close()

	tracker := fills.NewTracker(brokerClient, a.cfg.Execution.PollInterval, a.logger)
	go tracker.Run(ctx, manager.OrderUpdates())

	provider := quote.NewProvider(manager, brokerClient, a.logger)

	var sigma engine.SigmaSource
	if a.cfg.Planner.AutoVolatility {
		sigma = volatility.NewEstimator(brokerClient, "1m", a.cfg.Planner.VolatilityWindow, a.logger)
	}

	loop := engine.NewLoop(
		brokerClient,
		provider,
		tracker,
		manager,
		ledgerSvc,
		sigma,
		a.cfg.Planner,
		a.cfg.Execution,
		a.logger,
	)

	strategyRouter := router.NewRouter(
		brokerClient,
		provider,
		tracker,
		loop,
		ledgerSvc,
		a.cfg.Execution,
		a.logger,
	)

	dispatcher := newDispatcher(ctx, strategyRouter, a.logger)

	if a.cfg.Monitor.Enabled {
		if err := startServer(ctx, dispatcher, ledgerSvc, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，等待未完成的意图")
	dispatcher.Wait()
	a.logger.Info("全部执行循环已结束")
	return nil
}
