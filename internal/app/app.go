package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mt5-bridge/internal/bridge"
	"mt5-bridge/internal/broker"
	"mt5-bridge/internal/config"
	"mt5-bridge/internal/monitor"
	"mt5-bridge/internal/server"
	"mt5-bridge/internal/store"
)

// App 聚合核心依赖并驱动网关生命周期。
// 交易端连接在启动时建立一次，整个进程生命周期内由网关独占。
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

// Run 装配依赖并运行网关循环与监控接口，直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易网关已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.String("addr", a.cfg.Server.Addr()),
		zap.Int64("magic", a.cfg.Trade.Magic),
	)

	b, err := a.newBroker()
	if err != nil {
		return err
	}

	journal, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return err
	}

	dispatcher := bridge.NewDispatcher(b, a.cfg.Trade, journal, a.logger)
	gateway := server.New(a.cfg.Server, dispatcher, a.logger)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return gateway.Run(groupCtx)
	})

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(groupCtx, journal, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	return group.Wait()
}

func (a *App) newBroker() (broker.Broker, error) {
	switch strings.ToLower(a.cfg.Broker.Name) {
	case "sim":
		return broker.NewSim(), nil
	case "binanceusdm":
		return broker.NewCCXT(a.cfg.Broker, a.cfg.Trade, a.logger)
	default:
		return nil, fmt.Errorf("不支持的交易通道: %s", a.cfg.Broker.Name)
	}
}
