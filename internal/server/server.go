package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"mt5-bridge/internal/bridge"
	"mt5-bridge/internal/config"
)

// Server 拥有唯一的应答套接字并驱动网关循环。
// 严格的请求应答纪律：一条请求的应答发出之前绝不接收下一条，
// 请求串行处理，应答顺序与请求顺序一致。
type Server struct {
	cfg        config.ServerConfig
	dispatcher *bridge.Dispatcher
	logger     *zap.Logger
}

// New 创建网关服务。
func New(cfg config.ServerConfig, dispatcher *bridge.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run 绑定地址并进入 收取-分发-应答 循环，直到上下文取消。
// 绑定失败是整个进程唯一的致命错误；此后任何处理失败都只会
// 化为错误应答，连接保持打开。
func (s *Server) Run(ctx context.Context) error {
	sock := zmq4.NewRep(ctx)
	defer sock.Close()

	addr := s.cfg.Addr()
	if err := sock.Listen(addr); err != nil {
		return fmt.Errorf("绑定应答套接字 %s 失败: %w", addr, err)
	}

	s.logger.Info("网关已启动", zap.String("addr", addr))

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.logger.Info("网关收到退出信号，正在停止")
				return nil
			}
			s.logger.Warn("接收请求失败", zap.Error(err))
			continue
		}

		reply := s.process(ctx, msg.Bytes())

		if err := sock.Send(zmq4.NewMsg(reply)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("发送应答失败", zap.Error(err))
		}
	}
}

// process 处理单帧请求。一旦进入处理器便运行到完成，
// 可配置的超时只约束交易端调用，不改变对外契约。
func (s *Server) process(ctx context.Context, raw []byte) []byte {
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}
	start := time.Now()
	reply := s.dispatcher.Process(ctx, raw)
	s.logger.Debug("完成一次请求应答",
		zap.Int("request_bytes", len(raw)),
		zap.Int("reply_bytes", len(reply)),
		zap.Duration("latency", time.Since(start)),
	)
	return reply
}
