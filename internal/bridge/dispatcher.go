package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mt5-bridge/internal/broker"
	"mt5-bridge/internal/config"
)

// Journal 记录请求流水与成交事件，由监控层实现。允许为 nil。
type Journal interface {
	RecordRequest(ctx context.Context, action, status string, latency time.Duration, errMsg string)
	RecordTrade(ctx context.Context, action string, data map[string]interface{})
}

// handlerFunc 为单个动作的处理器：返回成功载荷或错误。
// 处理器内部完成字段校验后才允许触达交易端，错误永不越过此边界。
type handlerFunc func(ctx context.Context, req Request) (interface{}, error)

// Dispatcher 将动作名映射到处理器，并把领域结果转换为应答信封。
type Dispatcher struct {
	broker   broker.Broker
	trade    config.TradeConfig
	logger   *zap.Logger
	journal  Journal
	handlers map[string]handlerFunc
}

// 留痕的修改类动作集合。
var mutatingActions = map[string]bool{
	"TRADE":         true,
	"CLOSE":         true,
	"CLOSE_ALL":     true,
	"MODIFY":        true,
	"PARTIAL_CLOSE": true,
	// 交易动作令牌作为 TRADE 的别名出现时同样留痕。
	"BUY":        true,
	"SELL":       true,
	"BUY_LIMIT":  true,
	"SELL_LIMIT": true,
	"BUY_STOP":   true,
	"SELL_STOP":  true,
}

// NewDispatcher 构建动作目录。
func NewDispatcher(b broker.Broker, trade config.TradeConfig, journal Journal, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		broker:  b,
		trade:   trade,
		logger:  logger,
		journal: journal,
	}

	d.handlers = map[string]handlerFunc{
		"GET_RATES":     d.handleGetRates,
		"GET_TICK":      d.handleGetTick,
		"TRADE":         d.handleTrade,
		"CLOSE":         d.handleClose,
		"CLOSE_ALL":     d.handleCloseAll,
		"GET_POSITIONS": d.handleGetPositions,
		"GET_ORDERS":    d.handleGetOrders,
		"GET_ACCOUNT":   d.handleGetAccount,
		"GET_HISTORY":   d.handleGetHistory,
		"MODIFY":        d.handleModify,
		"PARTIAL_CLOSE": d.handlePartialClose,
	}

	return d
}

// Handle 分发一条已解码的请求并构造应答。
// 未知动作返回错误应答而非异常，交易端不会收到任何调用。
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	handler, ok := d.handlers[req.Action]
	if !ok {
		// 兼容原始线缆格式：交易动作令牌与 action 键同名冲突时，
		// 顶层 action 会塌缩为 BUY/SELL 等令牌，按 TRADE 处理。
		if _, isTrade := broker.ParseOrderType(req.Action); isTrade {
			req.Fields["type"] = req.Action
			handler = d.handleTrade
		} else {
			return Failure(fmt.Sprintf("Unknown action: %s", req.Action))
		}
	}

	data, err := handler(ctx, req)
	if err != nil {
		return Failure(err.Error())
	}
	return Success(data)
}

// Process 处理一帧原始请求：解码、分发、编码、留痕。
// 网关循环只依赖该入口，每帧恰好产出一帧应答。
func (d *Dispatcher) Process(ctx context.Context, raw []byte) []byte {
	start := time.Now()

	req, err := DecodeRequest(raw)
	if err != nil {
		resp := Failure(err.Error())
		d.record(ctx, "", resp, time.Since(start))
		return EncodeResponse(resp)
	}

	resp := d.Handle(ctx, req)
	latency := time.Since(start)
	d.record(ctx, req.Action, resp, latency)

	if resp.Status == StatusError {
		d.logger.Debug("请求处理失败",
			zap.String("action", req.Action),
			zap.String("error", resp.Error),
			zap.Duration("latency", latency),
		)
	} else {
		d.logger.Debug("请求处理完成",
			zap.String("action", req.Action),
			zap.Duration("latency", latency),
		)
	}

	return EncodeResponse(resp)
}

func (d *Dispatcher) record(ctx context.Context, action string, resp Response, latency time.Duration) {
	if d.journal == nil {
		return
	}
	d.journal.RecordRequest(ctx, action, resp.Status, latency, resp.Error)

	if resp.Status == StatusSuccess && mutatingActions[action] {
		if data, ok := resp.Data.(map[string]interface{}); ok {
			d.journal.RecordTrade(ctx, action, data)
		}
	}
}
