package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"mt5-bridge/internal/config"
)

// ErrMaintenance 表示交易所处于维护状态。
var ErrMaintenance = errors.New("exchange on maintenance")

// 各交易所支持的成交策略能力表。
var venueFillModes = map[string][]FillPolicy{
	"binanceusdm": {FillFOK, FillIOC, FillReturn},
}

// CCXT 将 Broker 能力落到 ccxt 统一接口上，持有唯一的交易所连接。
// 查询类调用带指数退避重试；修改类调用只发起一次，一次调用一个结果。
type CCXT struct {
	cfg      config.BrokerConfig
	trade    config.TradeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool

	ticketMu   sync.Mutex
	tickets    map[string]int64
	ticketIDs  map[int64]string
	nextTicket int64
}

// NewCCXT 构造 Binance USDⓈ-M 通道。
func NewCCXT(cfg config.BrokerConfig, trade config.TradeConfig, logger *zap.Logger) (*CCXT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXT{
		cfg:        cfg,
		trade:      trade,
		logger:     logger,
		exchange:   ex,
		tickets:    make(map[string]int64),
		ticketIDs:  make(map[int64]string),
		nextTicket: 1,
	}, nil
}

// GetAccount 拉取账户余额并换算为统一快照。
func (c *CCXT) GetAccount(ctx context.Context) (Account, error) {
	var balances ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	account := Account{
		Name:     "binanceusdm",
		Server:   "binanceusdm",
		Currency: "USDT",
	}
	if balances.Total != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				account.Balance = *total
				account.Currency = code
				break
			}
		}
	}
	if balances.Free != nil {
		if free, ok := balances.Free[account.Currency]; ok && free != nil {
			account.FreeMargin = *free
		}
	}
	account.Margin = account.Balance - account.FreeMargin
	account.Equity = account.Balance
	if account.Margin > 0 {
		account.MarginLevel = account.Equity / account.Margin * 100
	}
	return account, nil
}

// GetPositions 拉取持仓并套用本地票号登记表。
// 交易所不保存归属标识，这里统一打上网关自身的 magic。
func (c *CCXT) GetPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, rawPos := range raw {
		symbol := derefString(rawPos.Symbol)
		size := derefFloat(rawPos.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		side := SideBuy
		if strings.EqualFold(derefString(rawPos.Side), "short") {
			side = SideSell
		}

		positions = append(positions, Position{
			Ticket:       c.ticketFor(fmt.Sprintf("%s/%s", symbol, side)),
			Symbol:       symbol,
			Type:         side,
			Magic:        c.trade.Magic,
			Volume:       size,
			OpenPrice:    derefFloat(rawPos.EntryPrice),
			CurrentPrice: derefFloat(rawPos.MarkPrice),
			Profit:       derefFloat(rawPos.UnrealizedPnl),
			Comment:      c.trade.Comment,
		})
	}
	return positions, nil
}

// GetOrders 拉取未成交挂单。
func (c *CCXT) GetOrders(ctx context.Context) ([]Order, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOpenOrders()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, rawOrder := range raw {
		orderType := OrderTypeBuyLimit
		if strings.EqualFold(derefString(rawOrder.Side), "sell") {
			orderType = OrderTypeSellLimit
		}
		orders = append(orders, Order{
			Ticket: c.ticketFor("order/" + derefString(rawOrder.Id)),
			Symbol: derefString(rawOrder.Symbol),
			Type:   orderType,
			State:  strings.ToUpper(derefString(rawOrder.Status)),
			Volume: derefFloat(rawOrder.Remaining),
			Price:  derefFloat(rawOrder.Price),
		})
	}
	return orders, nil
}

// GetHistory 拉取 [from,to) 区间内的成交记录，区间倒置返回空集。
func (c *CCXT) GetHistory(ctx context.Context, from, to time.Time) ([]Deal, error) {
	if !from.Before(to) {
		return []Deal{}, nil
	}

	var raw []ccxt.Trade
	err := c.callWithRetry(ctx, "fetch_my_trades", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchMyTrades(
			ccxt.WithFetchMyTradesSince(from.UnixMilli()),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, 0, len(raw))
	for _, trade := range raw {
		ts := time.UnixMilli(derefInt64(trade.Timestamp)).UTC()
		if !ts.Before(to) {
			continue
		}
		side := SideBuy
		if strings.EqualFold(derefString(trade.Side), "sell") {
			side = SideSell
		}
		deals = append(deals, Deal{
			Ticket: c.ticketFor("deal/" + derefString(trade.Id)),
			Symbol: derefString(trade.Symbol),
			Type:   side,
			Entry:  "IN",
			Volume: derefFloat(trade.Amount),
			Price:  derefFloat(trade.Price),
			Time:   ts,
		})
	}
	return deals, nil
}

// GetRates 拉取K线并翻转为最新在前的顺序。
func (c *CCXT) GetRates(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	if count <= 0 {
		count = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, "fetch_ohlcv", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(c.ccxtTimeframe(tf)),
			ccxt.WithFetchOHLCVLimit(int64(count)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoRates
	}

	bars := make([]Bar, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		item := raw[i]
		bars = append(bars, Bar{
			Time:       time.UnixMilli(item.Timestamp).UTC(),
			Open:       item.Open,
			High:       item.High,
			Low:        item.Low,
			Close:      item.Close,
			TickVolume: int64(item.Volume),
		})
	}
	return bars, nil
}

// GetTick 通过盘口顶档合成最新报价。
func (c *CCXT) GetTick(ctx context.Context, symbol string) (Tick, error) {
	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", c.cfg.Retry.MaxAttempts, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		orderBook, err := c.exchange.FetchOrderBook(
			symbol,
			ccxt.WithFetchOrderBookLimit(5),
		)
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return Tick{}, err
	}

	tick := Tick{Time: time.Now().UTC()}
	if raw.Timestamp != nil {
		tick.Time = time.UnixMilli(*raw.Timestamp).UTC()
	}
	if len(raw.Bids) > 0 && len(raw.Bids[0]) >= 2 {
		tick.Bid = raw.Bids[0][0]
	}
	if len(raw.Asks) > 0 && len(raw.Asks[0]) >= 2 {
		tick.Ask = raw.Asks[0][0]
	}
	if tick.Bid == 0 && tick.Ask == 0 {
		return Tick{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	tick.Last = (tick.Bid + tick.Ask) / 2
	return tick, nil
}

// SubmitOrder 提交订单。修改类调用不做自动重试。
func (c *CCXT) SubmitOrder(ctx context.Context, spec OrderSpec) (FillResult, error) {
	params := map[string]interface{}{}
	if spec.StopLoss > 0 {
		params["stopLossPrice"] = spec.StopLoss
	}
	if spec.TakeProfit > 0 {
		params["takeProfitPrice"] = spec.TakeProfit
	}
	if spec.Fill == FillFOK || spec.Fill == FillIOC {
		params["timeInForce"] = string(spec.Fill)
	}

	side := strings.ToLower(string(spec.Type.Side()))

	var order ccxt.Order
	err := c.callWithRetry(ctx, "create_order", 1, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		var err error
		switch {
		case spec.Type.IsMarket():
			order, err = c.exchange.CreateMarketOrder(spec.Symbol, side, spec.Volume,
				ccxt.WithCreateMarketOrderParams(params))
		case spec.Type == OrderTypeBuyLimit || spec.Type == OrderTypeSellLimit:
			order, err = c.exchange.CreateLimitOrder(spec.Symbol, side, spec.Volume, spec.Price,
				ccxt.WithCreateLimitOrderParams(params))
		default:
			// 止损挂单以触发价市价单表达。
			params["triggerPrice"] = spec.Price
			order, err = c.exchange.CreateOrder(spec.Symbol, "market", side, spec.Volume,
				ccxt.WithCreateOrderParams(params))
		}
		return err
	})
	if err != nil {
		return FillResult{}, err
	}

	filled := derefFloat(order.Filled)
	if filled == 0 {
		filled = spec.Volume
	}
	price := derefFloat(order.Average)
	if price == 0 {
		price = derefFloat(order.Price)
	}
	return FillResult{
		Ticket:  c.ticketFor("order/" + derefString(order.Id)),
		Price:   price,
		Volume:  filled,
		Retcode: RetcodeDone,
		Comment: derefString(order.Status),
	}, nil
}

// ClosePosition 以只减仓市价单反向平仓。
func (c *CCXT) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return CloseResult{}, err
	}

	var target *Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return CloseResult{}, ErrPositionNotFound
	}

	full := volume <= 0 || volume >= target.Volume
	amount := target.Volume
	if !full {
		amount = volume
	}

	params := map[string]interface{}{
		"reduceOnly": true,
	}
	if full {
		params["closePosition"] = true
	}
	side := strings.ToLower(string(target.Type.Opposite()))

	var order ccxt.Order
	err = c.callWithRetry(ctx, "close_position", 1, func() error {
		var err error
		order, err = c.exchange.CreateMarketOrder(target.Symbol, side, amount,
			ccxt.WithCreateMarketOrderParams(params))
		return err
	})
	if err != nil {
		return CloseResult{}, err
	}

	remaining := 0.0
	if !full {
		remaining = target.Volume - amount
	}
	return CloseResult{
		Ticket:    c.ticketFor("order/" + derefString(order.Id)),
		Remaining: remaining,
		Retcode:   RetcodeDone,
		Comment:   derefString(order.Status),
	}, nil
}

// ModifyProtection 以只减仓触发单重建保护位。统一接口没有撤改持仓级
// 止损止盈的原语，传 0 仅在模拟通道中等价于撤销。
func (c *CCXT) ModifyProtection(ctx context.Context, ticket int64, sl, tp float64) error {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return err
	}

	var target *Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return ErrPositionNotFound
	}

	side := strings.ToLower(string(target.Type.Opposite()))
	return c.callWithRetry(ctx, "modify_protection", 1, func() error {
		if sl > 0 {
			params := map[string]interface{}{
				"reduceOnly":    true,
				"stopLossPrice": sl,
			}
			if _, err := c.exchange.CreateOrder(target.Symbol, "market", side, target.Volume,
				ccxt.WithCreateOrderParams(params)); err != nil {
				return err
			}
		}
		if tp > 0 {
			params := map[string]interface{}{
				"reduceOnly":      true,
				"takeProfitPrice": tp,
			}
			if _, err := c.exchange.CreateOrder(target.Symbol, "market", side, target.Volume,
				ccxt.WithCreateOrderParams(params)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveFillPolicy 按交易所能力表挑选最严格的成交策略。
func (c *CCXT) ResolveFillPolicy(ctx context.Context, symbol string) (FillPolicy, error) {
	return ResolveFillPolicy(venueFillModes["binanceusdm"]), nil
}

func (c *CCXT) ccxtTimeframe(tf Timeframe) string {
	if tf == TimeframeCurrent {
		tf = ParseTimeframe(c.cfg.DefaultTimeframe)
	}
	switch tf {
	case TimeframeM1:
		return "1m"
	case TimeframeM5:
		return "5m"
	case TimeframeM15:
		return "15m"
	case TimeframeM30:
		return "30m"
	case TimeframeH4:
		return "4h"
	case TimeframeD1:
		return "1d"
	case TimeframeW1:
		return "1w"
	case TimeframeMN1:
		return "1M"
	default:
		return "1h"
	}
}

// ticketFor 为交易所侧标识分配稳定票号。优先复用数字原生ID。
func (c *CCXT) ticketFor(key string) int64 {
	c.ticketMu.Lock()
	defer c.ticketMu.Unlock()

	if ticket, ok := c.tickets[key]; ok {
		return ticket
	}
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		if native, err := strconv.ParseInt(key[idx+1:], 10, 64); err == nil && native > 0 {
			c.tickets[key] = native
			c.ticketIDs[native] = key
			return native
		}
	}
	for {
		c.nextTicket++
		if _, taken := c.ticketIDs[c.nextTicket]; !taken {
			break
		}
	}
	c.tickets[key] = c.nextTicket
	c.ticketIDs[c.nextTicket] = key
	return c.nextTicket
}

func (c *CCXT) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.cfg.Retry.MaxAttempts, func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *CCXT) callWithRetry(ctx context.Context, operation string, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *CCXT) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
