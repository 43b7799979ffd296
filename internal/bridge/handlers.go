package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mt5-bridge/internal/broker"
)

// handleGetRates 获取指定品种与周期的最近N根K线，最新在前。
func (d *Dispatcher) handleGetRates(ctx context.Context, req Request) (interface{}, error) {
	symbol, err := req.fieldString("symbol")
	if err != nil {
		return nil, err
	}
	tf := broker.ParseTimeframe(req.fieldStringOr("timeframe", ""))
	count := int(req.fieldIntOr("count", 1000))

	bars, err := d.broker.GetRates(ctx, symbol, tf, count)
	if err != nil {
		if errors.Is(err, broker.ErrSymbolNotFound) {
			return nil, errors.New("Symbol not found")
		}
		return nil, fmt.Errorf("Failed to copy rates: %v", err)
	}
	if len(bars) == 0 {
		return nil, errors.New("Failed to copy rates")
	}

	rates := make([]interface{}, 0, len(bars))
	for _, bar := range bars {
		rates = append(rates, map[string]interface{}{
			"time":        bar.Time.Unix(),
			"open":        price(bar.Open),
			"high":        price(bar.High),
			"low":         price(bar.Low),
			"close":       price(bar.Close),
			"tick_volume": bar.TickVolume,
			"spread":      bar.Spread,
		})
	}

	return map[string]interface{}{
		"symbol":    symbol,
		"timeframe": tf.String(),
		"rates":     rates,
	}, nil
}

// handleGetTick 获取品种的最新报价。
func (d *Dispatcher) handleGetTick(ctx context.Context, req Request) (interface{}, error) {
	symbol, err := req.fieldString("symbol")
	if err != nil {
		return nil, err
	}

	tick, err := d.broker.GetTick(ctx, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrSymbolNotFound) {
			return nil, errors.New("Symbol not found")
		}
		return nil, fmt.Errorf("Failed to get tick: %v", err)
	}

	return map[string]interface{}{
		"time":   tick.Time.Unix(),
		"bid":    price(tick.Bid),
		"ask":    price(tick.Ask),
		"last":   price(tick.Last),
		"volume": tick.Volume,
		"flags":  tick.Flags,
	}, nil
}

// handleTrade 提交市价或挂单。交易动作令牌不合法或手数非正时，
// 在触达交易端之前即拒绝。
func (d *Dispatcher) handleTrade(ctx context.Context, req Request) (interface{}, error) {
	symbol, err := req.fieldString("symbol")
	if err != nil {
		return nil, err
	}
	token := req.fieldStringOr("type", "")
	orderType, ok := broker.ParseOrderType(token)
	if !ok {
		return nil, errors.New("Invalid action")
	}
	vol, err := req.fieldFloat("volume")
	if err != nil {
		return nil, err
	}
	if vol <= 0 {
		return nil, errors.New("Invalid volume")
	}

	spec := broker.OrderSpec{
		Symbol:     symbol,
		Type:       orderType,
		Volume:     vol,
		Price:      req.fieldFloatOr("price", 0),
		StopLoss:   req.fieldFloatOr("sl", 0),
		TakeProfit: req.fieldFloatOr("tp", 0),
		Deviation:  int(req.fieldIntOr("deviation", int64(d.trade.Deviation))),
		Magic:      req.fieldIntOr("magic", d.trade.Magic),
		Comment:    req.fieldStringOr("comment", d.trade.Comment),
	}

	// 提交不受支持的成交策略会被直接拒单，先按品种能力解析。
	policy, err := d.broker.ResolveFillPolicy(ctx, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrSymbolNotFound) {
			return nil, errors.New("Symbol not found")
		}
		return nil, fmt.Errorf("Trade failed: %v", err)
	}
	spec.Fill = policy

	result, err := d.broker.SubmitOrder(ctx, spec)
	if err != nil {
		if errors.Is(err, broker.ErrSymbolNotFound) {
			return nil, errors.New("Symbol not found")
		}
		return nil, fmt.Errorf("Trade failed: %v", err)
	}

	return map[string]interface{}{
		"ticket":  result.Ticket,
		"price":   price(result.Price),
		"volume":  volume(result.Volume),
		"retcode": result.Retcode,
		"comment": result.Comment,
	}, nil
}

// handleClose 按票号整单平仓，方向由持仓自动反推。
func (d *Dispatcher) handleClose(ctx context.Context, req Request) (interface{}, error) {
	ticket, err := req.fieldInt("ticket")
	if err != nil {
		return nil, err
	}

	result, err := d.broker.ClosePosition(ctx, ticket, 0)
	if err != nil {
		if errors.Is(err, broker.ErrPositionNotFound) {
			return nil, errors.New("Position not found")
		}
		return nil, fmt.Errorf("Close failed: %v", err)
	}

	return map[string]interface{}{
		"ticket": result.Ticket,
	}, nil
}

// handleCloseAll 平掉所有携带本网关归属标识的持仓。
// 单笔失败不会中止清仓，逐笔独立尝试并计数。
func (d *Dispatcher) handleCloseAll(ctx context.Context, req Request) (interface{}, error) {
	positions, err := d.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Close all failed: %v", err)
	}

	var closed, failed int
	var failures error
	for _, p := range positions {
		if p.Magic != d.trade.Magic {
			continue
		}
		if _, err := d.broker.ClosePosition(ctx, p.Ticket, 0); err != nil {
			failed++
			failures = multierr.Append(failures, fmt.Errorf("ticket %d: %w", p.Ticket, err))
			continue
		}
		closed++
	}

	if failures != nil {
		d.logger.Warn("清仓存在失败项",
			zap.Int("closed", closed),
			zap.Int("failed", failed),
			zap.Error(failures),
		)
	}

	return map[string]interface{}{
		"closed": closed,
		"failed": failed,
	}, nil
}

// handleGetPositions 返回全部持仓快照，空列表是成功而非错误。
func (d *Dispatcher) handleGetPositions(ctx context.Context, req Request) (interface{}, error) {
	positions, err := d.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to get positions: %v", err)
	}

	out := make([]interface{}, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]interface{}{
			"ticket":        p.Ticket,
			"symbol":        p.Symbol,
			"type":          string(p.Type),
			"magic":         p.Magic,
			"volume":        volume(p.Volume),
			"open_price":    price(p.OpenPrice),
			"current_price": price(p.CurrentPrice),
			"sl":            price(p.StopLoss),
			"tp":            price(p.TakeProfit),
			"swap":          volume(p.Swap),
			"profit":        volume(p.Profit),
			"comment":       p.Comment,
		})
	}
	return out, nil
}

// handleGetOrders 返回全部未成交挂单。
func (d *Dispatcher) handleGetOrders(ctx context.Context, req Request) (interface{}, error) {
	orders, err := d.broker.GetOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to get orders: %v", err)
	}

	out := make([]interface{}, 0, len(orders))
	for _, o := range orders {
		out = append(out, map[string]interface{}{
			"ticket": o.Ticket,
			"symbol": o.Symbol,
			"type":   string(o.Type),
			"state":  o.State,
			"volume": volume(o.Volume),
			"price":  price(o.Price),
			"sl":     price(o.StopLoss),
			"tp":     price(o.TakeProfit),
		})
	}
	return out, nil
}

// handleGetAccount 返回实时账户快照。
func (d *Dispatcher) handleGetAccount(ctx context.Context, req Request) (interface{}, error) {
	account, err := d.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to get account: %v", err)
	}

	return map[string]interface{}{
		"login":        account.Login,
		"name":         account.Name,
		"server":       account.Server,
		"currency":     account.Currency,
		"leverage":     account.Leverage,
		"balance":      volume(account.Balance),
		"equity":       volume(account.Equity),
		"margin":       volume(account.Margin),
		"free_margin":  volume(account.FreeMargin),
		"margin_level": volume(account.MarginLevel),
		"profit":       volume(account.Profit),
	}, nil
}

// handleGetHistory 返回 [from,to) 内的历史成交；
// 区间倒置时返回空列表而非错误。
func (d *Dispatcher) handleGetHistory(ctx context.Context, req Request) (interface{}, error) {
	from := time.Unix(req.fieldIntOr("from", 0), 0).UTC()
	to := time.Unix(req.fieldIntOr("to", time.Now().Unix()), 0).UTC()

	var deals []broker.Deal
	if from.Before(to) {
		var err error
		deals, err = d.broker.GetHistory(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("Failed to get history: %v", err)
		}
	}

	out := make([]interface{}, 0, len(deals))
	for _, deal := range deals {
		out = append(out, map[string]interface{}{
			"ticket": deal.Ticket,
			"symbol": deal.Symbol,
			"type":   string(deal.Type),
			"entry":  deal.Entry,
			"volume": volume(deal.Volume),
			"price":  price(deal.Price),
			"profit": volume(deal.Profit),
			"time":   deal.Time.Unix(),
		})
	}
	return out, nil
}

// handleModify 覆盖持仓的止损止盈。缺省字段意为"归零撤销"，
// 而非"保持不变"，与交易端自身的语义一致。
func (d *Dispatcher) handleModify(ctx context.Context, req Request) (interface{}, error) {
	ticket, err := req.fieldInt("ticket")
	if err != nil {
		return nil, err
	}
	sl := req.fieldFloatOr("sl", 0)
	tp := req.fieldFloatOr("tp", 0)

	if err := d.broker.ModifyProtection(ctx, ticket, sl, tp); err != nil {
		if errors.Is(err, broker.ErrPositionNotFound) {
			return nil, errors.New("Position not found")
		}
		return nil, fmt.Errorf("Modify failed: %v", err)
	}

	return map[string]interface{}{
		"ticket": ticket,
	}, nil
}

// handlePartialClose 平掉持仓的一部分。请求量不小于持仓量时直接
// 拒绝，不触达交易端。
func (d *Dispatcher) handlePartialClose(ctx context.Context, req Request) (interface{}, error) {
	ticket, err := req.fieldInt("ticket")
	if err != nil {
		return nil, err
	}
	vol, err := req.fieldFloat("volume")
	if err != nil {
		return nil, err
	}
	if vol <= 0 {
		return nil, errors.New("Invalid volume")
	}

	positions, err := d.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Partial close failed: %v", err)
	}
	var target *broker.Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return nil, errors.New("Position not found")
	}
	if vol >= target.Volume {
		return nil, errors.New("Invalid close volume")
	}

	result, err := d.broker.ClosePosition(ctx, ticket, vol)
	if err != nil {
		return nil, fmt.Errorf("Partial close failed: %v", err)
	}

	return map[string]interface{}{
		"ticket":           result.Ticket,
		"remaining_volume": volume(result.Remaining),
	}, nil
}
