package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Sim 是内存版交易通道，行为确定可控，供测试与 paper 模式使用。
// 所有状态由互斥锁保护，票号单调递增，成交价取当前买卖报价。
type Sim struct {
	mu          sync.Mutex
	account     Account
	symbols     map[string]*simSymbol
	positions   map[int64]*Position
	orders      map[int64]*Order
	deals       []Deal
	nextTicket  int64
	failTickets map[int64]bool
	now         func() time.Time
}

type simSymbol struct {
	info SymbolInfo
	tick Tick
}

// NewSim 构造模拟通道并预置常用品种。
func NewSim() *Sim {
	s := &Sim{
		account: Account{
			Login:    700001,
			Name:     "Sim Account",
			Server:   "Sim-Server",
			Currency: "USD",
			Leverage: 100,
			Balance:  100000,
			Equity:   100000,
		},
		symbols:     make(map[string]*simSymbol),
		positions:   make(map[int64]*Position),
		orders:      make(map[int64]*Order),
		failTickets: make(map[int64]bool),
		nextTicket:  1000,
		now:         func() time.Time { return time.Now().UTC() },
	}

	s.AddSymbol(SymbolInfo{
		Name: "XAUUSD", Digits: 2, Point: 0.01,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		FillModes: []FillPolicy{FillFOK, FillIOC},
	}, 1910.20, 1910.50)
	s.AddSymbol(SymbolInfo{
		Name: "EURUSD", Digits: 5, Point: 0.00001,
		VolumeMin: 0.01, VolumeMax: 500, VolumeStep: 0.01,
		FillModes: []FillPolicy{FillIOC},
	}, 1.08315, 1.08330)

	return s
}

// AddSymbol 注册品种并设置初始报价。
func (s *Sim) AddSymbol(info SymbolInfo, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[info.Name] = &simSymbol{
		info: info,
		tick: Tick{Time: s.now(), Bid: bid, Ask: ask, Last: (bid + ask) / 2},
	}
}

// SetTick 更新品种报价。
func (s *Sim) SetTick(symbol string, tick Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sym, ok := s.symbols[symbol]; ok {
		if tick.Time.IsZero() {
			tick.Time = s.now()
		}
		sym.tick = tick
	}
}

// SetAccount 覆盖账户快照。
func (s *Sim) SetAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

// AddPosition 直接注入一笔持仓并返回票号。
func (s *Sim) AddPosition(p Position) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = s.issueTicket()
	}
	s.positions[p.Ticket] = &p
	return p.Ticket
}

// AddOrder 直接注入一笔挂单并返回票号。
func (s *Sim) AddOrder(o Order) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Ticket == 0 {
		o.Ticket = s.issueTicket()
	}
	if o.State == "" {
		o.State = "PLACED"
	}
	s.orders[o.Ticket] = &o
	return o.Ticket
}

// AddDeal 注入历史成交。
func (s *Sim) AddDeal(d Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Ticket == 0 {
		d.Ticket = s.issueTicket()
	}
	s.deals = append(s.deals, d)
}

// FailTicket 将指定持仓标记为平仓必败，用于构造部分失败场景。
func (s *Sim) FailTicket(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTickets[ticket] = true
}

func (s *Sim) issueTicket() int64 {
	s.nextTicket++
	return s.nextTicket
}

// GetAccount 返回账户快照，浮动盈亏按持仓实时汇总。
func (s *Sim) GetAccount(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account
	var floating float64
	for _, p := range s.positions {
		floating += p.Profit
	}
	a.Profit = floating
	a.Equity = a.Balance + floating
	a.FreeMargin = a.Equity - a.Margin
	if a.Margin > 0 {
		a.MarginLevel = a.Equity / a.Margin * 100
	}
	return a, nil
}

// GetPositions 返回按票号排序的持仓快照。
func (s *Sim) GetPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		if sym, ok := s.symbols[p.Symbol]; ok {
			if p.Type == SideBuy {
				cp.CurrentPrice = sym.tick.Bid
			} else {
				cp.CurrentPrice = sym.tick.Ask
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// GetOrders 返回按票号排序的挂单快照。
func (s *Sim) GetOrders(ctx context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// GetHistory 返回 [from,to) 内的成交，区间倒置时返回空集而非错误。
func (s *Sim) GetHistory(ctx context.Context, from, to time.Time) ([]Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if !d.Time.Before(from) && d.Time.Before(to) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// GetRates 基于当前报价合成确定性的K线序列，最新一根在最前。
func (s *Sim) GetRates(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	if count <= 0 {
		return nil, ErrNoRates
	}

	step := tf.Duration()
	base := s.now().Truncate(step)
	mid := (sym.tick.Bid + sym.tick.Ask) / 2
	spread := int(math.Round((sym.tick.Ask - sym.tick.Bid) / sym.info.Point))

	bars := make([]Bar, 0, count)
	for i := 0; i < count; i++ {
		// 简单的确定性波形，幅度与品种最小报价单位挂钩。
		drift := float64(i%7-3) * sym.info.Point * 10
		open := mid + drift
		close := mid + float64((i+1)%7-3)*sym.info.Point*10
		bars = append(bars, Bar{
			Time:       base.Add(-time.Duration(i) * step),
			Open:       open,
			High:       math.Max(open, close) + sym.info.Point*5,
			Low:        math.Min(open, close) - sym.info.Point*5,
			Close:      close,
			TickVolume: int64(100 + i%50),
			Spread:     spread,
		})
	}
	return bars, nil
}

// GetTick 返回品种的最新报价。
func (s *Sim) GetTick(ctx context.Context, symbol string) (Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.symbols[symbol]
	if !ok {
		return Tick{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	t := sym.tick
	if t.Time.IsZero() {
		t.Time = s.now()
	}
	return t, nil
}

// SubmitOrder 处理市价与挂单提交。市价单立即按盘口成交并生成持仓，
// 挂单仅登记，成交流转归交易端所有，这里不模拟触发。
func (s *Sim) SubmitOrder(ctx context.Context, spec OrderSpec) (FillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.symbols[spec.Symbol]
	if !ok {
		return FillResult{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, spec.Symbol)
	}
	if spec.Volume < sym.info.VolumeMin || spec.Volume > sym.info.VolumeMax {
		return FillResult{Retcode: RetcodeInvalidVolume},
			&VenueError{Retcode: RetcodeInvalidVolume, Comment: "invalid volume"}
	}
	if spec.Fill != "" && !s.fillSupported(sym, spec.Fill) {
		return FillResult{Retcode: RetcodeInvalidFill},
			&VenueError{Retcode: RetcodeInvalidFill, Comment: "unsupported filling mode"}
	}

	if spec.Type.IsMarket() {
		price := sym.tick.Ask
		if spec.Type.Side() == SideSell {
			price = sym.tick.Bid
		}
		ticket := s.issueTicket()
		s.positions[ticket] = &Position{
			Ticket:     ticket,
			Symbol:     spec.Symbol,
			Type:       spec.Type.Side(),
			Magic:      spec.Magic,
			Volume:     spec.Volume,
			OpenPrice:  price,
			StopLoss:   spec.StopLoss,
			TakeProfit: spec.TakeProfit,
			Comment:    spec.Comment,
		}
		s.deals = append(s.deals, Deal{
			Ticket: ticket,
			Symbol: spec.Symbol,
			Type:   spec.Type.Side(),
			Entry:  "IN",
			Volume: spec.Volume,
			Price:  price,
			Time:   s.now(),
		})
		return FillResult{
			Ticket:  ticket,
			Price:   price,
			Volume:  spec.Volume,
			Retcode: RetcodeDone,
			Comment: "done",
		}, nil
	}

	if spec.Price <= 0 {
		return FillResult{Retcode: RetcodeInvalid},
			&VenueError{Retcode: RetcodeInvalid, Comment: "pending order requires price"}
	}
	ticket := s.issueTicket()
	s.orders[ticket] = &Order{
		Ticket:     ticket,
		Symbol:     spec.Symbol,
		Type:       spec.Type,
		State:      "PLACED",
		Volume:     spec.Volume,
		Price:      spec.Price,
		StopLoss:   spec.StopLoss,
		TakeProfit: spec.TakeProfit,
	}
	return FillResult{
		Ticket:  ticket,
		Price:   spec.Price,
		Volume:  spec.Volume,
		Retcode: RetcodeDone,
		Comment: "placed",
	}, nil
}

func (s *Sim) fillSupported(sym *simSymbol, policy FillPolicy) bool {
	if policy == FillReturn {
		return true
	}
	for _, p := range sym.info.FillModes {
		if p == policy {
			return true
		}
	}
	return false
}

// ClosePosition 平掉持仓，volume 为 0 或不小于持仓量时整单平仓，
// 否则按部分平仓处理并保留剩余持仓。
func (s *Sim) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticket]
	if !ok {
		return CloseResult{}, ErrPositionNotFound
	}
	if s.failTickets[ticket] {
		return CloseResult{Retcode: RetcodeMarketClosed},
			&VenueError{Retcode: RetcodeMarketClosed, Comment: "market closed"}
	}

	sym := s.symbols[p.Symbol]
	price := 0.0
	if sym != nil {
		// 多头按买价卖出，空头按卖价买回。
		if p.Type == SideBuy {
			price = sym.tick.Bid
		} else {
			price = sym.tick.Ask
		}
	}

	closeTicket := s.issueTicket()
	full := volume <= 0 || volume >= p.Volume
	closed := p.Volume
	if !full {
		closed = volume
	}

	s.deals = append(s.deals, Deal{
		Ticket: closeTicket,
		Symbol: p.Symbol,
		Type:   p.Type.Opposite(),
		Entry:  "OUT",
		Volume: closed,
		Price:  price,
		Profit: p.Profit * closed / p.Volume,
		Time:   s.now(),
	})

	if full {
		delete(s.positions, ticket)
		return CloseResult{Ticket: closeTicket, Remaining: 0, Retcode: RetcodeDone, Comment: "closed"}, nil
	}

	p.Volume = math.Round((p.Volume-closed)*100) / 100
	return CloseResult{Ticket: closeTicket, Remaining: p.Volume, Retcode: RetcodeDone, Comment: "partial close"}, nil
}

// ModifyProtection 覆盖止损止盈；0 表示撤销对应保护位。
func (s *Sim) ModifyProtection(ctx context.Context, ticket int64, sl, tp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	p.StopLoss = sl
	p.TakeProfit = tp
	return nil
}

// ResolveFillPolicy 根据品种能力挑选最严格的成交策略。
func (s *Sim) ResolveFillPolicy(ctx context.Context, symbol string) (FillPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.symbols[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return ResolveFillPolicy(sym.info.FillModes), nil
}
