package broker

import "time"

// Side 表示持仓方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反向方向，用于平仓时自动推导委托方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 表示下单类型，与请求协议中的交易动作一一对应。
type OrderType string

const (
	OrderTypeBuy       OrderType = "BUY"
	OrderTypeSell      OrderType = "SELL"
	OrderTypeBuyLimit  OrderType = "BUY_LIMIT"
	OrderTypeSellLimit OrderType = "SELL_LIMIT"
	OrderTypeBuyStop   OrderType = "BUY_STOP"
	OrderTypeSellStop  OrderType = "SELL_STOP"
)

// ParseOrderType 解析交易动作令牌，未知令牌返回 false。
func ParseOrderType(token string) (OrderType, bool) {
	switch OrderType(token) {
	case OrderTypeBuy, OrderTypeSell,
		OrderTypeBuyLimit, OrderTypeSellLimit,
		OrderTypeBuyStop, OrderTypeSellStop:
		return OrderType(token), true
	}
	return "", false
}

// IsMarket 判断该类型是否为市价单。
func (t OrderType) IsMarket() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// Side 返回下单类型对应的买卖方向。
func (t OrderType) Side() Side {
	switch t {
	case OrderTypeBuy, OrderTypeBuyLimit, OrderTypeBuyStop:
		return SideBuy
	default:
		return SideSell
	}
}

// Account 为账户快照，每次查询实时获取，不做缓存。
type Account struct {
	Login       int64
	Name        string
	Server      string
	Currency    string
	Leverage    int64
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64
	Profit      float64
}

// Position 为一笔已成交的持仓。
type Position struct {
	Ticket       int64
	Symbol       string
	Type         Side
	Magic        int64
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	Swap         float64
	Profit       float64
	Comment      string
}

// Order 为尚未成交的挂单，其生命周期归交易端所有。
type Order struct {
	Ticket     int64
	Symbol     string
	Type       OrderType
	State      string
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
}

// Deal 为不可变的历史成交记录。
type Deal struct {
	Ticket int64
	Symbol string
	Type   Side
	Entry  string
	Volume float64
	Price  float64
	Profit float64
	Time   time.Time
}

// Tick 为瞬时行情报价。
type Tick struct {
	Time   time.Time
	Bid    float64
	Ask    float64
	Last   float64
	Volume int64
	Flags  int64
}

// Bar 为单根固定周期K线。
type Bar struct {
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	TickVolume int64
	Spread     int
}

// SymbolInfo 描述交易品种的精度与交易约束。
type SymbolInfo struct {
	Name       string
	Digits     int
	Point      float64
	VolumeMin  float64
	VolumeMax  float64
	VolumeStep float64
	FillModes  []FillPolicy
}

// OrderSpec 为提交给交易端的下单参数。
type OrderSpec struct {
	Symbol     string
	Type       OrderType
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Deviation  int
	Magic      int64
	Comment    string
	Fill       FillPolicy
}

// FillResult 为下单回执，Retcode 为交易端原生诊断码。
type FillResult struct {
	Ticket  int64
	Price   float64
	Volume  float64
	Retcode int
	Comment string
}

// CloseResult 为平仓回执，Remaining 为剩余持仓量。
type CloseResult struct {
	Ticket    int64
	Remaining float64
	Retcode   int
	Comment   string
}
