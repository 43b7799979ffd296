package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 交易端通用错误。处理器依赖这些哨兵错误生成协议层的错误消息。
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrInvalidVolume    = errors.New("invalid volume")
	ErrNoRates          = errors.New("no rates available")
)

// MT5 原生回报码，模拟通道与真实通道统一采用该语义。
const (
	RetcodeDone          = 10009
	RetcodeInvalidFill   = 10030
	RetcodeInvalid       = 10013
	RetcodeInvalidVolume = 10014
	RetcodeMarketClosed  = 10018
	RetcodeNoMoney       = 10019
)

// VenueError 携带交易端原生回报码，供上层拼接到协议错误消息中。
type VenueError struct {
	Retcode int
	Comment string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%d - %s", e.Retcode, e.Comment)
}

// Broker 抽象了一个实时交易账户的全部能力。
// 所有修改类操作均为同步调用：一次交易端调用，一个结果。
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrders(ctx context.Context) ([]Order, error)
	GetHistory(ctx context.Context, from, to time.Time) ([]Deal, error)
	GetRates(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error)
	GetTick(ctx context.Context, symbol string) (Tick, error)
	SubmitOrder(ctx context.Context, spec OrderSpec) (FillResult, error)
	// ClosePosition 平掉指定持仓；volume 为 0 时表示全部平仓。
	ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error)
	// ModifyProtection 覆盖持仓的止损止盈；传入 0 表示撤销对应保护位。
	ModifyProtection(ctx context.Context, ticket int64, sl, tp float64) error
	ResolveFillPolicy(ctx context.Context, symbol string) (FillPolicy, error)
}

// Timeframe 为K线周期令牌。空值表示交易端定义的"当前图表周期"。
type Timeframe string

const (
	TimeframeCurrent Timeframe = ""
	TimeframeM1      Timeframe = "M1"
	TimeframeM5      Timeframe = "M5"
	TimeframeM15     Timeframe = "M15"
	TimeframeM30     Timeframe = "M30"
	TimeframeH1      Timeframe = "H1"
	TimeframeH4      Timeframe = "H4"
	TimeframeD1      Timeframe = "D1"
	TimeframeW1      Timeframe = "W1"
	TimeframeMN1     Timeframe = "MN1"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TimeframeM1:  time.Minute,
	TimeframeM5:  5 * time.Minute,
	TimeframeM15: 15 * time.Minute,
	TimeframeM30: 30 * time.Minute,
	TimeframeH1:  time.Hour,
	TimeframeH4:  4 * time.Hour,
	TimeframeD1:  24 * time.Hour,
	TimeframeW1:  7 * 24 * time.Hour,
	TimeframeMN1: 30 * 24 * time.Hour,
}

// ParseTimeframe 解析周期令牌。未识别的令牌回落到 TimeframeCurrent，
// 而不是报错，与交易端自身的语义保持一致。
func ParseTimeframe(token string) Timeframe {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(token)))
	if _, ok := timeframeDurations[tf]; ok {
		return tf
	}
	return TimeframeCurrent
}

// Duration 返回周期对应的时长；当前周期按配置的默认周期由调用方解析。
func (tf Timeframe) Duration() time.Duration {
	if d, ok := timeframeDurations[tf]; ok {
		return d
	}
	return time.Hour
}

// String 实现 fmt.Stringer。
func (tf Timeframe) String() string {
	if tf == TimeframeCurrent {
		return "CURRENT"
	}
	return string(tf)
}
