package broker

// FillPolicy 表示订单成交策略。提交交易端不支持的策略会被直接拒单，
// 因此解析时总是选择受支持集合中约束最强的一种。
type FillPolicy string

const (
	FillFOK    FillPolicy = "FOK"
	FillIOC    FillPolicy = "IOC"
	FillReturn FillPolicy = "RETURN"
)

// ResolveFillPolicy 在交易端上报的受支持策略中做偏好排序：
// FOK 优先于 IOC，两者都不支持时回落到 RETURN。
func ResolveFillPolicy(supported []FillPolicy) FillPolicy {
	hasFOK := false
	hasIOC := false
	for _, p := range supported {
		switch p {
		case FillFOK:
			hasFOK = true
		case FillIOC:
			hasIOC = true
		}
	}
	if hasFOK {
		return FillFOK
	}
	if hasIOC {
		return FillIOC
	}
	return FillReturn
}
