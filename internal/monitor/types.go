package monitor

import "time"

// EventType 表示流水事件类型。
type EventType string

const (
	// EventRequest 为一次请求应答的留痕。
	EventRequest EventType = "request"
	// EventTrade 为修改类动作成功后的成交留痕。
	EventTrade EventType = "trade"
)

// Event 封装通用流水事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RequestPayload 记录一次请求应答。
type RequestPayload struct {
	Action    string `json:"action"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// TradePayload 记录修改类动作的成功载荷。
type TradePayload struct {
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data"`
}
