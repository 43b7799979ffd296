package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// 协议层错误消息使用英文，属于对外线缆格式的一部分。
const (
	StatusSuccess = "success"
	StatusError   = "error"

	msgInvalidJSON   = "Invalid JSON"
	msgMissingAction = "Missing action"
)

// DecodeError 表示请求信封无法解析，是分发前唯一做的检查。
type DecodeError struct {
	msg string
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Request 为一次请求的不可变视图：action 选择处理器，
// 其余顶层键值作为该动作的参数平铺保存。
type Request struct {
	Action string
	Fields map[string]interface{}
}

// Response 为应答信封，data 与 error 恰好存在其一。
type Response struct {
	Status string
	Data   interface{}
	Error  string
}

// Success 构造成功应答。
func Success(data interface{}) Response {
	return Response{Status: StatusSuccess, Data: data}
}

// Failure 构造错误应答。
func Failure(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}

// DecodeRequest 解析请求信封。数字一律保留为 json.Number，
// 避免编解码往返时出现浮点表示漂移。
func DecodeRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Request{}, &DecodeError{msg: msgInvalidJSON}
	}

	action, _ := raw["action"].(string)
	if action == "" {
		return Request{}, &DecodeError{msg: msgMissingAction}
	}
	delete(raw, "action")

	return Request{Action: action, Fields: raw}, nil
}

// EncodeRequest 将请求编码回信封格式，主要供客户端与测试使用。
func EncodeRequest(req Request) []byte {
	raw := make(map[string]interface{}, len(req.Fields)+1)
	for k, v := range req.Fields {
		raw[k] = v
	}
	raw["action"] = req.Action
	data, _ := json.Marshal(raw)
	return data
}

// EncodeResponse 编码应答信封。应答结构按构造保证合法，编码不会失败。
func EncodeResponse(resp Response) []byte {
	envelope := make(map[string]interface{}, 2)
	envelope["status"] = resp.Status
	if resp.Status == StatusSuccess {
		envelope["data"] = resp.Data
	} else {
		envelope["error"] = resp.Error
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return []byte(`{"status":"error","error":"Internal encoding failure"}`)
	}
	return data
}

// 数值序列化精度约定：价格5位小数，手数与金额2位小数。
// 通过 json.Number 输出定长十进制字面量，杜绝线缆上的浮点漂移。

// price 以5位小数编码价格。
func price(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 5, 64))
}

// volume 以2位小数编码手数或金额。
func volume(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 2, 64))
}

// IsDecodeError 判断错误是否来自信封解析。
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
