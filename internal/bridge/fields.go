package bridge

import (
	"encoding/json"
	"fmt"
	"math"
)

// 字段访问器：校验必填字段的存在与类型，违例时返回面向线缆的
// 字段级错误消息；可选字段缺失时套用文档化的默认值。

// fieldString 读取必填字符串字段。
func (r Request) fieldString(key string) (string, error) {
	v, ok := r.Fields[key]
	if !ok {
		return "", fmt.Errorf("Missing %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("Invalid %s", key)
	}
	return s, nil
}

// fieldStringOr 读取可选字符串字段。
func (r Request) fieldStringOr(key, def string) string {
	if s, ok := r.Fields[key].(string); ok && s != "" {
		return s
	}
	return def
}

// fieldFloat 读取必填浮点字段。
func (r Request) fieldFloat(key string) (float64, error) {
	v, ok := r.Fields[key]
	if !ok {
		return 0, fmt.Errorf("Missing %s", key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("Invalid %s", key)
	}
	return f, nil
}

// fieldFloatOr 读取可选浮点字段。
func (r Request) fieldFloatOr(key string, def float64) float64 {
	v, ok := r.Fields[key]
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

// fieldInt 读取必填整数字段；允许整值浮点表示。
func (r Request) fieldInt(key string) (int64, error) {
	v, ok := r.Fields[key]
	if !ok {
		return 0, fmt.Errorf("Missing %s", key)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("Invalid %s", key)
	}
	return n, nil
}

// fieldIntOr 读取可选整数字段。
func (r Request) fieldIntOr(key string, def int64) int64 {
	v, ok := r.Fields[key]
	if !ok {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
		return 0, false
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}
