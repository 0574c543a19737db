package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// String 读取字符串参数，缺失时返回空字符串。
func String(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Float 读取数值参数，兼容 JSON 数字与数字字符串。
func Float(params map[string]any, key string) (float64, bool) {
	switch val := params[key].(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(val, "$")), 64)
		return f, err == nil
	}
	return 0, false
}

// Bool 读取布尔参数。
func Bool(params map[string]any, key string) bool {
	switch val := params[key].(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

// Strings 读取字符串数组参数，也接受逗号分隔的字符串。
func Strings(params map[string]any, key string) []string {
	switch val := params[key].(type) {
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(val, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Missing 返回 params 中缺失或为空的必填参数。
func Missing(params map[string]any, required []string) []string {
	var out []string
	for _, key := range required {
		v, ok := params[key]
		if !ok || v == nil {
			out = append(out, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			out = append(out, key)
		}
	}
	return out
}
