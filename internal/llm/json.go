package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON 表示模型输出中找不到 JSON 对象。
var ErrNoJSON = errors.New("no JSON object in model output")

// DecodeJSON 去掉 Markdown 代码围栏与前后说明文字后解析 JSON 对象。
func DecodeJSON(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```JSON")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}
