package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration 在 JSON 中接受 "30s" 形式的字符串或纳秒数，在环境变量中接受字符串。
type Duration time.Duration

// Seconds 返回 n 秒。
func Seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

// Std 转换为 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		return d.Decode(v)
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

// Decode 实现 envconfig.Decoder。
func (d *Duration) Decode(value string) error {
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}
