package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"RelayAgent/pkg/logger"
)

// Webhook 消息格式。
const (
	FormatJSON     = "json"
	FormatSlack    = "slack"
	FormatDingTalk = "dingtalk"
)

// WebhookNotifier 以 HTTP POST 推送告警，支持原始 JSON、Slack 与钉钉机器人格式。
type WebhookNotifier struct {
	URL    string
	Format string
	Client *http.Client
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(url, format string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{URL: url, Format: strings.ToLower(strings.TrimSpace(format)), Client: client}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	payload, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警接收方返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	text := event.Title() + "\n" + event.Body()
	switch n.Format {
	case FormatSlack:
		return map[string]string{"text": text}
	case FormatDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	default:
		return event
	}
}
