package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code           xerrors.Code      `json:"code"`
	Message        string            `json:"message"`
	Severity       xerrors.Severity  `json:"severity"`
	Stage          string            `json:"stage"`
	RunID          string            `json:"run_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Attempts       int               `json:"attempts"`
	MaxRetries     int               `json:"max_retries"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Title 返回用于标题行的简短描述。
func (e Event) Title() string {
	return fmt.Sprintf("[%s] %s", e.Severity, e.Code)
}

// Body 以多行文本渲染事件详情，元数据按键排序。
func (e Event) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "告警时间: %s\n", e.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "运行: %s\n", e.RunID)
	if e.ConversationID != "" {
		fmt.Fprintf(&b, "会话: %s\n", e.ConversationID)
	}
	fmt.Fprintf(&b, "阶段: %s\n重试: %d/%d\n错误码: %s\n描述: %s", e.Stage, e.Attempts, e.MaxRetries, e.Code, e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n详情:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，忽略 nil 通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的通知器数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// EmailSender 定义发送邮件所需的能力，由 email 工具的 SMTP 发送器实现。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	return n.Sender.Send(ctx, n.SubjectPrefix+event.Title(), event.Body(), n.To)
}
