package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client 通过 go-openai 调用兼容 OpenAI 协议的模型服务。
type Client struct {
	api          *goopenai.Client
	defaultModel string
	temperature  float32
}

var _ llm.CompletionService = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	return &Client{
		api:          goopenai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		temperature:  cfg.Temperature,
	}, nil
}

// Complete 调用 Chat Completions 接口并返回第一条候选的文本。
func (c *Client) Complete(ctx context.Context, messages []llm.Message, model string, jsonMode bool) (string, error) {
	if strings.TrimSpace(model) == "" {
		model = c.defaultModel
	}
	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		Temperature: c.temperature,
	}
	if jsonMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeMalformedOutput, "OpenAI 响应中没有有效的 choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toChatMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case llm.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// classify 将 4xx 请求错误标记为不可重试，其余按传输错误处理。
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return xerrors.Wrap(xerrors.CodeCompletionTransport, err, "OpenAI 拒绝请求", xerrors.WithRetryable(false))
		}
	}
	return xerrors.Wrap(xerrors.CodeCompletionTransport, err, "请求 OpenAI 失败")
}
