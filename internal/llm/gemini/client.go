package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/llm"
)

const defaultModelName = "gemini-2.5-flash"

// Config 描述 Gemini 客户端参数。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client 使用 google genai SDK 实现 CompletionService。
type Client struct {
	models       *genai.Models
	defaultModel string
}

var _ llm.CompletionService = (*Client)(nil)

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	return &Client{models: client.Models, defaultModel: model}, nil
}

// Complete 将系统消息转为 SystemInstruction，其余消息按角色映射为 Content。
func (c *Client) Complete(ctx context.Context, messages []llm.Message, model string, jsonMode bool) (string, error) {
	if strings.TrimSpace(model) == "" {
		model = c.defaultModel
	}
	system, contents := buildContents(messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if jsonMode {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeCompletionTransport, err, "请求 Gemini 失败")
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", xerrors.New(xerrors.CodeMalformedOutput, "Gemini 响应中没有候选结果")
	}
	return resp.Text(), nil
}

func buildContents(messages []llm.Message) (string, []*genai.Content) {
	system, rest := llm.SplitSystem(messages)
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		// Gemini 要求至少一条用户内容。
		contents = append(contents, genai.NewContentFromText("Continue.", genai.RoleUser))
	}
	return system, contents
}
