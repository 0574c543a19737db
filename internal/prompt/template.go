package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// DefaultLabel 是未指定标签时使用的版本标签。
const DefaultLabel = "production"

// Template 是一个带模型配置的提示词模板，正文使用 Go template 语法。
type Template struct {
	Name     string         `yaml:"name" json:"name"`
	Label    string         `yaml:"label" json:"label"`
	Version  int            `yaml:"version" json:"version"`
	Text     string         `yaml:"template" json:"template"`
	Model    string         `yaml:"model" json:"model"`
	JSONMode bool           `yaml:"json_mode" json:"json_mode"`
	Config   map[string]any `yaml:"config" json:"config,omitempty"`
}

// Render 通过 eino 的提示词组件渲染系统提示。
func (t Template) Render(ctx context.Context, vars map[string]any) (string, error) {
	if strings.TrimSpace(t.Text) == "" {
		return "", fmt.Errorf("prompt %s/%s: empty template", t.Name, t.Label)
	}
	tpl := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(t.Text))
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("prompt %s render: %w", t.Name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt %s render: empty result", t.Name)
	}
	return msgs[0].Content, nil
}
