package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source 标识文档的产生方。
const (
	SourceError  = "error"
	SourceTool   = "tool"
	SourceSystem = "system"
)

// Metadata 描述文档的来源与抽取出的链接。
type Metadata struct {
	Source      string   `json:"source"`
	MimeType    string   `json:"mime_type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URLs        []string `json:"urls,omitempty"`
	Images      []string `json:"images,omitempty"`
	Tool        string   `json:"tool,omitempty"`
	Action      string   `json:"action,omitempty"`
}

// Document 是工具或错误路径产出的不可变内容片段。
type Document struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// New 创建文档，正文中的链接与图片地址会被替换为占位符并记录到元数据中。
func New(conversationID, content string, meta Metadata) Document {
	body, urls, images := Extract(content)
	meta.URLs = urls
	meta.Images = images
	if meta.MimeType == "" {
		meta.MimeType = "text/plain"
	}
	return Document{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        body,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
}

// Error 合成一份描述失败原因的文档。
func Error(conversationID, tool, action string, err error) Document {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	content := fmt.Sprintf("Error while executing %s.%s for conversation %s: %s", tool, action, conversationID, message)
	return Document{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Metadata: Metadata{
			Source:      SourceError,
			MimeType:    "text/plain",
			Name:        "error",
			Description: message,
			Tool:        tool,
			Action:      action,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// IsError 判断文档是否由错误路径合成。
func (d Document) IsError() bool {
	return d.Metadata.Source == SourceError
}

// Text 返回还原占位符后的原始正文。
func (d Document) Text() string {
	return Restore(d.Content, d.Metadata.URLs, d.Metadata.Images)
}

// Summary 返回用于提示词的一行描述。
func (d Document) Summary() string {
	name := d.Metadata.Name
	if name == "" {
		name = d.ID
	}
	parts := []string{fmt.Sprintf("[%s] %s", d.ID, name)}
	if d.Metadata.Description != "" {
		parts = append(parts, d.Metadata.Description)
	}
	if d.IsError() {
		parts = append(parts, "(error)")
	}
	return strings.Join(parts, " - ")
}

// Clone 返回深拷贝。
func (d Document) Clone() Document {
	d.Metadata.URLs = append([]string(nil), d.Metadata.URLs...)
	d.Metadata.Images = append([]string(nil), d.Metadata.Images...)
	return d
}
