// Package email lets the agent send mail on the user's behalf.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/tools"
)

const ActionSend = "send"

// Handler 实现 email 工具。
type Handler struct {
	sender Sender
}

// New 创建工具。
func New(sender Sender) *Handler {
	return &Handler{sender: sender}
}

func (h *Handler) ID() tools.ID { return tools.Email }

func (h *Handler) Description() string {
	return "Send a plain text email."
}

func (h *Handler) Actions() []tools.ActionSpec {
	return []tools.ActionSpec{{
		Name:        ActionSend,
		Description: "Send an email to one or more recipients.",
		Parameters: []tools.Param{
			{Name: "to", Type: "string", Description: "comma separated email addresses", Required: true},
			{Name: "subject", Type: "string", Required: true},
			{Name: "body", Type: "string", Required: true},
		},
	}}
}

func (h *Handler) Execute(ctx context.Context, call tools.Call) ([]document.Document, error) {
	if call.Action != ActionSend {
		return nil, xerrors.New(xerrors.CodeUnknownTool, "email has no action "+call.Action)
	}
	to, err := recipients(tools.Strings(call.Params, "to"))
	if err != nil {
		return nil, err
	}
	subject := tools.String(call.Params, "subject")
	if err := h.sender.Send(ctx, subject, tools.String(call.Params, "body"), to); err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("Sent %q to %s.", subject, strings.Join(to, ", "))
	return []document.Document{document.New(call.ConversationID, summary, document.Metadata{
		Source:      document.SourceTool,
		Name:        "email_sent",
		Description: summary,
	})}, nil
}

func recipients(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeParameterResolution, fmt.Sprintf("%q is not a valid email address", r))
		}
		out = append(out, addr.Address)
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeParameterResolution, "no recipients")
	}
	return out, nil
}
