// Package web fetches pages and hands them to the agent as markdown documents.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/tools"
)

const ActionScrape = "scrape"

const (
	defaultMaxBytes  = 4 << 20
	defaultMaxLength = 40000
	userAgent        = "RelayAgent/1.0 (+web_scraper)"
)

// Config 控制抓取行为。
type Config struct {
	Timeout   time.Duration `json:"timeout"`
	MaxBytes  int64         `json:"max_bytes"`
	MaxLength int           `json:"max_length"`
}

// Handler 实现 web_scraper 工具。
type Handler struct {
	client *http.Client
	cfg    Config
}

// New 创建抓取工具，client 为空时使用带超时的默认客户端。
func New(client *http.Client, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultMaxLength
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Handler{client: client, cfg: cfg}
}

func (h *Handler) ID() tools.ID { return tools.WebScraper }

func (h *Handler) Description() string {
	return "Fetch a web page and return its main content as markdown."
}

func (h *Handler) Actions() []tools.ActionSpec {
	return []tools.ActionSpec{{
		Name:        ActionScrape,
		Description: "Download the page at url and convert it to markdown.",
		Parameters: []tools.Param{
			{Name: "url", Type: "string", Description: "absolute http(s) URL", Required: true},
		},
	}}
}

func (h *Handler) Execute(ctx context.Context, call tools.Call) ([]document.Document, error) {
	if call.Action != ActionScrape {
		return nil, xerrors.New(xerrors.CodeUnknownTool, "web_scraper has no action "+call.Action)
	}
	target, err := parseURL(tools.String(call.Params, "url"))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParameterResolution, err, "invalid url")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "fetch "+target.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("fetch %s: status %d", target, resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("unsupported content type %q", ct))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, h.cfg.MaxBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "parse html")
	}
	page := convert(target, doc)
	if page.Markdown == "" {
		return nil, xerrors.New(xerrors.CodeToolFailure, "page has no readable content")
	}

	content := page.Markdown
	if len(content) > h.cfg.MaxLength {
		content = content[:h.cfg.MaxLength] + "\n\n[truncated]"
	}
	name := page.Title
	if name == "" {
		name = target.Host
	}
	return []document.Document{document.New(call.ConversationID, content, document.Metadata{
		Source:      document.SourceTool,
		MimeType:    "text/markdown",
		Name:        name,
		Description: "content of " + target.String(),
	})}, nil
}

func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, xerrors.New(xerrors.CodeParameterResolution, fmt.Sprintf("%q is not a valid web address", raw))
	}
	return u, nil
}
