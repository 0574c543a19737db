package taskmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "RelayAgent/internal/errors"
)

// Project 是任务管理服务中的项目。
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item 是一条待办。
type Item struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Completed   bool   `json:"completed"`
}

// Service 是任务管理服务的接口。
type Service interface {
	ListProjects(ctx context.Context) ([]Project, error)
	ListItems(ctx context.Context, projectID string) ([]Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	CompleteItem(ctx context.Context, id string) error
}

// Client 通过 REST 接口访问任务管理服务。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient 创建客户端。
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *Client) ListItems(ctx context.Context, projectID string) ([]Item, error) {
	path := "/tasks"
	if projectID != "" {
		path += "?" + url.Values{"project_id": {projectID}}.Encode()
	}
	var out []Item
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CreateItem(ctx context.Context, item Item) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodPost, "/tasks", item, &out)
	return out, err
}

func (c *Client) CompleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/close", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode task manager request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build task manager request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, "task manager request failed")
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeToolFailure,
			fmt.Sprintf("task manager %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, "decode task manager response")
	}
	return nil
}
