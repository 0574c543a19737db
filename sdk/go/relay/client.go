// Package relay is a small Go client for the relayd REST API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous replies run the whole agent loop, so it is
// longer than a typical API call.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with relayd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Reply is the synchronous answer to a user message.
type Reply struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

// RunRequest submits a message for asynchronous processing. ID is optional;
// resubmitting the same ID returns the existing run.
type RunRequest struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Run is the state of an asynchronous run.
type Run struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Reply          string `json:"reply,omitempty"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	MaxRetries     int    `json:"max_retries"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Done reports whether the run reached a terminal status.
func (r Run) Done() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// RunStats aggregates runs matching a list query.
type RunStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunList is one page of runs plus aggregate counts.
type RunList struct {
	Runs  []Run    `json:"runs"`
	Stats RunStats `json:"stats"`
}

// ListRunsOptions filters ListRuns. Zero values are not sent.
type ListRunsOptions struct {
	ConversationID string
	Statuses       []string
	Limit          int
	Offset         int
	Query          string
	Ascending      bool
}

func (o ListRunsOptions) values() url.Values {
	v := url.Values{}
	if o.ConversationID != "" {
		v.Set("conversation_id", o.ConversationID)
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// Action is one tool invocation recorded against a task.
type Action struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Tool        string         `json:"tool_uuid"`
	ToolAction  string         `json:"tool_action"`
	Input       map[string]any `json:"input,omitempty"`
	Status      string         `json:"status"`
	DocumentIDs []string       `json:"document_ids,omitempty"`
	Step        string         `json:"step,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Task is a unit of work tracked for a conversation.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	Actions        []Action  `json:"actions,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one turn of conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a tool output stored by the server.
type Document struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Metadata       struct {
		Source      string `json:"source"`
		MimeType    string `json:"mime_type"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Tool        string `json:"tool,omitempty"`
		Action      string `json:"action,omitempty"`
	} `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for relayd. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the currently stored token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Ask sends a message and waits for the agent's reply.
func (c *Client) Ask(ctx context.Context, conversationID, message string) (Reply, error) {
	var reply Reply
	endpoint := "/api/v1/conversations/" + conversationID + "/messages"
	if err := c.post(ctx, endpoint, map[string]string{"message": message}, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// Submit queues a message for asynchronous processing.
func (c *Client) Submit(ctx context.Context, req RunRequest) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/v1/runs", req, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+id, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns runs matching opts.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (RunList, error) {
	var list RunList
	if err := c.get(ctx, "/api/v1/runs", opts.values(), &list); err != nil {
		return RunList{}, err
	}
	return list, nil
}

// WaitRun polls until the run is done or ctx ends.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tasks returns the task ledger of a conversation.
func (c *Client) Tasks(ctx context.Context, conversationID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/conversations/"+conversationID+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Messages returns the stored history of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/v1/conversations/"+conversationID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Document fetches a stored tool output.
func (c *Client) Document(ctx context.Context, id string) (Document, error) {
	var doc Document
	if err := c.get(ctx, "/api/v1/documents/"+id, nil, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
