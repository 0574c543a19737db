package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "RelayAgent/internal/errors"
)

// Account 是账本中的账户。
type Account struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Balance float64 `json:"balance"`
}

// Transaction 是一笔待写入或已写入的交易。Amount 为负表示支出。
type Transaction struct {
	ID                string  `json:"id,omitempty"`
	AccountID         string  `json:"account_id"`
	AccountName       string  `json:"account_name,omitempty"`
	Payee             string  `json:"payee"`
	Category          string  `json:"category,omitempty"`
	Amount            float64 `json:"amount"`
	Date              string  `json:"date"`
	Memo              string  `json:"memo,omitempty"`
	TransferAccountID string  `json:"transfer_account_id,omitempty"`
}

// Ledger 是账本服务的接口。
type Ledger interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	ListCategories(ctx context.Context) ([]string, error)
	CreateTransactions(ctx context.Context, txs []Transaction) ([]Transaction, error)
}

// HTTPLedger 通过 REST 接口访问账本服务。
type HTTPLedger struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPLedger 创建账本客户端。
func NewHTTPLedger(baseURL, token string, client *http.Client) *HTTPLedger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPLedger{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// ListAccounts 返回全部账户。
func (c *HTTPLedger) ListAccounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// ListCategories 返回可用的分类名。
func (c *HTTPLedger) ListCategories(ctx context.Context) ([]string, error) {
	var out struct {
		Categories []struct {
			Name string `json:"name"`
		} `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/categories", nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Categories))
	for _, cat := range out.Categories {
		names = append(names, cat.Name)
	}
	return names, nil
}

// CreateTransactions 批量写入交易，返回带 ID 的交易，顺序与输入一致。
func (c *HTTPLedger) CreateTransactions(ctx context.Context, txs []Transaction) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodPost, "/transactions", map[string]any{"transactions": txs}, &out); err != nil {
		return nil, err
	}
	if len(out.Transactions) != len(txs) {
		return nil, fmt.Errorf("ledger returned %d transactions for %d submitted", len(out.Transactions), len(txs))
	}
	return out.Transactions, nil
}

func (c *HTTPLedger) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode ledger request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build ledger request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, "ledger request failed")
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeToolFailure,
			fmt.Sprintf("ledger %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, "decode ledger response")
	}
	return nil
}
