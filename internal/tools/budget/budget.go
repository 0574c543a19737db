// Package budget records spending in an external ledger service. A single
// instruction may describe several transactions; each one is resolved
// concurrently and all of them are submitted in one batch.
package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/fanout"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/prompt"
	"RelayAgent/internal/tools"
)

const (
	ActionCreateTransactions = "create_transactions"
	ActionListAccounts       = "list_accounts"
)

// Config 控制扇出与模型选择。
type Config struct {
	Model          string        `json:"model"`
	Limit          int           `json:"limit"`
	DefaultAccount string        `json:"default_account"`
	PromptTTL      time.Duration `json:"prompt_ttl"`
}

// Handler 实现 budget 工具。
type Handler struct {
	ledger  Ledger
	llm     llm.CompletionService
	prompts *prompt.Repository
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

// Option 定义可选配置。
type Option func(*Handler)

// WithPrompts 从模板仓库读取提示词，缺失时使用内置模板。
func WithPrompts(repo *prompt.Repository) Option {
	return func(h *Handler) { h.prompts = repo }
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// New 创建 budget 工具。
func New(ledger Ledger, completion llm.CompletionService, cfg Config, opts ...Option) *Handler {
	if cfg.Limit <= 0 {
		cfg.Limit = fanout.DefaultLimit
	}
	h := &Handler{ledger: ledger, llm: completion, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Handler) ID() tools.ID { return tools.Budget }

func (h *Handler) Description() string {
	return "Record spending, income and transfers in the budget ledger, and look up accounts."
}

func (h *Handler) Actions() []tools.ActionSpec {
	return []tools.ActionSpec{
		{
			Name:        ActionCreateTransactions,
			Description: "Create one or more transactions from a natural language instruction, e.g. \"spent $50 at the store and $20 on coffee\".",
			Parameters: []tools.Param{
				{Name: "instruction", Type: "string", Description: "the user's spending instruction", Required: true},
			},
		},
		{
			Name:        ActionListAccounts,
			Description: "List ledger accounts with their balances.",
		},
	}
}

// DynamicContext 返回账户列表，供参数解析使用。
func (h *Handler) DynamicContext(ctx context.Context, _ string) (string, error) {
	accounts, err := h.ledger.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	return "Budget accounts:\n" + formatAccounts(accounts), nil
}

func (h *Handler) Execute(ctx context.Context, call tools.Call) ([]document.Document, error) {
	switch call.Action {
	case ActionCreateTransactions:
		return h.createTransactions(ctx, call)
	case ActionListAccounts:
		accounts, err := h.ledger.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		doc := document.New(call.ConversationID, formatAccounts(accounts), document.Metadata{
			Source:      document.SourceTool,
			Name:        "accounts",
			Description: fmt.Sprintf("%d budget accounts", len(accounts)),
		})
		return []document.Document{doc}, nil
	default:
		return nil, xerrors.New(xerrors.CodeUnknownTool, "budget has no action "+call.Action)
	}
}

func (h *Handler) createTransactions(ctx context.Context, call tools.Call) ([]document.Document, error) {
	instruction := tools.String(call.Params, "instruction")
	accounts, err := h.ledger.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	categories := sync.OnceValues(func() ([]string, error) { return h.ledger.ListCategories(ctx) })

	resolver := fanout.Resolver[Transaction]{
		Decompose: h.decompose,
		Resolve: func(ctx context.Context, _ int, item string) (Transaction, error) {
			return h.resolve(ctx, item, accounts, categories)
		},
		Limit: h.cfg.Limit,
	}
	items := resolver.Run(ctx, instruction)
	items = h.submit(ctx, items)

	summary := fanout.Summarize(items)
	h.metrics.ObserveFanOut(summary.Succeeded, summary.Failed)
	report := renderReport(items, summary)
	doc := document.New(call.ConversationID, report, document.Metadata{
		Source:      document.SourceTool,
		MimeType:    "text/markdown",
		Name:        "transactions",
		Description: fmt.Sprintf("%d of %d transactions created", summary.Succeeded, summary.Total),
	})
	return []document.Document{doc}, fanout.Outcome(summary, report)
}

// submit 一次性提交所有解析成功的项，批量失败或返回数量不符时全部标记为失败。
func (h *Handler) submit(ctx context.Context, items []fanout.Item[Transaction]) []fanout.Item[Transaction] {
	var (
		batch   []Transaction
		indices []int
	)
	for i, it := range items {
		if it.OK() {
			batch = append(batch, it.Value)
			indices = append(indices, i)
		}
	}
	if len(batch) == 0 {
		return items
	}
	created, err := h.ledger.CreateTransactions(ctx, batch)
	if err != nil {
		return fanout.FailAll(items, xerrors.Wrap(xerrors.CodeToolFailure, err, "batch submit failed"))
	}
	if len(created) != len(batch) {
		return fanout.FailAll(items, xerrors.New(xerrors.CodeToolFailure,
			fmt.Sprintf("ledger returned %d transactions for a batch of %d", len(created), len(batch)),
			xerrors.WithMetadata("submitted", fmt.Sprint(len(batch))),
			xerrors.WithMetadata("created", fmt.Sprint(len(created)))))
	}
	out := append([]fanout.Item[Transaction](nil), items...)
	for j, i := range indices {
		tx := created[j]
		if tx.AccountName == "" {
			tx.AccountName = batch[j].AccountName
		}
		if tx.Category == "" {
			tx.Category = batch[j].Category
		}
		out[i].Value = tx
	}
	return out
}

func (h *Handler) decompose(ctx context.Context, instruction string) ([]string, error) {
	var out struct {
		Items []string `json:"items"`
	}
	if err := h.ask(ctx, "decompose", decomposeTemplate, nil, instruction, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

type amountResult struct {
	Amount float64 `json:"amount"`
	Inflow bool    `json:"inflow"`
	Date   string  `json:"date"`
	Memo   string  `json:"memo"`
}

type partiesResult struct {
	Account         string `json:"account"`
	Payee           string `json:"payee"`
	TransferAccount string `json:"transfer_account"`
}

func (h *Handler) resolve(ctx context.Context, item string, accounts []Account, categories func() ([]string, error)) (Transaction, error) {
	amount, parties, err := fanout.Pair(ctx,
		func(ctx context.Context) (amountResult, error) {
			var out amountResult
			err := h.ask(ctx, "amount", amountTemplate, map[string]any{"Today": h.now().Format("2006-01-02")}, item, &out)
			return out, err
		},
		func(ctx context.Context) (partiesResult, error) {
			var out partiesResult
			err := h.ask(ctx, "parties", partiesTemplate, map[string]any{
				"Accounts":       formatAccounts(accounts),
				"DefaultAccount": h.cfg.DefaultAccount,
			}, item, &out)
			return out, err
		},
	)
	if err != nil {
		return Transaction{}, err
	}
	if amount.Amount <= 0 {
		return Transaction{}, xerrors.New(xerrors.CodeParameterResolution, "no amount found in "+quote(item))
	}

	source, ok := findAccount(accounts, parties.Account)
	if !ok {
		source, ok = findAccount(accounts, h.cfg.DefaultAccount)
	}
	if !ok {
		return Transaction{}, xerrors.New(xerrors.CodeParameterResolution, "unknown account "+quote(parties.Account))
	}

	tx := Transaction{
		AccountID:   source.ID,
		AccountName: source.Name,
		Payee:       parties.Payee,
		Amount:      -amount.Amount,
		Date:        amount.Date,
		Memo:        amount.Memo,
	}
	if amount.Inflow {
		tx.Amount = amount.Amount
	}
	if tx.Date == "" {
		tx.Date = h.now().Format("2006-01-02")
	}

	target, isTransfer := findAccount(accounts, parties.TransferAccount)
	if !isTransfer {
		target, isTransfer = findAccount(accounts, parties.Payee)
	}
	if isTransfer && target.ID != source.ID {
		tx.TransferAccountID = target.ID
		tx.Payee = "Transfer : " + target.Name
		return tx, nil
	}

	if isSpending(source.Type) {
		names, err := categories()
		if err != nil {
			return Transaction{}, err
		}
		category, err := h.pickCategory(ctx, item, names)
		if err != nil {
			return Transaction{}, err
		}
		tx.Category = category
	}
	return tx, nil
}

func (h *Handler) pickCategory(ctx context.Context, item string, names []string) (string, error) {
	var out struct {
		Category string `json:"category"`
	}
	if err := h.ask(ctx, "category", categoryTemplate, map[string]any{"Categories": "- " + strings.Join(names, "\n- ")}, item, &out); err != nil {
		return "", err
	}
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(out.Category), name) {
			return name, nil
		}
	}
	return "", xerrors.New(xerrors.CodeParameterResolution, "category "+quote(out.Category)+" is not defined")
}

func (h *Handler) ask(ctx context.Context, name string, fallback prompt.Template, vars map[string]any, input string, out any) error {
	system, tpl, err := h.prompts.Compose(ctx, "budget."+name, h.cfg.PromptTTL, &fallback, vars)
	if err != nil {
		return err
	}
	model := tpl.Model
	if model == "" {
		model = h.cfg.Model
	}
	raw, err := h.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: input},
	}, model, true)
	if err != nil {
		return err
	}
	if err := llm.DecodeJSON(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, name+" step returned malformed output",
			xerrors.WithMetadata("raw", raw))
	}
	return nil
}

// isSpending 报告账户类型是否为日常消费账户。
func isSpending(accountType string) bool {
	switch strings.ToLower(accountType) {
	case "checking", "cash", "creditcard":
		return true
	}
	return false
}

func findAccount(accounts []Account, name string) (Account, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, false
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Name, name) || a.ID == name {
			return a, true
		}
	}
	return Account{}, false
}

func formatAccounts(accounts []Account) string {
	var b strings.Builder
	for _, a := range accounts {
		fmt.Fprintf(&b, "- %s (%s): %.2f\n", a.Name, a.Type, a.Balance)
	}
	return b.String()
}

func renderReport(items []fanout.Item[Transaction], s fanout.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Created %d of %d transactions (%d failed).\n", s.Succeeded, s.Total, s.Failed)
	for _, it := range items {
		if it.OK() {
			tx := it.Value
			fmt.Fprintf(&b, "%d. OK id=%s account=%s payee=%s category=%s amount=%.2f\n",
				it.Index+1, tx.ID, tx.AccountName, tx.Payee, orDash(tx.Category), tx.Amount)
			continue
		}
		fmt.Fprintf(&b, "%d. FAILED %s: %v\n", it.Index+1, quote(it.Instruction), it.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}
