package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
)

type fakeLedger struct {
	mu        sync.Mutex
	batches   [][]Transaction
	submitErr error
	// truncate 让账本少返回一条交易。
	truncate bool
}

func (f *fakeLedger) ListAccounts(context.Context) ([]Account, error) {
	return []Account{
		{ID: "acc-1", Name: "Checking", Type: "checking", Balance: 1200},
		{ID: "acc-2", Name: "Savings", Type: "savings", Balance: 5000},
	}, nil
}

func (f *fakeLedger) ListCategories(context.Context) ([]string, error) {
	return []string{"Groceries", "Dining Out"}, nil
}

func (f *fakeLedger) CreateTransactions(_ context.Context, txs []Transaction) ([]Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, txs)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		tx.ID = fmt.Sprintf("tx-%d", i+1)
		out[i] = tx
	}
	if f.truncate && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

type scriptedLLM struct {
	decompose     func(input string) (string, error)
	categoryCalls atomic.Int32
	failCategory  string
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, _ string, jsonMode bool) (string, error) {
	if !jsonMode {
		return "", errors.New("expected json mode")
	}
	system, input := messages[0].Content, messages[1].Content
	switch {
	case strings.Contains(system, "You split"):
		if s.decompose != nil {
			return s.decompose(input)
		}
		return `{"items":["spent $50 at the store","$20 on coffee"]}`, nil
	case strings.Contains(system, "You extract the amount"):
		switch {
		case strings.Contains(input, "$50"):
			return `{"amount":50,"date":"2024-05-01"}`, nil
		case strings.Contains(input, "$100"):
			return `{"amount":100}`, nil
		}
		return "```json\n{\"amount\":20}\n```", nil
	case strings.Contains(system, "You identify the accounts"):
		if strings.Contains(input, "Savings") {
			return `{"account":"Checking","payee":"","transfer_account":"Savings"}`, nil
		}
		if strings.Contains(input, "coffee") {
			return `{"account":"checking","payee":"Corner Cafe"}`, nil
		}
		return `{"account":"","payee":"Store"}`, nil
	case strings.Contains(system, "You pick the budget category"):
		s.categoryCalls.Add(1)
		if s.failCategory != "" && strings.Contains(input, s.failCategory) {
			return "", xerrors.New(xerrors.CodeCompletionTransport, "upstream reset")
		}
		return `{"category":"groceries"}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %s", system)
}

func newHandler(ledger *fakeLedger, model *scriptedLLM) *Handler {
	return New(ledger, model, Config{Model: "test", Limit: 2, DefaultAccount: "Checking"},
		WithClock(func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }))
}

func TestCreateTransactionsPartialFailure(t *testing.T) {
	ledger := &fakeLedger{}
	model := &scriptedLLM{failCategory: "coffee"}
	h := newHandler(ledger, model)

	docs, err := h.Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Tool:           tools.Budget,
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "spent $50 at the store and $20 on coffee"},
	})
	if xerrors.KindOf(err) != xerrors.KindPartialFanOut {
		t.Fatalf("expected partial fan-out error, got %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one summary document, got %d", len(docs))
	}
	text := docs[0].Text()
	for _, want := range []string{
		"Created 1 of 2 transactions (1 failed).",
		"1. OK id=tx-1 account=Checking payee=Store category=Groceries amount=-50.00",
		`2. FAILED "$20 on coffee"`,
		"upstream reset",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
	if len(ledger.batches) != 1 || len(ledger.batches[0]) != 1 {
		t.Fatalf("expected a single batch with one transaction, got %+v", ledger.batches)
	}
	if ledger.batches[0][0].Date != "2024-05-01" {
		t.Fatalf("unexpected date: %+v", ledger.batches[0][0])
	}
}

func TestCreateTransactionsThroughDispatcherRecordsSuccess(t *testing.T) {
	reg, err := tools.NewRegistry(newHandler(&fakeLedger{}, &scriptedLLM{failCategory: "coffee"}))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	out := tools.NewDispatcher(reg).Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Tool:           tools.Budget,
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "spent $50 at the store and $20 on coffee"},
	})
	if out.Status != state.ActionSuccess || len(out.Documents) != 1 || out.Documents[0].IsError() {
		t.Fatalf("expected success with summary, got %+v", out)
	}
}

func TestDecomposeFailureFallsBackToOneItem(t *testing.T) {
	ledger := &fakeLedger{}
	model := &scriptedLLM{decompose: func(string) (string, error) { return "not json", nil }}
	h := newHandler(ledger, model)

	docs, err := h.Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "spent $50 at the store"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(docs[0].Text(), "Created 1 of 1 transactions (0 failed).") {
		t.Fatalf("unexpected summary: %s", docs[0].Text())
	}
}

func TestTransferSkipsCategory(t *testing.T) {
	ledger := &fakeLedger{}
	model := &scriptedLLM{decompose: func(in string) (string, error) { return `{"items":["` + in + `"]}`, nil }}
	h := newHandler(ledger, model)

	_, err := h.Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "moved $100 from Checking to Savings"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model.categoryCalls.Load() != 0 {
		t.Fatalf("category should not be resolved for transfers")
	}
	tx := ledger.batches[0][0]
	if tx.TransferAccountID != "acc-2" || tx.Payee != "Transfer : Savings" || tx.Amount != -100 {
		t.Fatalf("unexpected transfer: %+v", tx)
	}
}

func TestBatchFailureMarksEveryItemFailed(t *testing.T) {
	ledger := &fakeLedger{submitErr: errors.New("ledger offline")}
	h := newHandler(ledger, &scriptedLLM{})

	docs, err := h.Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "spent $50 at the store and $20 on coffee"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeToolFailure {
		t.Fatalf("expected tool failure, got %v", err)
	}
	text := docs[0].Text()
	if !strings.Contains(text, "Created 0 of 2 transactions (2 failed).") || strings.Count(text, "ledger offline") != 2 {
		t.Fatalf("unexpected summary: %s", text)
	}
}

func TestShortLedgerResponseMarksEveryItemFailed(t *testing.T) {
	ledger := &fakeLedger{truncate: true}
	h := newHandler(ledger, &scriptedLLM{})

	docs, err := h.Execute(context.Background(), tools.Call{
		ConversationID: "c1",
		Action:         ActionCreateTransactions,
		Params:         map[string]any{"instruction": "spent $50 at the store and $20 on coffee"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeToolFailure {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one summary document, got %d", len(docs))
	}
	text := docs[0].Text()
	if !strings.Contains(text, "Created 0 of 2 transactions (2 failed).") ||
		strings.Count(text, "ledger returned 1 transactions for a batch of 2") != 2 {
		t.Fatalf("unexpected summary: %s", text)
	}
	if len(ledger.batches) != 1 {
		t.Fatalf("batch should be submitted once, got %d", len(ledger.batches))
	}
}

func TestListAccountsAndContext(t *testing.T) {
	h := newHandler(&fakeLedger{}, &scriptedLLM{})
	docs, err := h.Execute(context.Background(), tools.Call{ConversationID: "c1", Action: ActionListAccounts})
	if err != nil || !strings.Contains(docs[0].Text(), "Savings (savings): 5000.00") {
		t.Fatalf("unexpected accounts doc: %v %+v", err, docs)
	}
	ctxText, err := h.DynamicContext(context.Background(), "c1")
	if err != nil || !strings.Contains(ctxText, "Checking (checking)") {
		t.Fatalf("unexpected context: %q %v", ctxText, err)
	}
	var _ tools.ContextProvider = h
}
