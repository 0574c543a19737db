package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteSendsMessagesAndJSONMode(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": `{"ok":true}`}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := client.Complete(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hi"},
	}, "", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected output: %q", out)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected auth header: %q", captured.Authorization)
	}
	if captured.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected path: %q", captured.Path)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("expected default model, got %v", captured.Body["model"])
	}
	format, _ := captured.Body["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json response format, got %v", captured.Body["response_format"])
	}
	msgs, _ := captured.Body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestCompleteClassifiesClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, "m", false)
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeCompletionTransport {
		t.Fatalf("unexpected code: %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("4xx must not be retried")
	}
}
