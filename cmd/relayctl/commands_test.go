package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakeRelayd(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"conversation_id": r.PathValue("id"), "reply": "ok: " + body.Message})
	})
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "run-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"RUN_NOT_FOUND","message":"run not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"run-1","status":"failed","attempts":3,"max_retries":3,"error_code":"TIMEOUT","last_error":"deadline"}`))
	})
	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "failed,pending" {
			t.Errorf("unexpected status filter %q", r.URL.Query().Get("status"))
		}
		_, _ = w.Write([]byte(`{"runs":[{"id":"run-1","status":"failed","attempts":3,"max_retries":3,"conversation_id":"c1"}],"stats":{"total":1,"failed":1}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAskJoinsMessageWords(t *testing.T) {
	srv := fakeRelayd(t)
	out, err := execute(t, srv.URL, "ask", "c1", "spent", "$5", "on", "coffee")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if strings.TrimSpace(out) != "ok: spent $5 on coffee" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStatusPrintsFailure(t *testing.T) {
	srv := fakeRelayd(t)
	out, err := execute(t, srv.URL, "status", "run-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "run run-1: failed (attempt 3/3)") || !strings.Contains(out, "error TIMEOUT: deadline") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := execute(t, srv.URL, "status", "missing"); err == nil || !strings.Contains(err.Error(), "RUN_NOT_FOUND") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRunsListsWithStats(t *testing.T) {
	srv := fakeRelayd(t)
	out, err := execute(t, srv.URL, "runs", "--status", "failed,pending")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "total=1 pending=0 running=0 succeeded=0 failed=1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestArgumentValidation(t *testing.T) {
	if _, err := execute(t, "http://127.0.0.1:1", "ask", "only-conversation"); err == nil {
		t.Fatalf("expected argument error")
	}
}
