package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTool("budget", "create_transactions", "SUCCESS", time.Second)
	m.ObservePhase("PLAN", nil, time.Second)
	m.ObserveFanOut(1, 1)
	m.ObserveRun("succeeded")
	m.ObserveCompletion("gpt", errors.New("x"))
	m.ObserveResponse(nil)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
	h := m.Middleware("x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.ObserveTool("budget", "create_transactions", "SUCCESS", 10*time.Millisecond)
	m.ObserveTool("budget", "create_transactions", "ERROR", 10*time.Millisecond)
	m.ObserveFanOut(3, 1)

	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("budget", "create_transactions", "SUCCESS")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.fanOutItems.WithLabelValues("success")); got != 3 {
		t.Fatalf("expected 3 fan-out successes, got %v", got)
	}

	handler := m.Middleware("messages", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("messages", http.MethodPost, "418")); got != 1 {
		t.Fatalf("expected recorded request, got %v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `relay_tools_calls_total{action="create_transactions",status="ERROR",tool="budget"} 1`) {
		t.Fatalf("exposition missing tool counter:\n%s", body)
	}
}
