package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesFileEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.json", `{
  "server": {"address": ":9090", "request_timeout": "45s"},
  "llm": {"provider": "OpenAI", "api_key": "from-file", "model": "gpt-4o-mini"},
  "prompts": {"dir": "prompts"},
  "tools": {"budget": {"base_url": "http://ledger.local", "limit": 4}},
  "queue": {"driver": "redis", "redis": {"address": "localhost:6379", "block_wait": 2000000000}},
  "alerting": {"webhooks": [{"url": "http://hooks.local/a", "format": "slack"}]}
}`)
	writeFile(t, dir, ".env", "RELAY_TOOLS_BUDGET_TOKEN=dotenv-token\n")
	t.Cleanup(func() { os.Unsetenv("RELAY_TOOLS_BUDGET_TOKEN") })

	t.Setenv("RELAY_LLM_API_KEY", "from-env")
	t.Setenv("RELAY_AGENT_MAX_STEPS", "7")
	t.Setenv("RELAY_AGENT_ENABLE_DECIDE", "true")
	t.Setenv("RELAY_QUEUE_RUN_TIMEOUT", "90s")
	t.Setenv("RELAY_ALERTING_EMAIL_TO", "ops@example.com,oncall@example.com")
	t.Setenv("RELAY_ALERTING_WEBHOOK_URL", "http://hooks.local/b")
	t.Setenv("RELAY_SERVER_API_TOKEN", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.RequestTimeout.Std() != 45*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout.Std() != 55*time.Second {
		t.Fatalf("write timeout should follow request timeout, got %s", cfg.Server.WriteTimeout)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.APIKey != "from-env" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Prompts.Dir != filepath.Join(dir, "prompts") {
		t.Fatalf("prompt dir should be relative to the config file, got %q", cfg.Prompts.Dir)
	}
	if cfg.Agent.MaxSteps != 7 || !cfg.Agent.EnableDecide || cfg.Agent.HistoryDepth != 10 {
		t.Fatalf("unexpected agent config %+v", cfg.Agent)
	}
	if cfg.Tools.Budget.Token != "dotenv-token" || cfg.Tools.Budget.Limit != 4 {
		t.Fatalf("unexpected budget config %+v", cfg.Tools.Budget)
	}
	if cfg.Queue.RunTimeout.Std() != 90*time.Second || cfg.Queue.Redis.BlockWait.Std() != 2*time.Second || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if len(cfg.Alerting.EmailTo) != 2 || len(cfg.Alerting.Webhooks) != 2 || cfg.Alerting.Webhooks[1].URL != "http://hooks.local/b" {
		t.Fatalf("unexpected alerting config %+v", cfg.Alerting)
	}
	if len(cfg.Server.APITokens) != 1 || cfg.Server.APITokens[0].Secret != "env-secret" || len(cfg.Server.APITokens[0].Permissions) != 2 {
		t.Fatalf("unexpected api tokens %+v", cfg.Server.APITokens)
	}
	if cfg.Storage.Driver != "memory" || cfg.Tracing.Exporter != "none" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Storage, cfg.Tracing)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Agent.MaxSteps != 5 || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"provider":   `{"llm": {"provider": "bard"}}`,
		"mysql dsn":  `{"storage": {"driver": "mysql"}}`,
		"redis addr": `{"queue": {"driver": "redis"}}`,
		"rabbit url": `{"queue": {"driver": "rabbitmq"}}`,
		"duration":   `{"server": {"read_timeout": "soon"}}`,
		"json":       `{"server":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "relay.json", body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	d := Seconds(90)
	out, err := d.MarshalJSON()
	if err != nil || !strings.Contains(string(out), "1m30s") {
		t.Fatalf("unexpected marshal %s %v", out, err)
	}
	var back Duration
	if err := back.UnmarshalJSON(out); err != nil || back != d {
		t.Fatalf("unexpected unmarshal %v %v", back, err)
	}
}
