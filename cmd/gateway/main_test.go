package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gateway "github.com/goliatone/go-integration-gateway"
	"github.com/goliatone/go-integration-gateway/httpapi"
)

func TestParseYAMLConfigNestsSections(t *testing.T) {
	raw, err := parseYAMLConfig([]byte("service_name: edge\nqueue:\n  max_attempts: 9\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	queue, ok := raw["queue"].(map[string]any)
	if !ok || queue["max_attempts"] != 9 || raw["service_name"] != "edge" {
		t.Fatalf("unexpected raw config: %#v", raw)
	}
	if _, err := parseYAMLConfig([]byte("queue: [")); err == nil {
		t.Fatalf("expected invalid yaml to fail")
	}
}

func TestLoadConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_TEST_APP_KEY", "from-env")
	path := writeConfig(t, "service_name: edge\nsecurity:\n  app_key: ${GATEWAY_TEST_APP_KEY}\n")

	cfg, err := loadConfig(context.Background(), path, gateway.Config{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "edge" || cfg.Security.AppKey != "from-env" {
		t.Fatalf("unexpected config: service=%q key set=%v", cfg.ServiceName, cfg.Security.AppKey != "")
	}
	if _, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), gateway.Config{}); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "rebuild-index", "replay-dlq"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v", name, err)
		}
	}
}

func TestRebuildIndexPrintsResult(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"database:",
		"  driver: memory",
		"consumer:",
		"  url: http://consumer.test/events",
		"security:",
		"  app_key: cli-test-app-key",
		"log:",
		"  level: error",
	}, "\n")+"\n")

	if _, err := execute(t, "migrate", "--config", path); err == nil {
		t.Fatalf("expected migrate to refuse the memory driver")
	}
	out, err := execute(t, "rebuild-index", "--config", path)
	if err != nil {
		t.Fatalf("rebuild-index: %v", err)
	}
	var result struct {
		DryRun bool `json:"dryRun"`
		Routes int  `json:"routes"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil || result.Routes != 0 || !result.DryRun {
		t.Fatalf("unexpected rebuild output %q: %v", out, err)
	}
}

func TestRebuildIndexCallsServer(t *testing.T) {
	requests := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Method + " " + r.URL.Path
		if r.Header.Get(httpapi.APIKeyHeader) != "admin-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"routes":3,"added":1,"removed":0}`))
	}))
	defer srv.Close()

	path := writeConfig(t, strings.Join([]string{
		"database:",
		"  driver: memory",
		"http:",
		"  api_key: admin-key",
	}, "\n")+"\n")
	out, err := execute(t, "rebuild-index", "--config", path, "--server", srv.URL+"/")
	if err != nil {
		t.Fatalf("rebuild-index: %v", err)
	}
	if got := <-requests; got != "POST /admin/cache/rebuild" {
		t.Fatalf("unexpected request %q", got)
	}
	var result struct {
		DryRun bool `json:"dryRun"`
		Routes int  `json:"routes"`
		Added  int  `json:"added"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil || result.Routes != 3 || result.Added != 1 || result.DryRun {
		t.Fatalf("unexpected rebuild output %q: %v", out, err)
	}

	badKey := writeConfig(t, "database:\n  driver: memory\nhttp:\n  api_key: wrong\n")
	if _, err := execute(t, "rebuild-index", "--config", badKey, "--server", srv.URL); err == nil {
		t.Fatalf("expected a rejected request to fail")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
