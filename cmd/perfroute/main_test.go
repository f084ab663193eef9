package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/taskrouter/internal/app"
	"github.com/ent0n29/taskrouter/internal/config"
)

func TestParseFlagsValidation(t *testing.T) {
	if _, err := parseFlags([]string{"-tasks", "3"}); err == nil {
		t.Fatalf("parseFlags() without workbasket error = nil")
	}
	if _, err := parseFlags([]string{"-workbasket", "WBI:a", "-tasks", "0"}); err == nil {
		t.Fatalf("parseFlags() with zero tasks error = nil")
	}
	opts, err := parseFlags([]string{"-workbasket", " WBI:a ", "-base-url", "http://localhost:9000/", "-timeout-ms", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.baseURL != "http://localhost:9000" || opts.workbasketID != "WBI:a" || opts.timeout != time.Second {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestEventsURL(t *testing.T) {
	got, err := eventsURL("https://router.example/base", "WBI:inbox")
	if err != nil {
		t.Fatalf("eventsURL() error = %v", err)
	}
	if got != "wss://router.example/base/v1/workbaskets/WBI:inbox/events/ws" {
		t.Fatalf("eventsURL() = %q", got)
	}
	if _, err := eventsURL("ftp://router.example", "WBI:inbox"); err == nil {
		t.Fatalf("eventsURL(ftp) error = nil")
	}
}

func TestRunAgainstInMemoryEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	engine := `
[[workbaskets]]
id = "WBI:perf"

  [[workbaskets.access]]
  access_id = "perf"
  permissions = ["READ", "READTASKS", "APPEND", "EDITTASKS"]
`
	if err := os.WriteFile(path, []byte(engine), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	built, err := app.Build(context.Background(), config.Config{
		MetricsNamespace:      "test_perfroute",
		EngineConfigFile:      path,
		TrustPrincipalHeaders: true,
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup()
	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	var out bytes.Buffer
	err = run(options{
		baseURL:      ts.URL,
		userID:       "runner",
		groups:       "perf",
		workbasketID: "WBI:perf",
		tasks:        3,
		timeout:      10 * time.Second,
		watchEvents:  true,
	}, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	report := out.String()
	for _, want := range []string{"3 cycles", "client complete", "server complete", "events received=9"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}
