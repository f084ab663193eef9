package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.ConnectionMode != "PARTICIPATE" {
		t.Fatalf("ConnectionMode = %q, want PARTICIPATE", cfg.ConnectionMode)
	}
	if cfg.DefaultDistributionStrategy != "round-robin" {
		t.Fatalf("DefaultDistributionStrategy = %q, want round-robin", cfg.DefaultDistributionStrategy)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if len(cfg.Log.Outputs) != 1 || cfg.Log.Outputs[0] != "stderr" {
		t.Fatalf("Log.Outputs = %v, want [stderr]", cfg.Log.Outputs)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CONNECTION_MANAGEMENT_MODE", "autocommit")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("LOG_OUTPUTS", "stdout, /tmp/taskrouter.log")
	t.Setenv("LOG_ROTATE", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConnectionMode != "AUTOCOMMIT" {
		t.Fatalf("ConnectionMode = %q, want AUTOCOMMIT", cfg.ConnectionMode)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout)
	}
	if len(cfg.Log.Outputs) != 2 || cfg.Log.Outputs[1] != "/tmp/taskrouter.log" {
		t.Fatalf("Log.Outputs = %v", cfg.Log.Outputs)
	}
	if !cfg.Log.Rotation.Enable {
		t.Fatalf("Log.Rotation.Enable = false, want true")
	}
}

func TestLoadRejectsExplicitMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CONNECTION_MANAGEMENT_MODE", "EXPLICIT")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for EXPLICIT")
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func TestLoadEngineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	data := `
[providers]
review_required = ["review-required-by-attribute"]
after_request_review = ["reviewer-workbasket"]

[provider_settings.reviewer-workbasket]
workbasket_id = "WBI:review"

[[workbaskets]]
id = "WBI:inbox"
key = "INBOX"
distribution_targets = ["WBI:review"]

  [[workbaskets.access]]
  access_id = "teamlead"
  permissions = ["READ", "DISTRIBUTE"]

[[workbaskets]]
id = "WBI:review"
key = "REVIEW"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f, err := LoadEngineFile(path)
	if err != nil {
		t.Fatalf("LoadEngineFile() error = %v", err)
	}
	if len(f.Providers.ReviewRequired) != 1 || f.Providers.ReviewRequired[0] != "review-required-by-attribute" {
		t.Fatalf("Providers.ReviewRequired = %v", f.Providers.ReviewRequired)
	}
	if got := f.ProviderSettings["reviewer-workbasket"]["workbasket_id"]; got != "WBI:review" {
		t.Fatalf("reviewer-workbasket workbasket_id = %q", got)
	}
	if len(f.Workbaskets) != 2 || len(f.Workbaskets[0].Access) != 1 {
		t.Fatalf("Workbaskets = %+v", f.Workbaskets)
	}
}

func TestLoadEngineFileEmptyPath(t *testing.T) {
	f, err := LoadEngineFile("")
	if err != nil {
		t.Fatalf("LoadEngineFile(\"\") error = %v", err)
	}
	if len(f.Workbaskets) != 0 {
		t.Fatalf("expected empty engine file")
	}
}

func TestDecodeEngineFileRejectsUnknownTarget(t *testing.T) {
	_, err := DecodeEngineFile(`
[[workbaskets]]
id = "WBI:a"
distribution_targets = ["WBI:missing"]
`)
	if err == nil {
		t.Fatalf("DecodeEngineFile() error = nil, want undeclared target error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_TRUST_PRINCIPAL_HEADERS",
		"DATABASE_URL",
		"DATABASE_CONNECT_ATTEMPTS",
		"DATABASE_CONNECT_BACKOFF",
		"CONNECTION_MANAGEMENT_MODE",
		"ENGINE_CONFIG_FILE",
		"DISTRIBUTION_DEFAULT_STRATEGY",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"LOG_OUTPUTS",
		"LOG_DEVELOPMENT",
		"LOG_ROTATE",
		"LOG_ROTATE_COMPRESS",
		"LOG_ROTATE_MAX_SIZE_MB",
		"LOG_ROTATE_MAX_BACKUPS",
		"LOG_ROTATE_MAX_AGE_DAYS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
