package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ent0n29/taskrouter/internal/config"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/tasks"
)

const engineFile = `
[providers]
after_request_review = ["reviewer-workbasket"]

[provider_settings.reviewer-workbasket]
workbasket_id = "WBI:review"
owner = "rita"

[[workbaskets]]
id = "WBI:inbox"
distribution_targets = ["WBI:review"]

  [[workbaskets.access]]
  access_id = "clerks"
  permissions = ["READ", "APPEND", "EDITTASKS", "DISTRIBUTE"]

[[workbaskets]]
id = "WBI:review"

  [[workbaskets.access]]
  access_id = "clerks"
  permissions = ["READ", "APPEND", "EDITTASKS"]
`

func writeEngineFile(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestBuildInMemory(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:      "test_app_build",
		EngineConfigFile:      writeEngineFile(t, engineFile),
		TrustPrincipalHeaders: true,
	}
	res, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.StoreMode != "in-memory" {
		t.Fatalf("StoreMode = %q, want in-memory", res.StoreMode)
	}
	if res.API == nil || res.Distributor == nil {
		t.Fatalf("Build() left components nil: %+v", res)
	}

	ctx := policy.WithPrincipal(context.Background(), policy.Principal{UserID: "alice", Groups: []string{"clerks"}})
	svc := res.TaskService
	task, err := svc.CreateTask(ctx, tasks.NewTask("WBI:inbox"))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := svc.Claim(ctx, task.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	reviewed, err := svc.RequestReview(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestReview() error = %v", err)
	}
	if reviewed.WorkbasketID != "WBI:review" || reviewed.Owner != "rita" {
		t.Fatalf("reviewed task = %s owner %q, want WBI:review/rita", reviewed.WorkbasketID, reviewed.Owner)
	}
}

func TestBuildRejectsReviewerWithoutWorkbasket(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: "test_app_build_missing",
		EngineConfigFile: writeEngineFile(t, `
[providers]
after_request_review = ["reviewer-workbasket"]

[provider_settings.reviewer-workbasket]
workbasket_id = "WBI:nowhere"
`),
	}
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("Build() error = nil, want reviewer workbasket failure")
	}
}
