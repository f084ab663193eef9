package spi

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/config"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

type fakeEngine struct {
	workbaskets map[string]bool
}

func (e *fakeEngine) GetTask(context.Context, string) (tasks.Task, error) {
	return tasks.Task{}, errors.New("not implemented")
}

func (e *fakeEngine) Workbasket(_ context.Context, id string) (workbasket.Workbasket, error) {
	if e.workbaskets[id] {
		return workbasket.Workbasket{ID: id}, nil
	}
	return workbasket.Workbasket{}, &workbasket.NotFoundError{WorkbasketID: id}
}

func (e *fakeEngine) IsUserInRole(context.Context, ...policy.Role) bool { return false }

type appendNote struct {
	suffix string
	inits  int
}

func (p *appendNote) Initialize(Engine) error {
	p.inits++
	return nil
}

func (p *appendNote) ProcessTaskBeforeCreation(_ context.Context, task tasks.Task) (tasks.Task, error) {
	task.Note += p.suffix
	return task, nil
}

func (p *appendNote) ProcessTaskBeforeEndState(_ context.Context, task tasks.Task) (tasks.Task, error) {
	task.Note += p.suffix
	return task, nil
}

type panickingPreprocessor struct{}

func (panickingPreprocessor) Initialize(Engine) error { return nil }

func (panickingPreprocessor) ProcessTaskBeforeCreation(context.Context, tasks.Task) (tasks.Task, error) {
	panic("boom")
}

type failingReview struct{}

func (failingReview) Initialize(Engine) error { return nil }

func (failingReview) ReviewRequired(context.Context, tasks.Task) (bool, error) {
	return false, errors.New("directory unavailable")
}

type fixedPriority struct {
	value int
	ok    bool
}

func (fixedPriority) Initialize(Engine) error { return nil }

func (p fixedPriority) CalculatePriority(context.Context, tasks.Task) (int, bool, error) {
	return p.value, p.ok, nil
}

func TestTaskManagerFoldsInRegistrationOrder(t *testing.T) {
	a, b := &appendNote{suffix: "a"}, &appendNote{suffix: "b"}
	reg := NewRegistry(Providers{CreateTask: []CreateTaskPreprocessor{a, b}}, "", nil, nil)

	got, err := reg.CreateTask.Apply(context.Background(), tasks.Task{Note: ">"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.Note != ">ab" {
		t.Fatalf("Note = %q, want %q", got.Note, ">ab")
	}
}

func TestEmptyManagersAreIdentity(t *testing.T) {
	reg := NewRegistry(Providers{}, "", nil, nil)
	ctx := context.Background()
	task := tasks.Task{ID: "TKI:1", Note: "same"}

	got, err := reg.EndState.Apply(ctx, task)
	if err != nil || got.Note != "same" {
		t.Fatalf("EndState.Apply() = %+v, %v", got, err)
	}
	required, err := reg.ReviewRequired.ReviewRequired(ctx, task)
	if err != nil || required {
		t.Fatalf("ReviewRequired() = %v, %v; want false", required, err)
	}
	if _, ok, err := reg.Priority.CalculatePriority(ctx, task); ok || err != nil {
		t.Fatalf("CalculatePriority() ok = %v, err = %v", ok, err)
	}
}

func TestProviderPanicBecomesSystemError(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "spi_test")
	reg := NewRegistry(Providers{CreateTask: []CreateTaskPreprocessor{panickingPreprocessor{}}}, "", metrics, nil)

	_, err := reg.CreateTask.Apply(context.Background(), tasks.Task{})
	var sys *apperr.SystemError
	if !errors.As(err, &sys) {
		t.Fatalf("Apply() error = %v, want SystemError", err)
	}
	if !strings.Contains(err.Error(), "panickingPreprocessor") {
		t.Fatalf("error %q does not name the provider type", err)
	}
}

func TestProviderErrorBecomesSystemError(t *testing.T) {
	reg := NewRegistry(Providers{ReviewRequired: []ReviewRequiredProvider{failingReview{}}}, "", nil, nil)
	_, err := reg.ReviewRequired.ReviewRequired(context.Background(), tasks.Task{})
	if apperr.CodeOf(err) != apperr.CodeSystem {
		t.Fatalf("CodeOf() = %s, want SYSTEM", apperr.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "directory unavailable") {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestPriorityFirstOfferWins(t *testing.T) {
	reg := NewRegistry(Providers{Priority: []PriorityServiceProvider{
		fixedPriority{value: 1, ok: false},
		fixedPriority{value: 7, ok: true},
		fixedPriority{value: 9, ok: true},
	}}, "", nil, nil)
	p, ok, err := reg.Priority.CalculatePriority(context.Background(), tasks.Task{})
	if err != nil || !ok || p != 7 {
		t.Fatalf("CalculatePriority() = %d, %v, %v; want 7, true, nil", p, ok, err)
	}
}

func TestInitializeOncePerProvider(t *testing.T) {
	shared := &appendNote{suffix: "x"}
	reg := NewRegistry(Providers{
		CreateTask: []CreateTaskPreprocessor{shared},
		EndState:   []TaskEndStatePreprocessor{shared},
	}, "", nil, nil)

	if err := reg.Initialize(&fakeEngine{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := reg.Initialize(&fakeEngine{}); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if shared.inits != 1 {
		t.Fatalf("inits = %d, want 1", shared.inits)
	}
}

func TestInitializeFailureNamesProvider(t *testing.T) {
	reg := NewRegistry(Providers{
		AfterRequestReview: []AfterRequestReviewProvider{&ReviewerWorkbasket{WorkbasketID: "WBI:missing"}},
	}, "", nil, nil)
	err := reg.Initialize(&fakeEngine{})
	if err == nil || !strings.Contains(err.Error(), "ReviewerWorkbasket") {
		t.Fatalf("Initialize() error = %v, want one naming ReviewerWorkbasket", err)
	}
}

func TestInitializeRejectsUnknownDefaultStrategy(t *testing.T) {
	reg := NewRegistry(Providers{}, "weighted", nil, nil)
	if err := reg.Initialize(&fakeEngine{}); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Fatalf("Initialize() error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestDistributionUnknownStrategy(t *testing.T) {
	reg := NewRegistry(Providers{}, "", nil, nil)
	_, err := reg.Distribution.Distribute(context.Background(), "NoExistingStrategy", []string{"TKI:1"}, []string{"WBI:a"}, nil)
	var invalid *apperr.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("Distribute() error = %v, want InvalidArgumentError", err)
	}
	if !strings.Contains(invalid.Message, "NoExistingStrategy") {
		t.Fatalf("message %q does not name the strategy", invalid.Message)
	}
}

func TestRoundRobinIsOrderPreserving(t *testing.T) {
	reg := NewRegistry(Providers{}, "", nil, nil)
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	dests := []string{"d1", "d2", "d3"}
	got, err := reg.Distribution.Distribute(context.Background(), "", ids, dests, nil)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	want := map[string][]string{"d1": {"t1", "t4"}, "d2": {"t2", "t5"}, "d3": {"t3", "t6"}}
	for dest, ids := range want {
		if strings.Join(got[dest], ",") != strings.Join(ids, ",") {
			t.Fatalf("%s = %v, want %v", dest, got[dest], ids)
		}
	}
}

func TestCatalogBuild(t *testing.T) {
	f := config.EngineFile{
		Providers: config.ProviderLists{
			ReviewRequired:          []string{ReviewRequiredByAttributeName},
			Priority:                []string{PriorityByCustomIntName},
			AfterRequestReview:      []string{ReviewerWorkbasketName},
			BeforeRequestChanges:    []string{ResetCustomOnChangesName},
			CreateTaskPreprocessors: []string{AttributeDefaultsName},
			DistributionStrategies:  []string{"Round-Robin"},
		},
		ProviderSettings: map[string]map[string]string{
			ReviewerWorkbasketName: {"workbasket_id": "WBI:review"},
			AttributeDefaultsName:  {"channel": "mail"},
		},
	}
	providers, err := NewCatalog().Build(f)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(providers.ReviewRequired) != 1 || len(providers.Priority) != 1 || len(providers.AfterRequestReview) != 1 {
		t.Fatalf("Build() = %+v", providers)
	}
	if _, ok := providers.Distribution["round-robin"]; !ok {
		t.Fatalf("distribution strategies = %v", providers.Distribution)
	}

	reg := NewRegistry(providers, "", nil, nil)
	if err := reg.Initialize(&fakeEngine{workbaskets: map[string]bool{"WBI:review": true}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	created, err := reg.CreateTask.Apply(context.Background(), tasks.Task{})
	if err != nil || created.Attributes["channel"] != "mail" {
		t.Fatalf("CreateTask.Apply() = %+v, %v", created, err)
	}
	redirected, err := reg.AfterRequestReview.Apply(context.Background(), tasks.Task{WorkbasketID: "WBI:inbox"})
	if err != nil || redirected.WorkbasketID != "WBI:review" {
		t.Fatalf("AfterRequestReview.Apply() = %+v, %v", redirected, err)
	}
}

func TestCatalogRejectsWrongExtensionPoint(t *testing.T) {
	f := config.EngineFile{Providers: config.ProviderLists{Priority: []string{RoundRobinName}}}
	if _, err := NewCatalog().Build(f); err == nil {
		t.Fatalf("Build() error = nil, want extension point mismatch")
	}
	f = config.EngineFile{Providers: config.ProviderLists{Priority: []string{"astrology"}}}
	_, err := NewCatalog().Build(f)
	if err == nil || !strings.Contains(err.Error(), PriorityByCustomIntName) {
		t.Fatalf("Build() error = %v, want unknown provider listing the known names", err)
	}
}

func TestCatalogSettingsIgnoreNameCase(t *testing.T) {
	f := config.EngineFile{
		Providers: config.ProviderLists{AfterRequestReview: []string{"Reviewer-Workbasket"}},
		ProviderSettings: map[string]map[string]string{
			ReviewerWorkbasketName: {"workbasket_id": "WBI:review", "owner": "rita"},
		},
	}
	providers, err := NewCatalog().Build(f)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	reviewer, ok := providers.AfterRequestReview[0].(*ReviewerWorkbasket)
	if !ok || reviewer.WorkbasketID != "WBI:review" || reviewer.Owner != "rita" {
		t.Fatalf("AfterRequestReview[0] = %+v", providers.AfterRequestReview[0])
	}
}

func TestReviewRequiredByAttribute(t *testing.T) {
	p := &ReviewRequiredByAttribute{}
	_ = p.Initialize(nil)
	required, err := p.ReviewRequired(context.Background(), tasks.Task{Attributes: map[string]string{"review_required": "true"}})
	if err != nil || !required {
		t.Fatalf("ReviewRequired() = %v, %v", required, err)
	}
	if _, err := p.ReviewRequired(context.Background(), tasks.Task{Attributes: map[string]string{"review_required": "perhaps"}}); err == nil {
		t.Fatalf("ReviewRequired() with bad value error = nil")
	}
}
