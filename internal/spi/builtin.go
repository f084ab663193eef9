package spi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ent0n29/taskrouter/internal/tasks"
)

const (
	RoundRobinName                = "round-robin"
	ReviewRequiredByAttributeName = "review-required-by-attribute"
	PriorityByCustomIntName       = "priority-by-custom-int"
	ReviewerWorkbasketName        = "reviewer-workbasket"
	ResetCustomOnChangesName      = "reset-custom-on-changes"
	AttributeDefaultsName         = "attribute-defaults"
)

// RoundRobin assigns task i to destination i mod len(destinations).
type RoundRobin struct{}

func (*RoundRobin) Initialize(Engine) error { return nil }

func (*RoundRobin) DistributeTasks(_ context.Context, taskIDs, destinationIDs []string, _ map[string]any) (map[string][]string, error) {
	if len(destinationIDs) == 0 {
		return nil, errors.New("no destinations to distribute to")
	}
	out := make(map[string][]string, len(destinationIDs))
	for i, id := range taskIDs {
		dest := destinationIDs[i%len(destinationIDs)]
		out[dest] = append(out[dest], id)
	}
	return out, nil
}

// ReviewRequiredByAttribute asks for review when a task attribute parses as
// true. The attribute name defaults to "review_required".
type ReviewRequiredByAttribute struct {
	Attribute string
}

func (p *ReviewRequiredByAttribute) Initialize(Engine) error {
	if strings.TrimSpace(p.Attribute) == "" {
		p.Attribute = "review_required"
	}
	return nil
}

func (p *ReviewRequiredByAttribute) ReviewRequired(_ context.Context, task tasks.Task) (bool, error) {
	v, ok := task.Attributes[p.Attribute]
	if !ok || strings.TrimSpace(v) == "" {
		return false, nil
	}
	required, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("attribute %s: %w", p.Attribute, err)
	}
	return required, nil
}

// PriorityByCustomInt uses a custom integer of the task as its priority.
type PriorityByCustomInt struct {
	Key string
}

func (p *PriorityByCustomInt) Initialize(Engine) error {
	if strings.TrimSpace(p.Key) == "" {
		p.Key = "priority"
	}
	return nil
}

func (p *PriorityByCustomInt) CalculatePriority(_ context.Context, task tasks.Task) (int, bool, error) {
	v, ok := task.CustomInts[p.Key]
	return v, ok, nil
}

// ReviewerWorkbasket routes tasks that were put up for review into a
// dedicated workbasket, optionally claimed for a fixed reviewer.
type ReviewerWorkbasket struct {
	WorkbasketID string
	Owner        string
}

func (p *ReviewerWorkbasket) Initialize(engine Engine) error {
	p.WorkbasketID = strings.TrimSpace(p.WorkbasketID)
	if p.WorkbasketID == "" {
		return errors.New("workbasket_id setting is required")
	}
	if engine == nil {
		return nil
	}
	if _, err := engine.Workbasket(context.Background(), p.WorkbasketID); err != nil {
		return err
	}
	return nil
}

func (p *ReviewerWorkbasket) AfterRequestReview(_ context.Context, task tasks.Task) (tasks.Task, error) {
	task.WorkbasketID = p.WorkbasketID
	if p.Owner != "" {
		task.Owner = p.Owner
	}
	return task, nil
}

// ResetCustomOnChanges clears custom fields before a task is sent back for
// changes. With no fields configured all custom fields are cleared.
type ResetCustomOnChanges struct {
	Fields []string
}

func (p *ResetCustomOnChanges) Initialize(Engine) error { return nil }

func (p *ResetCustomOnChanges) BeforeRequestChanges(_ context.Context, task tasks.Task) (tasks.Task, error) {
	if len(p.Fields) == 0 {
		task.CustomFields = nil
		return task, nil
	}
	for _, f := range p.Fields {
		delete(task.CustomFields, f)
	}
	return task, nil
}

// AttributeDefaults fills task attributes that the creator left unset.
type AttributeDefaults struct {
	Defaults map[string]string
}

func (p *AttributeDefaults) Initialize(Engine) error { return nil }

func (p *AttributeDefaults) ProcessTaskBeforeCreation(_ context.Context, task tasks.Task) (tasks.Task, error) {
	if len(p.Defaults) == 0 {
		return task, nil
	}
	if task.Attributes == nil {
		task.Attributes = make(map[string]string, len(p.Defaults))
	}
	for k, v := range p.Defaults {
		if _, ok := task.Attributes[k]; !ok {
			task.Attributes[k] = v
		}
	}
	return task, nil
}
