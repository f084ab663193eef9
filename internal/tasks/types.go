package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateReady          State = "READY"
	StateClaimed        State = "CLAIMED"
	StateReadyForReview State = "READY_FOR_REVIEW"
	StateInReview       State = "IN_REVIEW"
	StateCompleted      State = "COMPLETED"
	StateCancelled      State = "CANCELLED"
	StateTerminated     State = "TERMINATED"
)

var (
	EndStates     = []State{StateCompleted, StateCancelled, StateTerminated}
	FinalStates   = []State{StateTerminated}
	ClaimedStates = []State{StateClaimed, StateInReview}
)

func (s State) In(states ...State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

func (s State) IsEndState() bool { return s.In(EndStates...) }
func (s State) IsFinal() bool    { return s.In(FinalStates...) }
func (s State) IsClaimed() bool  { return s.In(ClaimedStates...) }

func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StateReady, StateClaimed, StateReadyForReview, StateInReview,
		StateCompleted, StateCancelled, StateTerminated:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task state %q", v)
	}
}

type CallbackState string

const (
	CallbackNone                CallbackState = "NONE"
	CallbackProcessingRequired  CallbackState = "CALLBACK_PROCESSING_REQUIRED"
	CallbackClaimed             CallbackState = "CLAIMED"
	CallbackProcessingCompleted CallbackState = "CALLBACK_PROCESSING_COMPLETED"
)

func ParseCallbackState(v string) (CallbackState, error) {
	s := CallbackState(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case "":
		return CallbackNone, nil
	case CallbackNone, CallbackProcessingRequired, CallbackClaimed, CallbackProcessingCompleted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown callback state %q", v)
	}
}

// Task is one unit of work routed between workbaskets.
type Task struct {
	ID             string            `json:"id"`
	ExternalID     string            `json:"external_id"`
	Name           string            `json:"name,omitempty"`
	Note           string            `json:"note,omitempty"`
	State          State             `json:"state"`
	CallbackState  CallbackState     `json:"callback_state"`
	WorkbasketID   string            `json:"workbasket_id"`
	Owner          string            `json:"owner,omitempty"`
	Priority       int               `json:"priority"`
	ManualPriority *int              `json:"manual_priority,omitempty"`
	Reopened       bool              `json:"reopened"`
	Read           bool              `json:"read"`
	Transferred    bool              `json:"transferred"`
	Created        time.Time         `json:"created"`
	Modified       time.Time         `json:"modified"`
	Claimed        *time.Time        `json:"claimed,omitempty"`
	Completed      *time.Time        `json:"completed,omitempty"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
	CustomInts     map[string]int    `json:"custom_ints,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// NewTask returns an unsaved READY task in workbasketID.
func NewTask(workbasketID string) Task {
	return Task{
		State:         StateReady,
		CallbackState: CallbackNone,
		WorkbasketID:  strings.TrimSpace(workbasketID),
	}
}

func NewTaskID() string     { return "TKI:" + uuid.NewString() }
func NewExternalID() string { return "ETI:" + uuid.NewString() }

func (t Task) Clone() Task {
	out := t
	if t.ManualPriority != nil {
		p := *t.ManualPriority
		out.ManualPriority = &p
	}
	if t.Claimed != nil {
		c := *t.Claimed
		out.Claimed = &c
	}
	if t.Completed != nil {
		c := *t.Completed
		out.Completed = &c
	}
	out.CustomFields = cloneStrings(t.CustomFields)
	out.Attributes = cloneStrings(t.Attributes)
	if t.CustomInts != nil {
		out.CustomInts = make(map[string]int, len(t.CustomInts))
		for k, v := range t.CustomInts {
			out.CustomInts[k] = v
		}
	}
	return out
}

// Summary is the projection of a task carried by lifecycle events.
type Summary struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id"`
	Name         string `json:"name,omitempty"`
	State        State  `json:"state"`
	WorkbasketID string `json:"workbasket_id"`
	Owner        string `json:"owner,omitempty"`
	Priority     int    `json:"priority"`
}

func (t Task) Summary() Summary {
	return Summary{
		ID:           t.ID,
		ExternalID:   t.ExternalID,
		Name:         t.Name,
		State:        t.State,
		WorkbasketID: t.WorkbasketID,
		Owner:        t.Owner,
		Priority:     t.Priority,
	}
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
