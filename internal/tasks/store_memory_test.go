package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreInsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := NewTask("WBI:inbox")
	task.ID = NewTaskID()
	task.ExternalID = NewExternalID()
	task.CustomFields = map[string]string{"customer": "acme"}
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask() error = %v", err)
	}
	if err := store.InsertTask(ctx, task); !errors.Is(err, ErrStoreConflict) {
		t.Fatalf("second InsertTask() error = %v, want ErrStoreConflict", err)
	}

	got, err := store.GetTaskByExternalID(ctx, task.ExternalID)
	if err != nil {
		t.Fatalf("GetTaskByExternalID() error = %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("GetTaskByExternalID() id = %q, want %q", got.ID, task.ID)
	}

	got.CustomFields["customer"] = "mutated"
	again, _ := store.GetTask(ctx, task.ID)
	if again.CustomFields["customer"] != "acme" {
		t.Fatalf("store returned shared map; got %q", again.CustomFields["customer"])
	}

	if _, err := store.GetTask(ctx, "TKI:missing"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetTask(missing) error = %v, want ErrStoreNotFound", err)
	}
}

func TestMemoryStoreListsInCreationOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		task := NewTask("WBI:a")
		task.ID = NewTaskID()
		task.ExternalID = NewExternalID()
		if i == 2 {
			task.State = StateCompleted
		}
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask() error = %v", err)
		}
		ids = append(ids, task.ID)
	}
	other := NewTask("WBI:b")
	other.ID = NewTaskID()
	other.ExternalID = NewExternalID()
	_ = store.InsertTask(ctx, other)

	all, err := store.ListTasksByWorkbasket(ctx, "WBI:a")
	if err != nil {
		t.Fatalf("ListTasksByWorkbasket() error = %v", err)
	}
	if len(all) != 4 || all[0].ID != ids[0] || all[3].ID != ids[3] {
		t.Fatalf("ListTasksByWorkbasket() returned %d tasks out of order", len(all))
	}

	ready, _ := store.ListTasksByWorkbasket(ctx, "WBI:a", StateReady)
	if len(ready) != 3 {
		t.Fatalf("ready tasks = %d, want 3", len(ready))
	}

	byID, _ := store.ListTasksByIDs(ctx, []string{ids[3], "TKI:missing", ids[1]})
	if len(byID) != 2 || byID[0].ID != ids[3] || byID[1].ID != ids[1] {
		t.Fatalf("ListTasksByIDs() did not keep request order")
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	if err := store.UpdateTask(context.Background(), Task{ID: "TKI:nope"}); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("UpdateTask() error = %v, want ErrStoreNotFound", err)
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	p := 5
	task := Task{ManualPriority: &p, Claimed: &now, CustomInts: map[string]int{"score": 1}}
	clone := task.Clone()
	*clone.ManualPriority = 9
	clone.CustomInts["score"] = 2
	if *task.ManualPriority != 5 || task.CustomInts["score"] != 1 {
		t.Fatalf("Clone() shares state with the original")
	}
}

func TestStateSets(t *testing.T) {
	if !StateCancelled.IsEndState() || StateCancelled.IsFinal() {
		t.Fatalf("CANCELLED should be an end state but not final")
	}
	if !StateTerminated.IsFinal() {
		t.Fatalf("TERMINATED should be final")
	}
	if !StateInReview.IsClaimed() || StateReadyForReview.IsClaimed() {
		t.Fatalf("claimed states are CLAIMED and IN_REVIEW")
	}
	if _, err := ParseState("ready_for_review"); err != nil {
		t.Fatalf("ParseState() error = %v", err)
	}
	if !strings.HasPrefix(NewTaskID(), "TKI:") || !strings.HasPrefix(NewExternalID(), "ETI:") {
		t.Fatalf("unexpected id prefixes")
	}
}

func TestInvalidStateErrorNamesStates(t *testing.T) {
	err := &InvalidStateError{TaskID: "TKI:1", State: StateTerminated, Required: []State{StateCompleted, StateCancelled}}
	msg := err.Error()
	if !strings.Contains(msg, "TERMINATED") || !strings.Contains(msg, "TKI:1") {
		t.Fatalf("Error() = %q", msg)
	}
}
