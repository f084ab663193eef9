package apperr

import (
	"encoding/json"
	"sync"
)

// BulkOutcome collects per-item failures of a batch operation. Items that
// never show up in it succeeded.
type BulkOutcome struct {
	mu     sync.Mutex
	order  []string
	failed map[string]error
}

func NewBulkOutcome() *BulkOutcome {
	return &BulkOutcome{failed: make(map[string]error)}
}

// Add records err for id. A nil err is ignored; the first failure per id wins.
func (b *BulkOutcome) Add(id string, err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.failed[id]; exists {
		return
	}
	b.failed[id] = err
	b.order = append(b.order, id)
}

func (b *BulkOutcome) ContainsErrors() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failed) > 0
}

// FailedIDs returns the failed ids in the order they were recorded.
func (b *BulkOutcome) FailedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

func (b *BulkOutcome) Err(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed[id]
}

func (b *BulkOutcome) Errors() map[string]error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]error, len(b.failed))
	for k, v := range b.failed {
		out[k] = v
	}
	return out
}

type bulkFailureJSON struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type bulkOutcomeJSON struct {
	ContainsErrors bool                       `json:"contains_errors"`
	Failed         map[string]bulkFailureJSON `json:"failed"`
}

func (b *BulkOutcome) MarshalJSON() ([]byte, error) {
	out := bulkOutcomeJSON{Failed: map[string]bulkFailureJSON{}}
	for id, err := range b.Errors() {
		out.Failed[id] = bulkFailureJSON{Code: CodeOf(err), Message: err.Error()}
	}
	out.ContainsErrors = len(out.Failed) > 0
	return json.Marshal(out)
}
