package tasks

import (
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventTaskCreated          EventType = "task_created"
	EventTaskClaimed          EventType = "task_claimed"
	EventTaskClaimCancelled   EventType = "task_claim_cancelled"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskCancelled        EventType = "task_cancelled"
	EventTaskTerminated       EventType = "task_terminated"
	EventTaskReopened         EventType = "task_reopened"
	EventTaskReviewRequested  EventType = "task_review_requested"
	EventTaskChangesRequested EventType = "task_changes_requested"
	EventTaskTransferred      EventType = "task_transferred"
	EventTaskCallbackUpdated  EventType = "task_callback_updated"
	EventTaskDistributed      EventType = "task_distributed"
)

const subscriberBuffer = 256

// Event is published after the scope that produced it was released.
// FromWorkbasketID is set when the event moved the task.
type Event struct {
	Type             EventType `json:"type"`
	TaskID           string    `json:"task_id"`
	WorkbasketID     string    `json:"workbasket_id"`
	FromWorkbasketID string    `json:"from_workbasket_id,omitempty"`
	State            State     `json:"state"`
	Owner            string    `json:"owner,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	Task             Summary   `json:"task"`
	At               time.Time `json:"at"`
}

// Broker fans lifecycle events out to subscribers. Slow subscribers miss
// events instead of blocking the publisher.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	count       int
	onCount     func(int)
}

// NewBroker returns a broker. onCount, when set, is called with the live
// subscriber total after every change.
func NewBroker(onCount func(int)) *Broker {
	return &Broker{
		subscribers: make(map[string]map[int]chan Event),
		onCount:     onCount,
	}
}

// Subscribe registers for events of one workbasket; an empty id receives
// events of every workbasket. The returned func unsubscribes and closes the
// channel.
func (b *Broker) Subscribe(workbasketID string) (<-chan Event, func()) {
	workbasketID = strings.TrimSpace(workbasketID)
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[workbasketID]; !ok {
		b.subscribers[workbasketID] = make(map[int]chan Event)
	}
	b.subscribers[workbasketID][id] = ch
	b.count++
	b.notifyLocked()
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[workbasketID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
				b.count--
				b.notifyLocked()
			}
			if len(subs) == 0 {
				delete(b.subscribers, workbasketID)
			}
		})
	}
}

// Publish delivers evt to subscribers of its workbasket, of the workbasket
// it came from, and to catch-all subscribers.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(evt.WorkbasketID, evt)
	if evt.FromWorkbasketID != "" && evt.FromWorkbasketID != evt.WorkbasketID {
		b.sendLocked(evt.FromWorkbasketID, evt)
	}
	if evt.WorkbasketID != "" {
		b.sendLocked("", evt)
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Broker) sendLocked(key string, evt Event) {
	for _, ch := range b.subscribers[key] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broker) notifyLocked() {
	if b.onCount != nil {
		b.onCount(b.count)
	}
}
