package tasks

import (
	"testing"
	"time"
)

func TestBrokerRoutesByWorkbasket(t *testing.T) {
	var counts []int
	b := NewBroker(func(n int) { counts = append(counts, n) })

	inbox, unsubInbox := b.Subscribe("WBI:inbox")
	defer unsubInbox()
	all, unsubAll := b.Subscribe("")
	defer unsubAll()
	other, unsubOther := b.Subscribe("WBI:other")
	defer unsubOther()

	if b.SubscriberCount() != 3 {
		t.Fatalf("SubscriberCount() = %d, want 3", b.SubscriberCount())
	}

	b.Publish(Event{Type: EventTaskClaimed, TaskID: "TKI:1", WorkbasketID: "WBI:inbox", State: StateClaimed})

	select {
	case evt := <-inbox:
		if evt.TaskID != "TKI:1" || evt.At.IsZero() {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("inbox subscriber did not receive the event")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatalf("catch-all subscriber did not receive the event")
	}
	select {
	case evt := <-other:
		t.Fatalf("other workbasket received %+v", evt)
	default:
	}

	if counts[len(counts)-1] != 3 {
		t.Fatalf("last subscriber count = %d, want 3", counts[len(counts)-1])
	}
}

func TestBrokerNotifiesSourceWorkbasketOnMove(t *testing.T) {
	b := NewBroker(nil)
	src, unsub := b.Subscribe("WBI:src")
	defer unsub()

	b.Publish(Event{Type: EventTaskTransferred, TaskID: "TKI:1", WorkbasketID: "WBI:dst", FromWorkbasketID: "WBI:src"})
	select {
	case <-src:
	case <-time.After(time.Second):
		t.Fatalf("source workbasket subscriber missed the move")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch, unsub := b.Subscribe("WBI:a")
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{WorkbasketID: "WBI:a"})
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker(nil)
	_, unsub := b.Subscribe("WBI:a")
	defer unsub()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{WorkbasketID: "WBI:a"})
	}
}
