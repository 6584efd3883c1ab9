package store

import (
	"testing"
	"time"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/task"
)

func TestBusNotifier_PublishesStateChangeAndCompletion(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	n := NewBusNotifier(b, nil)
	ti := task.New("t1")
	ti.SetProperty("discordInstanceId", "acc-1")
	_ = ti.SetStatus(task.Submitted)
	_ = ti.SetStatus(task.Success)
	n.NotifyTaskChange(ti.Snapshot())

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case evt := <-sub.Ch():
			seen[evt.Topic] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, saw: %v", seen)
		}
	}
	if !seen[bus.TopicTaskStateChanged] || !seen[bus.TopicTaskCompleted] {
		t.Fatalf("expected state_changed and completed topics, got %v", seen)
	}
}

func TestBusNotifier_PublishesQueuedForNotStartSnapshot(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskQueued)
	defer b.Unsubscribe(sub)

	n := NewBusNotifier(b, nil)
	ti := task.New("t1")
	ti.SetProperty("discordInstanceId", "acc-1")
	ti.SetProperty("numberOfQueues", 2)
	n.NotifyTaskChange(ti.Snapshot())

	select {
	case evt := <-sub.Ch():
		queued, ok := evt.Payload.(bus.TaskQueuedEvent)
		if !ok || queued.QueuePosition != 2 || queued.AccountID != "acc-1" {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued event")
	}
}

func TestBusNotifier_PublishesFailedOnFailure(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskFailed)
	defer b.Unsubscribe(sub)

	n := NewBusNotifier(b, nil)
	ti := task.New("t1")
	_ = ti.Fail("rejected")
	n.NotifyTaskChange(ti.Snapshot())

	select {
	case evt := <-sub.Ch():
		failed, ok := evt.Payload.(bus.TaskFailedEvent)
		if !ok || failed.Description != "rejected" {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failed event")
	}
}
