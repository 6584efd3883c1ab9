package main

import (
	"fmt"
	"sync"

	"github.com/basket/dispatchd/internal/bus"
)

// activityTracker mirrors the bus onto two small rolling fields the
// dashboard reads each tick: the most recent event of any kind, and the
// most recent instance.alert (a watchdog timeout, most commonly).
// Last-value-wins is enough; the dashboard only ever renders the single
// most recent line of each.
type activityTracker struct {
	mu        sync.Mutex
	lastEvent string
	lastAlert string
	sub       *bus.Subscription
}

func newActivityTracker(b *bus.Bus) *activityTracker {
	// Catch-all subscription sees every topic at once, so it gets a deeper
	// buffer than a single-topic consumer would.
	t := &activityTracker{sub: b.SubscribeBuffered("", 256)}
	go t.run()
	return t
}

func (t *activityTracker) run() {
	for evt := range t.sub.Ch() {
		t.mu.Lock()
		t.lastEvent = describeEvent(evt)
		if evt.Topic == bus.TopicInstanceAlert {
			if alert, ok := evt.Payload.(bus.InstanceAlert); ok {
				t.lastAlert = fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.AccountID, alert.Message)
			}
		}
		t.mu.Unlock()
	}
}

func (t *activityTracker) snapshot() (lastEvent, lastAlert string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEvent, t.lastAlert
}

func describeEvent(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return fmt.Sprintf("%s: now %s", p.TaskID, p.NewStatus)
	case bus.TaskCompletedEvent:
		return fmt.Sprintf("%s: completed on %s", p.TaskID, p.AccountID)
	case bus.TaskFailedEvent:
		return fmt.Sprintf("%s: failed (%s)", p.TaskID, p.Description)
	case bus.TaskQueuedEvent:
		return fmt.Sprintf("%s: queued at position %d", p.TaskID, p.QueuePosition)
	default:
		return evt.Topic
	}
}
