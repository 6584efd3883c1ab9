package store

import (
	"log/slog"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/task"
)

// BusNotifier publishes task changes onto the in-process bus. It never
// blocks the caller and never returns an error: delivery failures are the
// bus's own drop-count problem, logged there, not here.
type BusNotifier struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewBusNotifier wraps b. logger may be nil.
func NewBusNotifier(b *bus.Bus, logger *slog.Logger) *BusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: b, logger: logger}
}

// NotifyTaskChange publishes the right topic for the snapshot's status.
// Best-effort: bus.Publish is itself non-blocking, so this never slows down
// the executor that just changed the task's state.
func (n *BusNotifier) NotifyTaskChange(snap task.Snapshot) {
	accountID, _ := snap.Properties["discordInstanceId"].(string)

	n.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    snap.ID,
		AccountID: accountID,
		NewStatus: string(snap.Status),
	})

	switch snap.Status {
	case task.NotStart:
		// First notification for a task is its admission onto the queue.
		position := 0
		if raw, ok := snap.Properties["numberOfQueues"].(int); ok {
			position = raw
		}
		n.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
			TaskID:        snap.ID,
			AccountID:     accountID,
			QueuePosition: position,
		})
	case task.Success:
		var durationMs int64
		if snap.StartTime > 0 && snap.FinishTime >= snap.StartTime {
			durationMs = snap.FinishTime - snap.StartTime
		}
		n.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			TaskID:     snap.ID,
			AccountID:  accountID,
			DurationMs: durationMs,
		})
	case task.Failure, task.Cancel:
		n.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			TaskID:      snap.ID,
			AccountID:   accountID,
			Description: snap.FailReason,
		})
	}
}
