package bus

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	select {
	case event := <-taskSub.Ch():
		if event.Topic != "task.created" {
			t.Fatalf("topic = %q, want task.created", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub must not see system.status.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != DefaultSubscriberBuffer {
		t.Fatalf("received %d events, expected %d (buffer depth)", count, DefaultSubscriberBuffer)
	}
}

func TestBus_SubscribeBufferedHonorsDepth(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("test", 3)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish("test.event", i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != 3 {
		t.Fatalf("received %d events, want 3 (explicit depth)", count)
	}
	if b.DroppedEventCount() != 2 {
		t.Fatalf("dropped = %d, want 2", b.DroppedEventCount())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}

	// Double unsubscribe must not panic or double-close.
	b.Unsubscribe(sub)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_DroppedEventLogging(t *testing.T) {
	// Warnings fire at decade counts (1, 10, 100).
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer so subsequent publishes drop.
	for i := 0; i < DefaultSubscriberBuffer; i++ {
		b.Publish("test.event", i)
	}
	for i := 0; i < 10; i++ {
		b.Publish("test.event", "drop")
	}

	logOutput := buf.String()
	if !containsSubstring(logOutput, "bus dropped events") {
		t.Fatalf("expected drop warning in log output, got: %s", logOutput)
	}
	if b.DroppedEventCount() != 10 {
		t.Fatalf("dropped count = %d, want 10", b.DroppedEventCount())
	}
}

func TestBus_DropWarningOnlyAtDecades(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	for i := 0; i < DefaultSubscriberBuffer; i++ {
		b.Publish("test.event", i)
	}

	// First drop lands on decade count 1.
	b.Publish("test.event", "drop1")
	if got := countSubstring(buf.String(), "bus dropped events"); got != 1 {
		t.Fatalf("expected 1 warning at count=1, got %d: %s", got, buf.String())
	}

	// Drops 2 through 9 are between decades and must stay silent.
	buf.Reset()
	for i := 0; i < 8; i++ {
		b.Publish("test.event", "drop")
	}
	if buf.Len() > 0 {
		t.Fatalf("unexpected log output between decades: %s", buf.String())
	}

	// Drop 10 is the next decade.
	b.Publish("test.event", "drop10")
	if got := countSubstring(buf.String(), "bus dropped events"); got != 1 {
		t.Fatalf("expected 1 warning at count=10, got %d: %s", got, buf.String())
	}
}

func TestIsDecade(t *testing.T) {
	tests := []struct {
		n    int64
		want bool
	}{
		{0, false},
		{1, true},
		{5, false},
		{10, true},
		{99, false},
		{100, true},
		{110, false},
		{1000, true},
		{5000, false},
	}
	for _, tt := range tests {
		if got := isDecade(tt.n); got != tt.want {
			t.Errorf("isDecade(%d) = %t, want %t", tt.n, got, tt.want)
		}
	}
}

func containsSubstring(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func countSubstring(s, substr string) int {
	return bytes.Count([]byte(s), []byte(substr))
}
