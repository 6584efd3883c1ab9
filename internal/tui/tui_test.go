package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Instances: []InstanceSnapshot{
			{AccountID: "acc-1", Enabled: true, CoreSize: 4, Running: 2, Queued: 1},
			{AccountID: "acc-2", Enabled: false, CoreSize: 2, Running: 0, Queued: 0},
		},
		DroppedEvents: 3,
		LastEvent:     "task.completed",
		Uptime:        90 * time.Second,
	}
}

func TestView_ListsEveryInstance(t *testing.T) {
	m := model{provider: sampleSnapshot, snap: sampleSnapshot()}
	view := m.View()
	if !strings.Contains(view, "acc-1") || !strings.Contains(view, "acc-2") {
		t.Fatalf("expected both accounts rendered, got:\n%s", view)
	}
	if !strings.Contains(view, "dispatchd") {
		t.Fatal("expected header")
	}
}

func TestView_ShowsNoneForEmptyErrorAndEvent(t *testing.T) {
	m := model{provider: sampleSnapshot, snap: Snapshot{}}
	view := m.View()
	if !strings.Contains(view, "(none)") {
		t.Fatalf("expected placeholder for empty error/event, got:\n%s", view)
	}
}

func TestUpdate_QuitsOnQ(t *testing.T) {
	m := model{provider: sampleSnapshot, snap: sampleSnapshot()}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}

func TestUpdate_TickRefreshesSnapshot(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{DroppedEvents: int64(calls)}
	}
	m := model{provider: provider, snap: Snapshot{}}
	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected a follow-up tick command")
	}
	um := updated.(model)
	if um.snap.DroppedEvents != 1 {
		t.Fatalf("DroppedEvents = %d, want 1 (provider called once)", um.snap.DroppedEvents)
	}
}

func TestInit_SchedulesATick(t *testing.T) {
	m := model{provider: sampleSnapshot, snap: sampleSnapshot()}
	if m.Init() == nil {
		t.Fatal("expected Init to return a tick command")
	}
}
