package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// InstanceSnapshot is the dashboard's view of one account's instance.
type InstanceSnapshot struct {
	AccountID string
	Enabled   bool
	CoreSize  int
	Running   int
	Queued    int
}

// Snapshot is the full dashboard state, refreshed once per tick.
type Snapshot struct {
	Instances     []InstanceSnapshot
	DroppedEvents int64
	LastError     string
	LastEvent     string
	Uptime        time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("dispatchd") + "\n\n")
	b.WriteString(fmt.Sprintf("%-16s %-7s %-9s %-8s %-7s\n", "ACCOUNT", "ENABLED", "CORE_SIZE", "RUNNING", "QUEUED"))
	for _, inst := range m.snap.Instances {
		line := fmt.Sprintf("%-16s %-7t %-9d %-8d %-7d", inst.AccountID, inst.Enabled, inst.CoreSize, inst.Running, inst.Queued)
		if !inst.Enabled {
			line = disabledStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	errLine := lastErr
	if lastErr != "(none)" {
		errLine = errorStyle.Render(lastErr)
	}
	b.WriteString(fmt.Sprintf("\nDropped notifications: %d\nUptime: %s\nLast Error: %s\nLast Event: %s\n\nPress q to quit.\n",
		m.snap.DroppedEvents,
		m.snap.Uptime.Truncate(time.Second),
		errLine,
		lastEvent,
	))
	return b.String()
}

func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
