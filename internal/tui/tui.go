// Package tui renders the live status dashboard behind `squire status
// --watch`. It knows nothing about HTTP: the caller supplies a
// StatusProvider that assembles a Snapshot, and the model re-polls it on a
// fixed tick.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = 2 * time.Second

// RunRow is one run line in the dashboard.
type RunRow struct {
	RunID     string
	Lane      string
	Executor  string
	Status    string
	StartedAt *time.Time
	CreatedAt time.Time
}

// JobRow is one scheduled job line in the dashboard.
type JobRow struct {
	ID        string
	Name      string
	Enabled   bool
	NextRunAt *time.Time
	Failures  int
}

// Snapshot is everything one poll of the daemon produced.
type Snapshot struct {
	Healthy      bool
	Version      string
	Runs         []RunRow
	Jobs         []JobRow
	QueuePending int
	QueueRunning int

	// Err is set when the poll itself failed; the previous data is kept on
	// screen alongside it.
	Err       string
	FetchedAt time.Time
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
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
		next := m.provider()
		if next.Err != "" && len(next.Runs) == 0 {
			// Keep the last good tables visible under the error banner.
			next.Runs = m.snap.Runs
			next.Jobs = m.snap.Jobs
			next.QueuePending = m.snap.QueuePending
			next.QueueRunning = m.snap.QueueRunning
		}
		m.snap = next
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Underline(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "pending":
		return warnStyle
	case "completed":
		return okStyle
	case "failed", "cancelled":
		return errStyle
	}
	return textStyle
}

func (m model) View() string {
	var out strings.Builder

	health := okStyle.Render("healthy")
	if !m.snap.Healthy {
		health = errStyle.Render("degraded")
	}
	title := "Squire"
	if m.snap.Version != "" {
		title += " " + m.snap.Version
	}
	out.WriteString(titleStyle.Render(title) + "  " + health + "\n")
	if m.snap.Err != "" {
		out.WriteString(errStyle.Render("poll error: "+m.snap.Err) + "\n")
	}
	out.WriteString("\n")

	out.WriteString(headerStyle.Render("Runs") + "\n")
	if len(m.snap.Runs) == 0 {
		out.WriteString(dimStyle.Render("  (none)") + "\n")
	}
	for _, r := range m.snap.Runs {
		line := fmt.Sprintf("  %-14s %-10s %-9s %s  %s",
			shorten(r.RunID, 14), shorten(r.Lane, 10), r.Executor,
			statusStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status)),
			dimStyle.Render(runAge(r)))
		out.WriteString(line + "\n")
	}
	out.WriteString("\n")

	out.WriteString(headerStyle.Render("Jobs") + "\n")
	if len(m.snap.Jobs) == 0 {
		out.WriteString(dimStyle.Render("  (none)") + "\n")
	}
	for _, j := range m.snap.Jobs {
		name := j.Name
		if name == "" {
			name = j.ID
		}
		state := okStyle.Render("enabled")
		if !j.Enabled {
			state = dimStyle.Render("disabled")
		}
		line := fmt.Sprintf("  %-20s %s  next %s", shorten(name, 20), state, nextFire(j.NextRunAt))
		if j.Failures > 0 {
			line += "  " + errStyle.Render(fmt.Sprintf("%d consecutive failures", j.Failures))
		}
		out.WriteString(line + "\n")
	}
	out.WriteString("\n")

	out.WriteString(headerStyle.Render("Queue") + "\n")
	out.WriteString(fmt.Sprintf("  pending %d  running %d\n", m.snap.QueuePending, m.snap.QueueRunning))
	out.WriteString("\n" + dimStyle.Render("q to quit") + "\n")
	return out.String()
}

func runAge(r RunRow) string {
	ref := r.CreatedAt
	if r.StartedAt != nil {
		ref = *r.StartedAt
	}
	if ref.IsZero() {
		return ""
	}
	return time.Since(ref).Truncate(time.Second).String()
}

func nextFire(at *time.Time) string {
	if at == nil {
		return "-"
	}
	d := time.Until(*at).Truncate(time.Second)
	if d < 0 {
		return "due"
	}
	return "in " + d.String()
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

// Run drives the dashboard until the context ends or the user quits.
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
