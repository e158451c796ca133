package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
)

type runTUIKeyMap struct {
	Cancel key.Binding
	Quit   key.Binding
}

func newRunTUIKeyMap() runTUIKeyMap {
	return runTUIKeyMap{
		Cancel: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cancel run"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "cancel and quit"),
		),
	}
}

type snapshotMsg orchestration.ProgressSnapshot

type runFinishedMsg struct{}

var (
	runTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	runHelpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	runCurrentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
)

func trackStatusStyle(status orchestration.TrackStatus) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch status {
	case orchestration.TrackStatusCompleted, orchestration.TrackStatusMerged:
		return style.Foreground(lipgloss.Color("42"))
	case orchestration.TrackStatusFailed:
		return style.Foreground(lipgloss.Color("196"))
	case orchestration.TrackStatusInProgress:
		return style.Foreground(lipgloss.Color("214"))
	case orchestration.TrackStatusBlocked:
		return style.Foreground(lipgloss.Color("208"))
	default:
		return style.Foreground(lipgloss.Color("245"))
	}
}

// runTUIModel renders scheduler progress snapshots.
type runTUIModel struct {
	runID      string
	plan       *orchestration.Plan
	snap       orchestration.ProgressSnapshot
	bar        progress.Model
	keys       runTUIKeyMap
	cancel     func()
	cancelling bool
	finished   bool
	started    time.Time
}

func newRunTUIModel(runID string, plan *orchestration.Plan, cancel func()) runTUIModel {
	return runTUIModel{
		runID:   runID,
		plan:    plan,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		keys:    newRunTUIKeyMap(),
		cancel:  cancel,
		started: time.Now(),
		snap:    orchestration.ProgressSnapshot{Total: len(plan.Tracks)},
	}
}

func (m runTUIModel) Init() tea.Cmd {
	return nil
}

func (m runTUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Cancel):
			m.requestCancel()
			return m, nil
		case key.Matches(msg, m.keys.Quit):
			m.requestCancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		width := msg.Width - 4
		if width > 80 {
			width = 80
		}
		if width > 10 {
			m.bar.Width = width
		}
	case snapshotMsg:
		m.snap = orchestration.ProgressSnapshot(msg)
	case runFinishedMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *runTUIModel) requestCancel() {
	if m.cancelling {
		return
	}
	m.cancelling = true
	if m.cancel != nil {
		m.cancel()
	}
}

func (m runTUIModel) View() string {
	var b strings.Builder

	b.WriteString(runTitleStyle.Render(fmt.Sprintf("Run %s", m.runID)))
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(m.snap.Percent / 100))
	b.WriteString(fmt.Sprintf("  %d/%d done, %d running, %d failed, %d blocked  %s\n\n",
		m.snap.Completed+m.snap.Failed, m.snap.Total, m.snap.Running, m.snap.Failed, m.snap.Blocked,
		time.Since(m.started).Round(time.Second)))

	for i, group := range m.plan.Groups {
		b.WriteString(fmt.Sprintf("Group %d\n", i+1))
		ids := append([]string(nil), group...)
		sort.Strings(ids)
		for _, id := range ids {
			status := m.snap.Statuses[id]
			if status == "" {
				status = orchestration.TrackStatusPending
			}
			line := fmt.Sprintf("  %-24s %s", id, trackStatusStyle(status).Render(string(status)))
			if t, ok := m.plan.Track(id); ok && m.snap.Current != "" && t.Name == m.snap.Current {
				line = runCurrentStyle.Render("▸") + line[1:]
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.finished:
		b.WriteString(runHelpStyle.Render("finished"))
	case m.cancelling:
		b.WriteString(runHelpStyle.Render("cancelling..."))
	default:
		b.WriteString(runHelpStyle.Render(fmt.Sprintf("%s • %s", m.keys.Cancel.Help().Key+" "+m.keys.Cancel.Help().Desc, m.keys.Quit.Help().Key+" "+m.keys.Quit.Help().Desc)))
	}
	b.WriteString("\n")
	return b.String()
}

// runProgressTUI shows progress until updates closes. The returned channel is
// closed once the program exits.
func runProgressTUI(runID string, plan *orchestration.Plan, updates <-chan orchestration.ProgressSnapshot, cancel func()) <-chan error {
	p := tea.NewProgram(newRunTUIModel(runID, plan, cancel))
	done := make(chan error, 1)

	go func() {
		for snap := range updates {
			p.Send(snapshotMsg(snap))
		}
		p.Send(runFinishedMsg{})
	}()

	go func() {
		_, err := p.Run()
		done <- err
		close(done)
	}()

	return done
}
