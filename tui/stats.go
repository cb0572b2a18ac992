package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/prospect/types"
)

// Source supplies the dashboard data. coord.Store and store.Store
// satisfy the two methods between them; tests substitute fakes.
type Source interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
	JobStateCounts(ctx context.Context) (map[types.JobState]int, error)
}

// Stats is one polled dashboard sample.
type Stats struct {
	QueueDepths map[string]int64
	JobStates   map[types.JobState]int
	FetchedAt   time.Time
	Err         error
}

// Fetch gathers one sample. A partial failure still returns the data
// that loaded, with Err set.
func Fetch(ctx context.Context, source Source) Stats {
	stats := Stats{FetchedAt: time.Now()}
	depths, err := source.QueueDepths(ctx)
	if err != nil {
		stats.Err = err
	} else {
		stats.QueueDepths = depths
	}
	states, err := source.JobStateCounts(ctx)
	if err != nil && stats.Err == nil {
		stats.Err = err
	} else if err == nil {
		stats.JobStates = states
	}
	return stats
}

// StatsModel is the Bubble Tea model for the stats dashboard.
type StatsModel struct {
	source   Source
	interval time.Duration
	stats    Stats
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a polling stats model. Interval defaults to 2s.
func NewStatsModel(source Source, interval time.Duration) StatsModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return StatsModel{source: source, interval: interval}
}

type tickMsg time.Time

type statsMsg Stats

func (m StatsModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	return statsMsg(Fetch(ctx, m.source))
}

func (m StatsModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return m.fetch
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case statsMsg:
		m.stats = Stats(msg)
		return m, m.schedule()

	case tickMsg:
		return m, m.fetch

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Prospect Pipeline"))
	b.WriteString("\n\n")
	b.WriteString(m.renderJobStates())
	b.WriteString("\n\n")
	b.WriteString(m.renderQueues())

	if m.stats.Err != nil {
		b.WriteString("\n\n")
		b.WriteString(ErrorStyle.Render("fetch error: " + m.stats.Err.Error()))
	}
	if !m.stats.FetchedAt.IsZero() {
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("updated " + m.stats.FetchedAt.Format("15:04:05")))
	}

	help := HelpStyle.Render("r refresh · q quit")
	return b.String() + "\n" + help
}

func (m StatsModel) renderJobStates() string {
	var b strings.Builder
	b.WriteString(SectionStyle.Render("Jobs"))
	b.WriteString("\n")

	order := []types.JobState{
		types.JobStateQueued, types.JobStateRunning,
		types.JobStateSucceeded, types.JobStateFailed,
	}
	boxes := make([]string, 0, len(order))
	for _, state := range order {
		boxes = append(boxes, m.renderStatBox(string(state),
			int64(m.stats.JobStates[state]), stateColor(string(state))))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	// Rare states only when present.
	for _, state := range []types.JobState{types.JobStateEscalated, types.JobStateDeadLetter} {
		if n := m.stats.JobStates[state]; n > 0 {
			b.WriteString("\n")
			b.WriteString(fmt.Sprintf("%s %s",
				LabelStyle.Render(string(state)+":"),
				ValueStyle.Render(fmt.Sprintf("%d", n))))
		}
	}
	return b.String()
}

func (m StatsModel) renderQueues() string {
	var b strings.Builder
	b.WriteString(SectionStyle.Render("Queues"))
	b.WriteString("\n")

	names := make([]string, 0, len(m.stats.QueueDepths))
	for name := range m.stats.QueueDepths {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		b.WriteString(HelpStyle.Render("no queue data"))
		return b.String()
	}
	for _, name := range names {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render(name),
			ValueStyle.Render(fmt.Sprintf("%d", m.stats.QueueDepths[name]))))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// keyMap defines key bindings.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

// RunStatsTUI runs the polling dashboard until the user quits.
func RunStatsTUI(source Source, interval time.Duration) error {
	model := NewStatsModel(source, interval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders one sample without the full TUI, for
// non-TTY output.
func RenderStatsStatic(ctx context.Context, source Source) string {
	model := NewStatsModel(source, 0)
	model.stats = Fetch(ctx, source)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
