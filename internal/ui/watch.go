package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Event reports one rank's progress through a simulated workload.
type Event struct {
	Rank int
	// Op is the profiling name of the operation the rank is on.
	Op string
	// Status is the rank's current activity: enqueued, running, completed,
	// hung, failed.
	Status string
	// Completed counts finished operations across all ranks.
	Completed int
}

type watchModel struct {
	title   string
	events  <-chan Event
	spinner spinner.Model
	prog    progress.Model
	rows    []rankRow
	total   int
	width   int
	done    bool
}

type rankRow struct {
	rank   int
	op     string
	status string
}

type eventMsg Event
type doneMsg struct{}

// NewWatchModel returns a Bubble Tea model that renders live per-rank
// collective progress. The model quits once events closes.
func NewWatchModel(title string, ranks, totalOps int, events <-chan Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	rows := make([]rankRow, ranks)
	for i := range rows {
		rows[i] = rankRow{rank: i, status: "queued"}
	}
	return &watchModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		rows:    rows,
		total:   totalOps,
		width:   80,
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progModel, cmd := m.prog.Update(msg)
		m.prog = progModel.(progress.Model)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *watchModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 12
	opWidth := m.width - statusWidth - 12
	if opWidth < 20 {
		opWidth = 20
	}

	for _, row := range m.rows {
		op := truncate(row.op, opWidth)
		statusStyled := styleStatus(row.status).Render(fmt.Sprintf("%12s", row.status))
		b.WriteString(fmt.Sprintf("  rank %2d %s %s", row.rank, statusStyled, op))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *watchModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *watchModel) applyEvent(ev Event) tea.Cmd {
	if ev.Rank >= 0 && ev.Rank < len(m.rows) {
		if ev.Op != "" {
			m.rows[ev.Rank].op = ev.Op
		}
		if ev.Status != "" {
			m.rows[ev.Rank].status = ev.Status
		}
	}
	if m.total > 0 {
		pct := float64(ev.Completed) / float64(m.total)
		if pct > 1.0 {
			pct = 1.0
		}
		return m.prog.SetPercent(pct)
	}
	return nil
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "completed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "hung", "failed", "aborted":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "running", "started", "enqueued":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
