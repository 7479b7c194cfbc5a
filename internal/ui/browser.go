package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Record is one dump entry prepared for interactive browsing.
type Record struct {
	ID      string
	Group   string
	Seq     string
	Name    string
	State   string
	Timing  string
	Retired bool
	// Detail is the full rendered field list shown when the record is
	// opened.
	Detail string
}

type browserModel struct {
	title   string
	records []Record
	table   table.Model
	width   int
	height  int
	detail  bool
}

// NewBrowserModel returns a Bubble Tea model for browsing dump entries.
// Enter opens the selected record, esc closes it, q quits.
func NewBrowserModel(title string, records []Record) tea.Model {
	t := table.New(
		table.WithColumns(browserColumns(80)),
		table.WithRows(browserRows(records, 80)),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)

	return &browserModel{
		title:   title,
		records: records,
		table:   t,
		width:   80,
		height:  20,
	}
}

func (m *browserModel) Init() tea.Cmd {
	return nil
}

func (m *browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if len(m.records) > 0 {
				m.detail = !m.detail
			}
			return m, nil
		case "esc":
			if m.detail {
				m.detail = false
				return m, nil
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.height = msg.Height
			m.table.SetColumns(browserColumns(msg.Width))
			m.table.SetRows(browserRows(m.records, msg.Width))
			if msg.Height > 8 {
				m.table.SetHeight(msg.Height - 6)
			}
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *browserModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	hintStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	if m.detail {
		idx := m.table.Cursor()
		if idx >= 0 && idx < len(m.records) {
			box := lipgloss.NewStyle().
				Border(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("240")).
				Padding(0, 1).
				Width(m.width - 4)
			b.WriteString(box.Render(m.records[idx].Detail))
			b.WriteString("\n")
		}
		b.WriteString(hintStyle.Render("esc: back  q: quit"))
		b.WriteString("\n")
		return b.String()
	}

	if len(m.records) == 0 {
		b.WriteString("no entries recorded\n\n")
		b.WriteString(hintStyle.Render("q: quit"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(hintStyle.Render(fmt.Sprintf("%d entries  enter: open  q: quit", len(m.records))))
	b.WriteString("\n")
	return b.String()
}

func browserColumns(width int) []table.Column {
	nameWidth := width - 52
	if nameWidth < 16 {
		nameWidth = 16
	}
	return []table.Column{
		{Title: "id", Width: 6},
		{Title: "group", Width: 8},
		{Title: "seq", Width: 6},
		{Title: "name", Width: nameWidth},
		{Title: "state", Width: 10},
		{Title: "timing", Width: 12},
		{Title: "retired", Width: 7},
	}
}

func browserRows(records []Record, width int) []table.Row {
	nameWidth := width - 52
	if nameWidth < 16 {
		nameWidth = 16
	}
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		retired := ""
		if r.Retired {
			retired = "yes"
		}
		rows = append(rows, table.Row{
			r.ID,
			truncate(r.Group, 8),
			r.Seq,
			truncate(r.Name, nameWidth),
			r.State,
			r.Timing,
			retired,
		})
	}
	return rows
}
