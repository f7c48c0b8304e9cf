// Package ui provides reusable UI components for the rpkica CLI: a spinner
// for long running work, tables, status badges and the CA tree view.
package ui

import (
	"fmt"
	"strings"

	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// SpinnerModel is a spinner component with a message
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	status   string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerStatusMsg:
		m.status = string(msg)
		return m, nil

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}

	if m.quitting {
		return styles.FormatWarning("Stopped") + "\n"
	}

	line := m.spinner.View() + " " + styles.Normal.Render(m.message)
	if m.status != "" {
		line += " " + styles.Muted.Render(m.status)
	}
	return line + "\n"
}

// Quitting reports whether the user asked to stop.
func (m SpinnerModel) Quitting() bool { return m.quitting }

// SpinnerStatusMsg replaces the status text shown after the message.
type SpinnerStatusMsg string

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// Table renders a bordered table
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row to the table. Missing cells are left blank, extra ones dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
			t.widths[i] = max(t.widths[i], lipgloss.Width(values[i]))
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)
	border := lipgloss.NewStyle().Foreground(styles.Border)

	rule := func(left, mid, right string) string {
		parts := make([]string, len(t.widths))
		for i, w := range t.widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return border.Render(left+strings.Join(parts, mid)+right) + "\n"
	}
	line := func(cells []string, style lipgloss.Style) string {
		var sb strings.Builder
		sb.WriteString(border.Render("│"))
		for i, c := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(c))
			sb.WriteString(border.Render("│"))
		}
		return sb.String() + "\n"
	}

	var sb strings.Builder
	sb.WriteString(rule("┌", "┬", "┐"))
	sb.WriteString(line(t.headers, headerStyle))
	sb.WriteString(rule("├", "┼", "┤"))
	for _, row := range t.rows {
		sb.WriteString(line(row, cellStyle))
	}
	sb.WriteString(strings.TrimSuffix(rule("└", "┴", "┘"), "\n"))
	return sb.String()
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "certified", "ok", "completed", "delivered":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "pending", "uncertified", "processing":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "failed", "dead_letter", "detached", "expired":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// TreeNode is one CA in a delegation tree.
type TreeNode struct {
	Label    string
	Detail   string
	Children []TreeNode
}

// Tree renders a delegation tree with box drawing connectors.
func Tree(root TreeNode) string {
	var sb strings.Builder
	writeNode(&sb, root, "", "")
	return strings.TrimSuffix(sb.String(), "\n")
}

func writeNode(sb *strings.Builder, n TreeNode, prefix, connector string) {
	sb.WriteString(styles.Dim.Render(prefix + connector))
	sb.WriteString(styles.Highlight.Render(n.Label))
	if n.Detail != "" {
		sb.WriteString(" " + styles.Muted.Render(n.Detail))
	}
	sb.WriteString("\n")

	childPrefix := prefix
	switch connector {
	case "├── ":
		childPrefix += "│   "
	case "└── ":
		childPrefix += "    "
	}
	for i, c := range n.Children {
		next := "├── "
		if i == len(n.Children)-1 {
			next = "└── "
		}
		writeNode(sb, c, childPrefix, next)
	}
}

// Banner renders the rpkica banner
func Banner() string {
	banner := `
   ┌───────────────────────────────────┐
   │  r p k i c a                      │
   │  resource certificate authority   │
   └───────────────────────────────────┘
`
	return lipgloss.NewStyle().
		Foreground(styles.Primary).
		Bold(true).
		Render(banner)
}

// SimpleBanner returns a smaller, simpler banner
func SimpleBanner() string {
	return styles.IconAnchor + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("rpkica") +
		" " +
		styles.Muted.Render("- RPKI certificate authority")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		sb.WriteString(styles.ListItem.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}

// NumberedList formats a numbered list
func NumberedList(items []string) string {
	var sb strings.Builder
	numStyle := lipgloss.NewStyle().Foreground(styles.Primary).Width(4)
	for i, item := range items {
		sb.WriteString(numStyle.Render(fmt.Sprintf("%d.", i+1)))
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}
