// Package tui renders a live dashboard for a sweep: run rows from the
// results store on the left, status counts on the right, and the tail of
// the shared logbook underneath. It follows the bubbletea Elm loop:
// messages arrive, Update mutates the model, View renders it.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/results"
)

const boardRefreshInterval = 3 * time.Second

// RunSource is the slice of the results store the dashboard reads.
type RunSource interface {
	List(sweepID string) ([]results.Run, error)
}

type runsRefreshMsg struct {
	runs []results.Run
	err  error
}

type statusTally struct {
	Total     int
	Running   int
	Completed int
	Failed    int
	Canceled  int
}

// runItem adapts a results row to the bubbles list item interface.
type runItem struct {
	run results.Run
}

func (i runItem) Title() string {
	return fmt.Sprintf("%s %s", statusGlyph(i.run.Status), i.run.InstanceID)
}

func (i runItem) Description() string {
	parts := []string{fmt.Sprintf("gpu %d", i.run.Device)}
	switch i.run.Status {
	case results.StatusRunning:
		if !i.run.StartedAt.IsZero() {
			parts = append(parts, fmt.Sprintf("running %s", humanizeDuration(time.Since(i.run.StartedAt))))
		} else {
			parts = append(parts, "running")
		}
	case results.StatusCompleted:
		parts = append(parts, "completed")
	case results.StatusFailed:
		parts = append(parts, fmt.Sprintf("exit %d", i.run.ExitCode))
	case results.StatusCanceled:
		parts = append(parts, "canceled")
	default:
		parts = append(parts, string(i.run.Status))
	}
	if !i.run.StartedAt.IsZero() && !i.run.FinishedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("took %s", humanizeDuration(i.run.FinishedAt.Sub(i.run.StartedAt))))
	}
	return strings.Join(parts, " · ")
}

func (i runItem) FilterValue() string { return i.run.InstanceID }

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithRefreshInterval overrides the board refresh cadence.
func WithRefreshInterval(interval time.Duration) AppOption {
	return func(a *App) {
		if interval > 0 {
			a.refreshInterval = interval
		}
	}
}

// App is the dashboard model. It holds all state the views render from.
type App struct {
	sweepID string
	source  RunSource
	book    *logbook.Logbook

	runList         list.Model
	tally           statusTally
	refreshInterval time.Duration
	statusMsg       string
	boardErr        string
	lastRefresh     time.Time

	width  int
	height int
}

// NewApp builds the dashboard over a results source and logbook.
func NewApp(sweepID string, source RunSource, book *logbook.Logbook, opts ...AppOption) *App {
	runList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	runList.Title = fmt.Sprintf("Runs · %s", sweepID)
	runList.SetShowStatusBar(false)
	runList.SetFilteringEnabled(false)
	app := &App{
		sweepID:         sweepID,
		source:          source,
		book:            book,
		runList:         runList,
		refreshInterval: boardRefreshInterval,
		statusMsg:       "q to quit · r to refresh",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init kicks off the first board refresh.
func (a *App) Init() tea.Cmd {
	return a.fetchRuns()
}

// Update handles one message and returns the next model state.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.runList.SetSize(max(20, msg.Width-40), max(8, msg.Height-14))
		return a, nil

	case runsRefreshMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.applyRuns(msg.runs)
			a.lastRefresh = time.Now()
		}
		return a, a.scheduleRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchRuns()
		}
	}

	var cmd tea.Cmd
	a.runList, cmd = a.runList.Update(msg)
	return a, cmd
}

func (a *App) applyRuns(runs []results.Run) {
	items := make([]list.Item, 0, len(runs))
	tally := statusTally{Total: len(runs)}
	for _, run := range runs {
		items = append(items, runItem{run: run})
		switch run.Status {
		case results.StatusRunning:
			tally.Running++
		case results.StatusCompleted:
			tally.Completed++
		case results.StatusFailed:
			tally.Failed++
		case results.StatusCanceled:
			tally.Canceled++
		}
	}
	a.runList.SetItems(items)
	a.tally = tally
	a.statusMsg = "q to quit · r to refresh"
}

func (a *App) fetchRuns() tea.Cmd {
	return func() tea.Msg {
		if a.source == nil {
			return runsRefreshMsg{err: fmt.Errorf("no results source")}
		}
		runs, err := a.source.List(a.sweepID)
		return runsRefreshMsg{runs: runs, err: err}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.refreshInterval, func(time.Time) tea.Msg {
		if a.source == nil {
			return runsRefreshMsg{err: fmt.Errorf("no results source")}
		}
		runs, err := a.source.List(a.sweepID)
		return runsRefreshMsg{runs: runs, err: err}
	})
}

// View renders the dashboard.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(28, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ CRUCIBLE")

	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, leftWidth)).
		Render(a.runList.View())

	var body string
	if rightWidth > 0 {
		rightBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1).
			Width(max(20, rightWidth)).
			Render(a.renderTallyPanel())
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = leftBox
	}

	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderTallyPanel() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Sweep %s", a.sweepID))
	lines := []string{
		fmt.Sprintf("Total:     %d", a.tally.Total),
		fmt.Sprintf("Running:   %d", a.tally.Running),
		fmt.Sprintf("Completed: %d", a.tally.Completed),
		fmt.Sprintf("Failed:    %d", a.tally.Failed),
	}
	if a.tally.Canceled > 0 {
		lines = append(lines, fmt.Sprintf("Canceled:  %d", a.tally.Canceled))
	}
	if !a.lastRefresh.IsZero() {
		lines = append(lines, fmt.Sprintf("Updated %s ago", humanizeDuration(time.Since(a.lastRefresh))))
	}
	if a.boardErr != "" {
		lines = append(lines, fmt.Sprintf("⚠ %s", a.boardErr))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"))
}

func (a *App) renderLogPanel() string {
	if a.book == nil {
		return ""
	}
	lines := a.book.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("LOGBOOK")
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func statusGlyph(status results.Status) string {
	switch status {
	case results.StatusRunning:
		return "▶"
	case results.StatusCompleted:
		return "✓"
	case results.StatusFailed:
		return "✗"
	case results.StatusCanceled:
		return "⊘"
	default:
		return "·"
	}
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
