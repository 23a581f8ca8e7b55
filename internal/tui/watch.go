// Package tui renders the live harvest dashboard used by --watch.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tavolo/placeharvest/internal/engine/harvest"
	"github.com/tavolo/placeharvest/internal/tui/styles"
)

type tickMsg time.Time

type harvestDoneMsg struct {
	Err error
}

// watchModel displays one harvest run. The run itself happens in a
// tea.Cmd goroutine; the model only reads the shared atomic counters.
type watchModel struct {
	stats   *harvest.Stats
	run     func() error
	cancel  context.CancelFunc
	logPath string

	bar       progress.Model
	spin      spinner.Model
	startTime time.Time

	done     bool
	stopping bool
	err      error
	width    int
}

func newWatchModel(run func() error, cancel context.CancelFunc, stats *harvest.Stats, logPath string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return watchModel{
		stats:   stats,
		run:     run,
		cancel:  cancel,
		logPath: logPath,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(50),
		),
		spin:      sp,
		startTime: time.Now(),
	}
}

// Watch runs the harvest under a full-screen dashboard and returns the
// harvest error, if any. Ctrl+c cancels the run but waits for in-flight
// cells to settle before exiting.
func Watch(run func() error, cancel context.CancelFunc, stats *harvest.Stats, logPath string) error {
	m := newWatchModel(run, cancel, stats, logPath)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(watchModel); ok {
		return fm.err
	}
	return nil
}

func (m watchModel) Init() tea.Cmd {
	run := m.run
	return tea.Batch(
		m.spin.Tick,
		tickCmd(),
		func() tea.Msg { return harvestDoneMsg{Err: run()} },
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			// Cancel and keep the dashboard up until the workers drain.
			m.stopping = true
			m.cancel()
			return m, nil
		case "enter":
			if m.done {
				return m, tea.Quit
			}
		}
	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tickCmd()
	case harvestDoneMsg:
		m.done = true
		m.err = msg.Err
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	pm, cmd := m.bar.Update(msg)
	m.bar = pm.(progress.Model)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder

	if m.done {
		b.WriteString(styles.Title.Render("Harvest finished"))
	} else if m.stopping {
		b.WriteString(styles.Title.Render("Stopping " + m.spin.View()))
	} else {
		b.WriteString(styles.Title.Render("Harvesting " + m.spin.View()))
	}
	b.WriteString("\n\n")

	b.WriteString(styles.StatsBox.Render(m.renderStats()))
	b.WriteString("\n\n")

	var pct float64
	if m.stats.CellsTotal > 0 {
		pct = float64(m.stats.CellsDone.Load()) / float64(m.stats.CellsTotal)
	}
	b.WriteString(m.bar.ViewAs(pct))
	b.WriteString("\n\n")

	switch {
	case m.done && m.err != nil && !errors.Is(m.err, context.Canceled):
		b.WriteString(styles.ErrorText.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
		b.WriteString(styles.StatusBar.Render("enter/q exit"))
	case m.done:
		b.WriteString(styles.DoneText.Render(
			fmt.Sprintf("Done. %d new places stored", m.stats.PlacesAdded.Load())))
		b.WriteString("\n")
		b.WriteString(styles.StatusBar.Render(fmt.Sprintf("log: %s", m.logPath)))
		b.WriteString("\n")
		b.WriteString(styles.StatusBar.Render("enter/q exit"))
	case m.stopping:
		b.WriteString(styles.StatusBar.Render("waiting for in-flight cells"))
	default:
		b.WriteString(styles.StatusBar.Render("ctrl+c stop"))
	}

	return b.String()
}

func (m watchModel) renderStats() string {
	var sb strings.Builder
	elapsed := time.Since(m.startTime).Truncate(time.Second)

	cellsDone := m.stats.CellsDone.Load()
	cellsTotal := int64(m.stats.CellsTotal)
	failed := m.stats.CellsFailed.Load()
	errs := m.stats.Errors.Load()

	row := func(label, value string) {
		sb.WriteString(styles.Label.Render(label))
		sb.WriteString(styles.Value.Render(value))
		sb.WriteString("\n")
	}

	row("Cells:", fmt.Sprintf("%d/%d", cellsDone, cellsTotal))
	row("Seen:", fmt.Sprintf("%d", m.stats.PlacesSeen.Load()))
	row("Added:", fmt.Sprintf("%d", m.stats.PlacesAdded.Load()))
	row("Photos:", fmt.Sprintf("%d", m.stats.PhotosStored.Load()))
	row("Reviews:", fmt.Sprintf("%d", m.stats.ReviewsStored.Load()))

	failStyle := styles.Value
	if failed > 0 {
		failStyle = lipgloss.NewStyle().Foreground(styles.Warning).Bold(true)
	}
	sb.WriteString(styles.Label.Render("Failed:"))
	sb.WriteString(failStyle.Render(fmt.Sprintf("%d", failed)))
	sb.WriteString("\n")

	errStyle := styles.Value
	if errs > 0 {
		errStyle = lipgloss.NewStyle().Foreground(styles.Error).Bold(true)
	}
	sb.WriteString(styles.Label.Render("Errors:"))
	sb.WriteString(errStyle.Render(fmt.Sprintf("%d", errs)))
	sb.WriteString("\n")

	row("Elapsed:", elapsed.String())

	if cellsDone > 0 && cellsTotal > 0 && !m.done {
		rate := float64(cellsDone) / elapsed.Seconds()
		remaining := float64(cellsTotal-cellsDone) / rate
		eta := time.Duration(remaining * float64(time.Second)).Truncate(time.Second)
		row("ETA:", "~"+eta.String())
	}

	return sb.String()
}
