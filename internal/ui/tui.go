// Package ui renders batch progress, either as a live terminal view or as
// plain log lines.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/drivefetch/internal/engine"
)

// refreshInterval redraws speed and ETA columns even when no bytes arrive.
const refreshInterval = 500 * time.Millisecond

// maxShownReports is how many recent errors appear under the task list.
const maxShownReports = 5

// SnapshotMsg carries a fresh tracker snapshot into the model.
type SnapshotMsg struct {
	Progress engine.Progress
}

// DoneMsg tells the model the batch has ended.
type DoneMsg struct {
	Progress engine.Progress
}

// Model implements tea.Model for the download view.
type Model struct {
	state    engine.Progress
	spinner  spinner.Model
	progress progress.Model

	width       int
	nameWidth   int
	quitting    bool
	interrupted bool
	onInterrupt func()

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	nameStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// NewModel creates a Model. onInterrupt runs once when the user presses
// ctrl+c; the view keeps running until DoneMsg arrives.
func NewModel(initial engine.Progress, nameWidth int, onInterrupt func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	if nameWidth <= 0 {
		nameWidth = 30
	}

	return Model{
		state:        initial,
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		nameWidth:    nameWidth,
		onInterrupt:  onInterrupt,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		nameStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" && !m.interrupted {
			m.interrupted = true
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		bar := msg.Width - m.nameWidth - 50
		if bar < 10 {
			bar = 10
		}
		if bar > 40 {
			bar = 40
		}
		m.progress.Width = bar
		return m, nil

	case SnapshotMsg:
		m.state = msg.Progress
		return m, nil

	case DoneMsg:
		m.state = msg.Progress
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 && !m.quitting {
		return "Initializing..."
	}

	var sb strings.Builder

	header := m.titleStyle.Render("drivefetch")
	if m.state.Message != "" {
		header += " " + m.infoStyle.Render(m.state.Message)
	}
	if m.interrupted && !m.quitting {
		header += " " + m.errorStyle.Render("(interrupted, finishing up)")
	}
	sb.WriteString(header + "\n")

	for _, task := range m.state.Tasks {
		sb.WriteString(m.taskLine(task) + "\n")
	}

	summary := fmt.Sprintf("%d/%d done, %d failed | %s | %s | ETA %s",
		m.state.Completed, len(m.state.Tasks), m.state.Failed,
		formatBytes(m.state.BytesDone, m.state.TotalBytes, m.state.TotalBytes > 0),
		formatSpeed(m.state.BytesPerSecond),
		formatETA(m.state.ETA, m.state.TotalBytes > 0 && m.state.BytesPerSecond > 0),
	)
	sb.WriteString(m.infoStyle.Render(summary) + "\n")

	reports := m.state.Reports
	if len(reports) > maxShownReports {
		reports = reports[len(reports)-maxShownReports:]
	}
	for _, r := range reports {
		sb.WriteString(m.errorStyle.Render(fmt.Sprintf("Error: %s: %s", r.Name, r.Error)) + "\n")
	}

	return sb.String()
}

// taskLine renders one row: marker, name, bar, percent, speed, ETA, bytes.
func (m Model) taskLine(t engine.TaskProgress) string {
	name := m.nameStyle.Render(padRight(t.Name, m.nameWidth))

	var marker string
	switch t.State {
	case engine.Done:
		marker = m.successStyle.Render("✓")
	case engine.Errored:
		marker = m.errorStyle.Render("✗")
	case engine.Transferring:
		marker = m.spinner.View()
	default:
		marker = " "
	}

	var bar string
	if t.Indeterminate || (!t.SizeKnown && t.State != engine.Done) {
		bar = padRight(m.spinner.View()+" "+m.infoStyle.Render("size unknown"), m.progress.Width+5)
	} else {
		bar = m.progress.ViewAs(t.Percent / 100)
	}

	return fmt.Sprintf("%s %s %s %10s %6s %s", marker, name, bar,
		formatSpeed(t.BytesPerSecond),
		formatETA(t.ETA, t.SizeKnown && t.BytesPerSecond > 0),
		formatBytes(t.BytesDone, t.TotalBytes, t.SizeKnown))
}

// Options configures Run.
type Options struct {
	Output      io.Writer // defaults to os.Stderr
	Input       io.Reader // nil keeps the terminal as input
	NameWidth   int
	OnInterrupt func()
}

// Run shows the tracker until done is closed, then renders a final frame and
// returns. The alt-screen is not used, so the final frame stays visible.
func Run(tracker *engine.Tracker, done <-chan struct{}, opts Options) error {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	progOpts := []tea.ProgramOption{tea.WithOutput(out)}
	if opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(opts.Input))
	}

	p := tea.NewProgram(NewModel(tracker.Snapshot(), opts.NameWidth, opts.OnInterrupt), progOpts...)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			wait := tracker.Wait()
			select {
			case <-stop:
				return
			case <-done:
				p.Send(DoneMsg{Progress: tracker.Snapshot()})
				return
			case <-wait:
			case <-ticker.C:
			}
			p.Send(SnapshotMsg{Progress: tracker.Snapshot()})
		}
	}()

	_, err := p.Run()
	close(stop)
	if err != nil {
		return fmt.Errorf("progress display failed: %w", err)
	}
	return nil
}

func formatSpeed(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

func formatETA(eta time.Duration, known bool) string {
	if !known {
		return "-"
	}
	if eta > 24*time.Hour {
		return "> 1d"
	}
	return eta.Round(time.Second).String()
}

func formatBytes(done, total int64, known bool) string {
	if !known {
		return humanize.Bytes(uint64(max(done, 0)))
	}
	return humanize.Bytes(uint64(max(done, 0))) + "/" + humanize.Bytes(uint64(max(total, 0)))
}

// padRight pads s with spaces to width cells.
func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
