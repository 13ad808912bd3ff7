// Package tui implements the interactive gpuclean dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gpuclean/internal/clean"
	"gpuclean/internal/report"
	"gpuclean/internal/smi"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("#444444"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	boldStyle = lipgloss.NewStyle().Bold(true)
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))

	barFull  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	barEmpty = lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))
	barWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	barCrit  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
)

type Model struct {
	client  *smi.Client
	cleaner *clean.Cleaner
	opts    clean.Options

	status report.Status
	cursor int
	notice string
	width  int
	height int
	err    error
}

func NewModel(client *smi.Client, cleaner *clean.Cleaner, opts clean.Options) Model {
	return Model{client: client, cleaner: cleaner, opts: opts, width: 80, height: 24}
}

type statusMsg report.Status
type errMsg error
type tickMsg time.Time
type clearedMsg report.ClearResult

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		status, err := m.client.Query(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(status)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case statusMsg:
		m.status = report.Status(msg)
		m.err = nil
		if m.cursor >= len(m.status.Processes) && m.cursor > 0 {
			m.cursor = len(m.status.Processes) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil

	case clearedMsg:
		result := report.ClearResult(msg)
		switch {
		case result.DryRun:
			m.notice = fmt.Sprintf("dry run: would terminate %d process(es)", len(result.Attempted))
		case len(result.Failed) > 0:
			m.notice = fmt.Sprintf("signal failed: %s", result.Failed[0].Reason)
		case len(result.Succeeded) > 0:
			m.notice = fmt.Sprintf("signaled pid %d", result.Succeeded[0])
		default:
			m.notice = "nothing to signal (pid excluded or filtered)"
		}
		return m, m.refresh()

	case errMsg:
		m.err = msg
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.status.Processes)-1 {
			m.cursor++
		}

	case "r":
		return m, m.refresh()

	case "x":
		return m, m.terminate(false)
	case "X":
		return m, m.terminate(true)
	}
	return m, nil
}

// terminate signals the selected process through the cleaner, honoring the
// exclude set and dry-run flag the dashboard was launched with.
func (m Model) terminate(force bool) tea.Cmd {
	if len(m.status.Processes) == 0 {
		return nil
	}
	target := m.status.Processes[m.cursor]
	opts := clean.Options{
		Exclude: m.opts.Exclude,
		Force:   force || m.opts.Force,
		DryRun:  m.opts.DryRun,
	}
	return func() tea.Msg {
		return clearedMsg(m.cleaner.Clear([]report.Process{target}, opts))
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(boldStyle.Render("  gpuclean") + dimStyle.Render(" · live GPU memory") + "\n\n")

	for _, g := range m.status.GPUs {
		label := fmt.Sprintf("GPU %d", g.Index)
		bar := renderBar(g.UsedMB, g.TotalMB, 30)
		info := fmt.Sprintf("%d / %d MB (%.0f%%)", g.UsedMB, g.TotalMB, g.PercentUsed())
		b.WriteString(fmt.Sprintf("  %-6s %s  %s\n", label, bar, dimStyle.Render(info)))
	}

	if m.status.HostRAMTotal > 0 {
		used := m.status.HostRAMTotal - m.status.HostRAMFree
		bar := renderBar(used, m.status.HostRAMTotal, 30)
		info := fmt.Sprintf("%d / %d MB", used, m.status.HostRAMTotal)
		b.WriteString(fmt.Sprintf("  %-6s %s  %s\n", "RAM", bar, dimStyle.Render(info)))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  PROCESSES") + "\n\n")
	if len(m.status.Processes) == 0 {
		b.WriteString(dimStyle.Render("  (no GPU processes)") + "\n")
	} else {
		b.WriteString(dimStyle.Render("  PID       GPU   MEM        COMMAND") + "\n")
		for i, p := range m.status.Processes {
			cursor := "  "
			if i == m.cursor {
				cursor = boldStyle.Render("▸ ")
			}
			name := p.Command
			style := okStyle
			if m.opts.Exclude[p.PID] {
				style = dimStyle
				name += " (excluded)"
			}
			mem := fmt.Sprintf("%d MB", p.MemMB)
			line := fmt.Sprintf("%s%-10d%-6d%-11s%s", cursor, p.PID, p.GPU, mem, style.Render(name))
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\n")

	if m.opts.DryRun {
		b.WriteString(warnStyle.Render("  DRY RUN — kill keys preview only") + "\n")
	}
	if m.notice != "" {
		b.WriteString(dimStyle.Render("  "+m.notice) + "\n")
	}
	if m.err != nil {
		b.WriteString(failStyle.Render(fmt.Sprintf("  ERROR: %v", m.err)) + "\n")
	}
	if m.status.DriverVersion != "" {
		b.WriteString(dimStyle.Render("  driver: "+m.status.DriverVersion) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(helpStyle.Render("  ↑↓:select  x:terminate  X:force kill  r:refresh  q:quit"))
	b.WriteString("\n")

	return b.String()
}

func renderBar(used, total int64, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	pct := float64(used) / float64(total)
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	empty := width - filled

	style := barFull
	if pct > 0.9 {
		style = barCrit
	} else if pct > 0.7 {
		style = barWarn
	}

	return style.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", empty))
}

func Run(client *smi.Client, cleaner *clean.Cleaner, opts clean.Options) error {
	p := tea.NewProgram(NewModel(client, cleaner, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
