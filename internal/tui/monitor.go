package tui

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/mev-engine/mev-execution-core/internal/app"
)

// Source provides the engine state shown by the monitor
type Source interface {
	Health(ctx context.Context) (*app.Health, error)
	Snapshot(ctx context.Context) (*app.Snapshot, error)
}

// Config holds configuration for the TUI monitor
type Config struct {
	RefreshRate time.Duration
	CompactMode bool
}

// Model represents the TUI application state
type Model struct {
	config     Config
	source     Source
	health     *app.Health
	snapshot   *app.Snapshot
	loading    bool
	err        error
	width      int
	height     int
	lastUpdate time.Time
}

// tickMsg is sent when the refresh timer ticks
type tickMsg time.Time

// stateMsg carries a fresh health and snapshot pair
type stateMsg struct {
	health   *app.Health
	snapshot *app.Snapshot
}

type errorMsg struct{ err error }

// StartMonitor runs the monitor until the user quits
func StartMonitor(config Config, source Source) error {
	p := tea.NewProgram(NewModel(config, source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// NewModel creates the monitor model
func NewModel(config Config, source Source) Model {
	if config.RefreshRate <= 0 {
		config.RefreshRate = time.Second
	}
	return Model{
		config:  config,
		source:  source,
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickCmd(m.config.RefreshRate))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "c":
			m.config.CompactMode = !m.config.CompactMode
			return m, nil
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), tickCmd(m.config.RefreshRate))

	case stateMsg:
		m.health = msg.health
		m.snapshot = msg.snapshot
		m.loading = false
		m.err = nil
		m.lastUpdate = time.Now()
		return m, nil

	case errorMsg:
		m.err = msg.err
		m.loading = false
		return m, nil
	}

	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")).Bold(true)
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
)

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Width(m.width - 6).Render("MEV Execution Core Monitor"))
	b.WriteString("\n")
	b.WriteString(faintStyle.Render("r refresh  c compact  q quit"))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(badStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	case m.loading:
		b.WriteString("Loading state...\n")
	case m.snapshot != nil:
		b.WriteString(m.renderState())
	}

	if !m.lastUpdate.IsZero() {
		b.WriteString("\n")
		b.WriteString(faintStyle.Render("Last updated: " + m.lastUpdate.Format("15:04:05")))
	}

	return frameStyle.Width(m.width - 4).Render(b.String())
}

func (m Model) renderState() string {
	var b strings.Builder
	s := m.snapshot

	status, style := "degraded", warnStyle
	switch {
	case m.health == nil || !m.health.Running:
		status, style = "stopped", badStyle
	case m.health.Healthy:
		status, style = "healthy", goodStyle
	}
	fmt.Fprintf(&b, "Engine: %s   Backpressure: %s\n", style.Render(status), s.Backpressure.StateName)
	if m.health != nil {
		for _, reason := range m.health.Orchestrator.Reasons {
			b.WriteString(warnStyle.Render("  ! "+reason) + "\n")
		}
	}

	b.WriteString("\n" + headerStyle.Render("Mempool") + "\n")
	fmt.Fprintf(&b, "received %d  accepted %d  filtered %d  dropped %d  tps %.1f\n",
		s.Scanner.Received, s.Scanner.Accepted, s.Scanner.Filtered, s.Scanner.Dropped, s.Scanner.CurrentTPS)
	fmt.Fprintf(&b, "queue %d (%.0f%%)  reconnects %d\n",
		s.Scanner.QueueLength, s.Scanner.QueueUtilization*100, s.Scanner.Reconnects)

	b.WriteString("\n" + headerStyle.Render("Execution") + "\n")
	fmt.Fprintf(&b, "opportunities %d  bundles %d  included %d  failed %d  expired %d\n",
		s.Orchestrator.Opportunities, s.Orchestrator.BundlesBuilt,
		s.Execution.Succeeded, s.Execution.Failed, s.Execution.Expired)
	fmt.Fprintf(&b, "net profit %s ETH  avg time %s\n",
		formatEth(s.Execution.TotalNetProfit), s.Execution.AverageExecutionTime)

	if m.config.CompactMode {
		return b.String()
	}

	if s.Gas != nil {
		b.WriteString("\n" + headerStyle.Render("Gas") + "\n")
		fmt.Fprintf(&b, "block %d  base fee %s gwei  congestion %.2f\n",
			s.Gas.BlockNumber, formatGwei(s.Gas.BaseFee), s.Gas.Congestion)
	}

	b.WriteString("\n" + headerStyle.Render("Relays") + "\n")
	for _, r := range s.Relays {
		state := goodStyle.Render("on")
		if !r.Enabled {
			state = badStyle.Render("off")
		}
		fmt.Fprintf(&b, "%-16s %s  sent %d  ok %.0f%%\n", r.Name, state, r.Submissions, r.SuccessRate*100)
	}

	b.WriteString("\n" + headerStyle.Render("Strategies") + "\n")
	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := goodStyle.Render("enabled")
		if !s.Strategies[name] {
			state = faintStyle.Render("disabled")
		}
		fmt.Fprintf(&b, "%-16s %s\n", name, state)
	}

	if len(s.Active) > 0 {
		b.WriteString("\n" + headerStyle.Render("Active") + "\n")
		for _, result := range s.Active {
			fmt.Fprintf(&b, "%s %-10s %s\n", shortID(result.ExecutionID), result.Status, result.Strategy)
		}
	}

	return b.String()
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	timeout := m.config.RefreshRate
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		health, err := source.Health(ctx)
		if err != nil {
			return errorMsg{err}
		}
		snapshot, err := source.Snapshot(ctx)
		if err != nil {
			return errorMsg{err}
		}
		return stateMsg{health: health, snapshot: snapshot}
	}
}

func tickCmd(rate time.Duration) tea.Cmd {
	return tea.Tick(rate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatEth(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).StringFixed(6)
}

func formatGwei(wei *big.Int) string {
	if wei == nil {
		return "-"
	}
	return decimal.NewFromBigInt(wei, -9).StringFixed(3)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
