package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"callscribe/events"
	"callscribe/log"
	"callscribe/pipeline"
	"callscribe/session"
)

// TUI message types
type busEventMsg struct{ Event events.Event }
type pipelineResultMsg struct {
	State pipeline.State
	Err   error
}
type copyResultMsg struct {
	Chars int
	Err   error
}
type tickMsg time.Time

type pipelineControl interface {
	StartPipeline(ctx context.Context) (pipeline.State, error)
	StopPipeline()
	State() pipeline.State
}

type tuiModel struct {
	ctx       context.Context
	ctl       pipelineControl
	acc       *events.Accumulator
	remaining func() (time.Duration, bool)
	copyText  func(string) error

	sessionID     string
	status        events.Status
	busy          bool   // start or stop in flight
	lastErr       string // last error status or failed start
	notice        string // result of the last copy
	width, height int
}

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	finalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	interimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	stateColors = map[events.State]string{
		events.StateStarting:     "245",
		events.StateStreaming:    "42",
		events.StatePartial:      "208",
		events.StateReconnecting: "214",
		events.StateStopping:     "245",
		events.StateDisconnected: "241",
		events.StateError:        "196",
	}
)

func newTUIModel(ctx context.Context, ctl pipelineControl, acc *events.Accumulator, sessionID string, remaining func() (time.Duration, bool)) tuiModel {
	return tuiModel{
		ctx:       ctx,
		ctl:       ctl,
		acc:       acc,
		remaining: remaining,
		copyText:  clipboard.WriteAll,
		sessionID: sessionID,
		status:    events.Status{State: events.StateDisconnected},
	}
}

// runTUI starts the pipeline and shows the live transcript until the user
// quits or ctx ends.
func runTUI(ctx context.Context, sup *pipeline.Supervisor, bus *events.Bus, acc *events.Accumulator, sessionID string, registry *session.Registry) {
	sub := bus.Subscribe("tui")
	defer sub.Unsubscribe()

	m := newTUIModel(ctx, sup, acc, sessionID, func() (time.Duration, bool) {
		return registry.Remaining(sessionID)
	})
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for e := range sub.Events() {
			p.Send(busEventMsg{Event: e})
		}
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) startCmd() tea.Cmd {
	return func() tea.Msg {
		st, err := m.ctl.StartPipeline(m.ctx)
		return pipelineResultMsg{State: st, Err: err}
	}
}

func (m tuiModel) stopCmd() tea.Cmd {
	return func() tea.Msg {
		m.ctl.StopPipeline()
		return pipelineResultMsg{State: m.ctl.State()}
	}
}

func (m tuiModel) copyCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return copyResultMsg{Chars: len([]rune(text)), Err: m.copyText(text)}
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(tuiTick(), m.startCmd())
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.lastErr = ""
			if m.ctl.State() == pipeline.Idle {
				return m, m.startCmd()
			}
			return m, m.stopCmd()
		case "c":
			text := m.acc.Committed()
			if text == "" {
				m.notice = "nothing to copy yet"
				return m, nil
			}
			return m, m.copyCmd(text)
		}

	case tickMsg:
		return m, tuiTick()

	case busEventMsg:
		if st, ok := msg.Event.(events.Status); ok {
			m.status = st
			if st.State == events.StateError {
				m.lastErr = st.Message
			}
		}

	case pipelineResultMsg:
		m.busy = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}

	case copyResultMsg:
		if msg.Err != nil {
			m.notice = "copy failed: " + msg.Err.Error()
		} else {
			m.notice = fmt.Sprintf("copied %d characters", msg.Chars)
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var header []string
	title := titleStyle.Render("callscribe "+version) + dimStyle.Render("  session "+m.sessionID)
	if m.remaining != nil {
		if rem, ok := m.remaining(); ok && rem > 0 {
			title += dimStyle.Render(fmt.Sprintf("  %s left", rem.Round(time.Second)))
		}
	}
	header = append(header, title)

	stateStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(stateColors[m.status.State]))
	statusLine := stateStyle.Render("● " + strings.ToUpper(string(m.status.State)))
	if m.status.Message != "" {
		statusLine += dimStyle.Render("  " + m.status.Message)
	}
	header = append(header, statusLine)
	if m.lastErr != "" {
		header = append(header, errorStyle.Render("  ⚠ "+m.lastErr))
	}
	if m.notice != "" {
		header = append(header, noticeStyle.Render("  "+m.notice))
	}
	header = append(header, "")

	help := helpKeyStyle.Render("s") + helpStyle.Render(" start/stop  ") +
		helpKeyStyle.Render("c") + helpStyle.Render(" copy transcript  ") +
		helpKeyStyle.Render("q") + helpStyle.Render(" quit")

	wrapWidth := m.width - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}
	var body []string
	if committed := m.acc.Committed(); committed != "" {
		for _, line := range wrapText(committed, wrapWidth) {
			body = append(body, finalStyle.Render(line))
		}
	}
	if interim := m.acc.Interim(); interim != "" {
		for _, line := range wrapText(interim, wrapWidth) {
			body = append(body, interimStyle.Render(line))
		}
	}
	if len(body) == 0 {
		body = append(body, dimStyle.Render("Waiting for speech..."))
	}

	// Keep the newest lines when the transcript outgrows the screen.
	room := m.height - len(header) - 2
	if room < 1 {
		room = 1
	}
	if len(body) > room {
		body = body[len(body)-room:]
	}

	lines := append(header, body...)
	for len(lines) < m.height-1 {
		lines = append(lines, "")
	}
	lines = append(lines, help)

	return lipgloss.NewStyle().
		Width(m.width).
		PaddingLeft(1).
		Render(strings.Join(lines, "\n"))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	runes := []rune(text)
	for len(runes) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		runes = []rune(strings.TrimLeft(string(runes[splitAt:]), " "))
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
