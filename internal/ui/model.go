// ABOUTME: Bubbletea model for the listener TUI
// ABOUTME: Shows channel, buffer health and chat, and turns input lines into commands
package ui

import (
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/chanrelay/internal/client"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxLogLines = 200
	volumeStep  = 5
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
)

// Controller carries user actions out of the model
type Controller interface {
	Execute(cmd client.Command) error
	SetVolume(volume int)
	SetMuted(muted bool)
}

// Model represents the TUI state
type Model struct {
	ctrl Controller

	server   string
	username string
	channel  string
	channels []string

	stats  client.StreamStats
	volume int
	muted  bool

	connected bool
	quitting  bool
	log       []logLine
	input     string

	width  int
	height int
}

type logLine struct {
	text  string
	style *lipgloss.Style
}

// StatusMsg refreshes connection and buffer state
type StatusMsg struct {
	Channel  string
	Channels []string
	Stats    client.StreamStats
}

// ChatMsg appends a line to the chat log
type ChatMsg struct {
	Text  string
	Error bool
}

// DisconnectedMsg marks the connection as lost
type DisconnectedMsg struct {
	Err error
}

// NewModel creates a model for a paired client
func NewModel(ctrl Controller, server, username string) Model {
	return Model{
		ctrl:      ctrl,
		server:    server,
		username:  username,
		channel:   "lobby",
		volume:    100,
		connected: true,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case ChatMsg:
		if msg.Error {
			m.appendLog("! "+msg.Text, &errorStyle)
		} else {
			m.appendLog(msg.Text, nil)
		}
	case DisconnectedMsg:
		m.connected = false
		text := "disconnected"
		if msg.Err != nil {
			text = fmt.Sprintf("disconnected: %v", msg.Err)
		}
		m.appendLog(text, &errorStyle)
	}

	return m, nil
}

func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Channel != "" {
		m.channel = msg.Channel
	}
	if msg.Channels != nil {
		m.channels = msg.Channels
	}
	if msg.Stats.Capacity > 0 {
		m.stats = msg.Stats
	}
}

func (m *Model) appendLog(text string, style *lipgloss.Style) {
	m.log = append(m.log, logLine{text: text, style: style})
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m.quit()
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeyCtrlU:
		m.input = ""
	case tea.KeyUp:
		m.setVolume(m.volume + volumeStep)
	case tea.KeyDown:
		m.setVolume(m.volume - volumeStep)
	case tea.KeyTab:
		m.muted = !m.muted
		if m.ctrl != nil {
			m.ctrl.SetMuted(m.muted)
		}
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}

	return m, nil
}

func (m *Model) setVolume(volume int) {
	m.volume = max(0, min(100, volume))
	if m.ctrl != nil {
		m.ctrl.SetVolume(m.volume)
	}
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := m.input
	m.input = ""
	if strings.TrimSpace(line) == "" {
		return m, nil
	}

	cmd, err := client.ParseCommand(line)
	if err != nil {
		m.appendLog("! "+err.Error(), &errorStyle)
		return m, nil
	}
	if cmd.Kind == client.CommandQuit {
		return m.quit()
	}
	if !m.connected {
		m.appendLog("! not connected", &errorStyle)
		return m, nil
	}

	ctrl := m.ctrl
	return m, func() tea.Msg {
		if ctrl == nil {
			return nil
		}
		if err := ctrl.Execute(cmd); err != nil {
			return ChatMsg{Text: err.Error(), Error: true}
		}
		return nil
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	return m, tea.Quit
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderChannels())
	b.WriteString("\n\n")
	b.WriteString(m.renderLog())
	b.WriteString("\n")
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("enter:send  ↑/↓:volume  tab:mute  /join /list /req /quit"))
	return b.String()
}

func (m Model) renderHeader() string {
	status := activeStyle.Render("connected")
	if !m.connected {
		status = errorStyle.Render("disconnected")
	}

	volume := fmt.Sprintf("%d%%", m.volume)
	if m.muted {
		volume = "muted"
	}

	state := "playing"
	if m.stats.Buffering {
		state = "buffering"
	}

	return fmt.Sprintf("%s %s as %s (%s)\n%s #%s\n%s [%s] %3.0f%% %s  underruns: %d  drops: %d\n%s [%s] %s",
		titleStyle.Render("chanrelay"), m.server, m.username, status,
		labelStyle.Render("Channel:"), m.channel,
		labelStyle.Render("Buffer: "), renderBar(m.stats.Occupied, m.stats.Capacity, 20), m.stats.Fill()*100, state,
		m.stats.Underruns, m.stats.Drops,
		labelStyle.Render("Volume: "), renderBar(m.volume, 100, 10), volume,
	)
}

func (m Model) renderChannels() string {
	if len(m.channels) == 0 {
		return labelStyle.Render("Channels: (none listed)")
	}
	names := make([]string, len(m.channels))
	for i, name := range m.channels {
		if name == m.channel {
			names[i] = activeStyle.Render("#" + name)
		} else {
			names[i] = "#" + name
		}
	}
	return labelStyle.Render("Channels: ") + strings.Join(names, " ")
}

func (m Model) renderLog() string {
	rows := m.logRows()
	start := max(0, len(m.log)-rows)

	var b strings.Builder
	for _, line := range m.log[start:] {
		text := line.text
		if m.width > 0 {
			text = truncate(text, m.width)
		}
		switch {
		case line.style != nil:
			text = line.style.Render(text)
		case strings.HasPrefix(text, "* "):
			text = noticeStyle.Render(text)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	for i := len(m.log) - start; i < rows; i++ {
		b.WriteString("\n")
	}
	return b.String()
}

// logRows is what is left of the terminal after the fixed lines
func (m Model) logRows() int {
	const fixed = 8
	if m.height <= fixed {
		return 10
	}
	return m.height - fixed
}

func (m Model) renderInput() string {
	return "> " + m.input + "█"
}

func renderBar(value, total, width int) string {
	filled := 0
	if total > 0 {
		filled = max(0, min(width, value*width/total))
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	if length <= 3 {
		return string(r[:length])
	}
	return string(r[:length-3]) + "..."
}
