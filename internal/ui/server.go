// ABOUTME: Server TUI for displaying listeners and stream progress
// ABOUTME: Real-time server status display using bubbletea and lipgloss
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/server"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	faintStyle = lipgloss.NewStyle().Faint(true)
)

// ServerStatusMsg carries a server stats snapshot
type ServerStatusMsg server.Stats

// ServerModel is the bubbletea model for the server TUI
type ServerModel struct {
	name      string
	addr      string
	status    server.Stats
	startTime time.Time
	quitting  bool
}

type tickMsg time.Time

// NewServerModel creates a server model
func NewServerModel(name, addr string) ServerModel {
	return ServerModel{name: name, addr: addr, startTime: time.Now()}
}

func (m ServerModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m ServerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case ServerStatusMsg:
		m.status = server.Stats(msg)
	}

	return m, nil
}

func (m ServerModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("pcmstream server"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("Server: ", m.name)
	row("Address: ", m.addr)
	row("Uptime: ", time.Since(m.startTime).Round(time.Second).String())
	row("Source: ", m.status.Source)
	row("Format: ", fmt.Sprintf("%s, %dms chunks", m.status.Format, m.status.ChunkDuration))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Listeners (%d)", m.status.Clients)))
	b.WriteString("\n")
	if m.status.Clients == 0 {
		b.WriteString(valueStyle.Render("  Waiting for clients"))
	} else {
		waiting := m.status.Clients - m.status.Subscribed
		b.WriteString(valueStyle.Render(fmt.Sprintf("  %d streaming, %d waiting for next stream",
			m.status.Subscribed, waiting)))
	}
	b.WriteString("\n\n")

	current := m.status.CurrentStream
	if current == "" {
		current = "idle"
	}
	row("Stream: ", current)
	row("Completed: ", fmt.Sprintf("%d", m.status.StreamsSent))

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}
