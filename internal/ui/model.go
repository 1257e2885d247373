// ABOUTME: Bubbletea model for the client TUI
// ABOUTME: Shows connection, current stream and receiver statistics
package ui

import (
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the client TUI state
type Model struct {
	// Connection
	connected bool
	server    string

	// Stream
	state    stream.State
	stats    stream.ReceiverStats
	buffered int
	streams  int

	// Sinks
	recording string
	playing   bool

	lastError string

	showDebug bool
	quitting  bool

	// Dimensions
	width  int
	height int
}

// StatusMsg updates TUI state. Nil and zero fields leave state unchanged.
type StatusMsg struct {
	Connected *bool
	Server    string
	State     *stream.State
	Stats     *stream.ReceiverStats
	Buffered  int
	// StreamsCompleted counts streams received to the final chunk
	StreamsCompleted int
	Recording        string
	Playing          *bool
	Error            string
}

// NewModel creates a client model
func NewModel(server string) Model {
	return Model{server: server, state: stream.StateIdle}
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
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Disconnecting...\n"
	}
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderStream())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

// renderHeader renders connection status
func (m Model) renderHeader() string {
	conn := "Disconnected"
	if m.connected {
		conn = "Connected to " + m.server
	} else if m.server != "" {
		conn = "Connecting to " + m.server
	}

	return fmt.Sprintf(`┌─ pcmstream client ───────────────────────────────────┐
│ Status: %-44s │
├──────────────────────────────────────────────────────┤
`, truncate(conn, 44))
}

// renderStream renders the stream in progress or the last one
func (m Model) renderStream() string {
	if m.stats.StreamID == "" {
		return "│ No stream                                            │\n"
	}

	s := fmt.Sprintf("│ Stream: %-44s │\n", truncate(m.stats.StreamID, 44))
	s += fmt.Sprintf("│ State:  %-44s │\n", m.state.String())
	s += fmt.Sprintf("│ Format: %-44s │\n", truncate(m.stats.Format.String(), 44))

	var sinks []string
	if m.playing {
		sinks = append(sinks, "playing")
	}
	if m.recording != "" {
		sinks = append(sinks, "recording "+m.recording)
	}
	if len(sinks) > 0 {
		s += fmt.Sprintf("│ Output: %-44s │\n", truncate(strings.Join(sinks, ", "), 44))
	}
	return s
}

// renderStats renders receiver statistics
func (m Model) renderStats() string {
	st := m.stats
	audioMs := st.Format.DurationMs(st.BytesReceived)
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Chunks: %-8d Audio: %-8s Buffered: %-9d │
│ Dropped: %-7d Errors: %-7d Streams: %-10d │
│ Latency: %-43s │
`,
		st.ChunksReceived, fmt.Sprintf("%.1fs", float64(audioMs)/1000), m.buffered,
		st.Dropped, st.DecodeErrors, m.streams,
		fmt.Sprintf("avg %.1fms", st.AvgLatencyMs))
}

// renderDebug renders latency detail and the last error
func (m Model) renderDebug() string {
	st := m.stats
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Latency min/max: %-33s │
│   Started:         %-33s │
│   Last error:      %-33s │
`,
		fmt.Sprintf("%.1f / %.1f ms", st.MinLatencyMs, st.MaxLatencyMs),
		st.StartTime.Format("15:04:05.000"),
		truncate(m.lastError, 33))
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ d:Debug  q:Quit                                      │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Server != "" {
		m.server = msg.Server
	}
	if msg.State != nil {
		m.state = *msg.State
	}
	if msg.Stats != nil {
		m.stats = *msg.Stats
		m.buffered = msg.Buffered
	}
	if msg.StreamsCompleted > m.streams {
		m.streams = msg.StreamsCompleted
	}
	if msg.Recording != "" {
		m.recording = msg.Recording
	}
	if msg.Playing != nil {
		m.playing = *msg.Playing
	}
	if msg.Error != "" {
		m.lastError = msg.Error
	}
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
