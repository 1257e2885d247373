// ABOUTME: TUI program helpers
// ABOUTME: Runs a bubbletea program fed by periodic status snapshots
package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Sender is the part of tea.Program that Poll needs
type Sender interface {
	Send(msg tea.Msg)
}

// NewProgram creates a full-screen program for m
func NewProgram(m tea.Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

// Poll sends status() to p every interval until ctx is done
func Poll(ctx context.Context, p Sender, interval time.Duration, status func() tea.Msg) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Send(status())
	for {
		select {
		case <-ticker.C:
			p.Send(status())
		case <-ctx.Done():
			return
		}
	}
}
