// ABOUTME: Stream lifecycle states shared by sender and receiver
// ABOUTME: IDLE, then STREAMING while chunks flow, then COMPLETE
package stream

// State is the lifecycle position of a sender or receiver
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}
