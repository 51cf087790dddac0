package pipeline

// EventType discriminates entries in a run's event feed.
type EventType string

const (
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one entry in a run's event feed.
// Stream events carry output bytes in Message.
// The last event of every feed is either a complete event with the exit code,
// or an error event with a human-readable message; never both, never more than one.
type Event struct {
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Success  *bool     `json:"success,omitempty"`
}

// Terminal reports whether the event ends the feed.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

func streamEvent(t EventType, b []byte) Event {
	return Event{Type: t, Message: string(b)}
}

func completeEvent(exitCode int) Event {
	success := exitCode == 0
	return Event{Type: EventComplete, ExitCode: &exitCode, Success: &success}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
