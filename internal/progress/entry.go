package progress

import "time"

// Level classifies a LogEntry.
type Level string

// Supported entry levels.
const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Valid reports whether l is one of the supported levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError, LevelSuccess:
		return true
	default:
		return false
	}
}

// LogEntry is one immutable event in a job's history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Scraped   int       `json:"scraped"`
	Total     int       `json:"total"`
}

// Done is the terminal message closing a stream. Status carries the job's
// final status.
type Done struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Message is what a Subscription yields: exactly one of Entry or Done is set.
type Message struct {
	Entry *LogEntry
	Done  *Done
}

// Terminal reports whether m ends the stream.
func (m Message) Terminal() bool {
	return m.Done != nil
}

// Payload returns the value to serialize for the wire.
func (m Message) Payload() any {
	if m.Done != nil {
		return m.Done
	}
	return m.Entry
}

func entryMessage(e LogEntry) Message {
	return Message{Entry: &e}
}

func doneMessage(status string) Message {
	return Message{Done: &Done{Type: "done", Status: status}}
}
