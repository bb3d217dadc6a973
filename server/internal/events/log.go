// Package events distributes sandbox log events and chat updates to live
// websocket viewers. Log events are kept in a bounded per-sandbox buffer so
// viewers that connect late see recent history first.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Level is the severity/category of a log event.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelThinking Level = "THINKING"
	LevelAction   Level = "ACTION"
	LevelResult   Level = "RESULT"
	LevelError    Level = "ERROR"
	LevelWarning  Level = "WARNING"
	LevelStep     Level = "STEP"
	LevelDebug    Level = "DEBUG"
	LevelStdout   Level = "STDOUT"
	LevelStderr   Level = "STDERR"
	LevelWait     Level = "WAIT" // automation is waiting for the viewer to confirm
)

// ParseLevel upper-cases name. Empty names map to INFO; unknown names are
// kept as given so producers can add their own categories.
func ParseLevel(name string) Level {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return LevelInfo
	}
	return Level(name)
}

// LogEvent is one immutable log entry for a subject (sandbox id).
type LogEvent struct {
	Subject   string
	Level     Level
	Message   string
	Timestamp time.Time
	Extra     map[string]any
}

// wireLog is the websocket/JSON representation. Timestamps are float epoch
// seconds.
type wireLog struct {
	Type      string         `json:"type"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Timestamp float64        `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON encodes the event as {"type":"log", ...}.
func (e LogEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireLog{
		Type:      "log",
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: float64(e.Timestamp.Unix()) + float64(e.Timestamp.Nanosecond())/1e9,
		Extra:     e.Extra,
	})
}
