package types

import (
	"fmt"
	"strings"
	"time"
)

// Level represents the severity of a message event, ordered from least
// to most severe
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = [...]string{"trace", "debug", "info", "notice", "warning", "error", "critical"}

// String returns the lowercase name of the level
func (l Level) String() string {
	if l < LevelTrace || l > LevelCritical {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// Valid reports whether the level is one of the defined severities
func (l Level) Valid() bool {
	return l >= LevelTrace && l <= LevelCritical
}

// ParseLevel converts a level name to a Level value
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical", "crit":
		return LevelCritical, nil
	default:
		return LevelDebug, fmt.Errorf("unknown level %q", name)
	}
}

// MarshalJSON encodes the level as its name
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON decodes a level from its name
func (l *Level) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// EventKind discriminates the two event variants
type EventKind string

const (
	KindMessage     EventKind = "message"
	KindNetworkTask EventKind = "network_task"
)

// TaskState represents the lifecycle state of a network task.
// A task transitions pending -> success or pending -> failure exactly once;
// while pending it may be updated in place any number of times.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
)

// Terminal reports whether the state accepts no further updates
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// Event is the canonical record exchanged between producers and the store.
// It is immutable once persisted, except for the network-task
// update-in-place rule handled by the store.
type Event struct {
	// ID is the store-assigned sequence number. It is unique within a
	// store, never reused, and is the sole sort key for listing.
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Kind      EventKind `json:"kind"`

	// Message fields
	Level    Level             `json:"level,omitempty"`
	Label    string            `json:"label,omitempty"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Network task fields
	TaskID           string        `json:"task_id,omitempty"`
	URL              string        `json:"url,omitempty"`
	Method           string        `json:"method,omitempty"`
	State            TaskState     `json:"state,omitempty"`
	StatusCode       int           `json:"status_code,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	RequestBody      []byte        `json:"request_body,omitempty"`
	ResponseBody     []byte        `json:"response_body,omitempty"`
	ErrorDescription string        `json:"error_description,omitempty"`
}

// EffectiveLevel returns the level used for level filtering. Message events
// carry their own level; network tasks synthesize one from state and status
func (e *Event) EffectiveLevel() Level {
	if e.Kind == KindMessage {
		return e.Level
	}
	switch e.State {
	case TaskFailure:
		return LevelError
	case TaskSuccess:
		if e.StatusCode >= 400 {
			return LevelWarning
		}
		return LevelInfo
	default:
		return LevelDebug
	}
}

// NormalizedLabel returns the label in its case-normalized matching form
func (e *Event) NormalizedLabel() string {
	return strings.ToLower(strings.TrimSpace(e.Label))
}

// Validate checks basic well-formedness of an externally supplied event
func (e *Event) Validate() error {
	switch e.Kind {
	case KindMessage:
		if !e.Level.Valid() {
			return fmt.Errorf("message has invalid level %d", int8(e.Level))
		}
	case KindNetworkTask:
		if e.TaskID == "" {
			return fmt.Errorf("network task is missing a task id")
		}
		switch e.State {
		case TaskPending, TaskSuccess, TaskFailure:
		default:
			return fmt.Errorf("network task has unknown state %q", e.State)
		}
	case "":
		return fmt.Errorf("event is missing a kind")
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event is missing a creation time")
	}
	return nil
}

// Notification describes a batch of appended or updated events delivered to
// a store observer. When Resync is set the observer missed one or more
// batches (or the store pruned old events) and must re-read the store
// instead of applying a delta.
type Notification struct {
	IDs    []int64 `json:"ids,omitempty"`
	Resync bool    `json:"resync,omitempty"`
}
