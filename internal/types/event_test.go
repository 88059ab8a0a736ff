package types

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Level
		expectErr bool
	}{
		{"trace", "trace", LevelTrace, false},
		{"debug", "debug", LevelDebug, false},
		{"info", "info", LevelInfo, false},
		{"notice", "notice", LevelNotice, false},
		{"warning", "warning", LevelWarning, false},
		{"warn alias", "warn", LevelWarning, false},
		{"error", "error", LevelError, false},
		{"critical", "critical", LevelCritical, false},
		{"crit alias", "crit", LevelCritical, false},
		{"mixed case", "ERROR", LevelError, false},
		{"surrounding whitespace", "  info  ", LevelInfo, false},
		{"unknown", "fatal", LevelDebug, true},
		{"empty", "", LevelDebug, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error for input %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error for input %q: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("Expected level %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	ordered := []Level{LevelTrace, LevelDebug, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Errorf("Expected %v to be less severe than %v", ordered[i-1], ordered[i])
		}
	}
}

func TestLevelValid(t *testing.T) {
	if !LevelTrace.Valid() || !LevelCritical.Valid() {
		t.Error("Expected boundary levels to be valid")
	}
	if Level(-1).Valid() {
		t.Error("Expected negative level to be invalid")
	}
	if Level(7).Valid() {
		t.Error("Expected out-of-range level to be invalid")
	}
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(LevelWarning)
	if err != nil {
		t.Fatalf("Failed to marshal level: %v", err)
	}
	if string(data) != `"warning"` {
		t.Errorf("Expected %q, got %s", `"warning"`, data)
	}

	var level Level
	if err := json.Unmarshal([]byte(`"crit"`), &level); err != nil {
		t.Fatalf("Failed to unmarshal level: %v", err)
	}
	if level != LevelCritical {
		t.Errorf("Expected LevelCritical, got %v", level)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &level); err == nil {
		t.Error("Expected error for unknown level name")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	if TaskPending.Terminal() {
		t.Error("Pending should not be terminal")
	}
	if !TaskSuccess.Terminal() {
		t.Error("Success should be terminal")
	}
	if !TaskFailure.Terminal() {
		t.Error("Failure should be terminal")
	}
}

func TestEffectiveLevel(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected Level
	}{
		{
			name:     "message carries its own level",
			event:    Event{Kind: KindMessage, Level: LevelNotice},
			expected: LevelNotice,
		},
		{
			name:     "pending task",
			event:    Event{Kind: KindNetworkTask, State: TaskPending},
			expected: LevelDebug,
		},
		{
			name:     "successful task",
			event:    Event{Kind: KindNetworkTask, State: TaskSuccess, StatusCode: 200},
			expected: LevelInfo,
		},
		{
			name:     "successful task with client error status",
			event:    Event{Kind: KindNetworkTask, State: TaskSuccess, StatusCode: 404},
			expected: LevelWarning,
		},
		{
			name:     "successful task with server error status",
			event:    Event{Kind: KindNetworkTask, State: TaskSuccess, StatusCode: 500},
			expected: LevelWarning,
		},
		{
			name:     "failed task",
			event:    Event{Kind: KindNetworkTask, State: TaskFailure},
			expected: LevelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if level := tt.event.EffectiveLevel(); level != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestNormalizedLabel(t *testing.T) {
	event := Event{Label: "  Network  "}
	if got := event.NormalizedLabel(); got != "network" {
		t.Errorf("Expected %q, got %q", "network", got)
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		event     Event
		expectErr bool
	}{
		{
			name:  "valid message",
			event: Event{Kind: KindMessage, Level: LevelInfo, Text: "hello", CreatedAt: now},
		},
		{
			name:      "message with invalid level",
			event:     Event{Kind: KindMessage, Level: Level(42), CreatedAt: now},
			expectErr: true,
		},
		{
			name:  "valid pending task",
			event: Event{Kind: KindNetworkTask, TaskID: "t1", State: TaskPending, CreatedAt: now},
		},
		{
			name:  "valid terminal task",
			event: Event{Kind: KindNetworkTask, TaskID: "t1", State: TaskSuccess, StatusCode: 200, CreatedAt: now},
		},
		{
			name:      "task without task id",
			event:     Event{Kind: KindNetworkTask, State: TaskPending, CreatedAt: now},
			expectErr: true,
		},
		{
			name:      "task with unknown state",
			event:     Event{Kind: KindNetworkTask, TaskID: "t1", State: "running", CreatedAt: now},
			expectErr: true,
		},
		{
			name:      "missing kind",
			event:     Event{Level: LevelInfo, CreatedAt: now},
			expectErr: true,
		},
		{
			name:      "unknown kind",
			event:     Event{Kind: "trace_span", CreatedAt: now},
			expectErr: true,
		},
		{
			name:      "missing creation time",
			event:     Event{Kind: KindMessage, Level: LevelInfo},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}
