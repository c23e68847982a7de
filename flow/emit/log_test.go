package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		NodeID:      "transform",
		Type:        StepCompleted,
		Level:       LevelInfo,
		Message:     "step 2/5 completed",
		Step:        2,
		TotalSteps:  5,
		Duration:    12 * time.Millisecond,
		Data:        map[string]any{"attempt": 1},
	})

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}

	if got["message"] != "step 2/5 completed" {
		t.Errorf("message = %v", got["message"])
	}
	if got["execution"] != "exec-001" {
		t.Errorf("execution = %v", got["execution"])
	}
	if got["event"] != "step_completed" {
		t.Errorf("event = %v", got["event"])
	}
	if got["node"] != "transform" {
		t.Errorf("node = %v", got["node"])
	}
	if got["step"] != float64(2) {
		t.Errorf("step = %v", got["step"])
	}
	if got["level"] != "info" {
		t.Errorf("level = %v", got["level"])
	}
}

func TestLogEmitter_Levels(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level("bogus"), "info"},
	}

	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			var buf bytes.Buffer
			NewLogEmitter(&buf, false).Emit(Event{
				ExecutionID: "e",
				Type:        StepStarted,
				Level:       tc.level,
				Message:     "x",
			})

			var got map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &got); err != nil {
				t.Fatalf("bad JSON: %v", err)
			}
			if got["level"] != tc.want {
				t.Errorf("level = %v, want %v", got["level"], tc.want)
			}
		})
	}
}

func TestLogEmitter_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, false).Emit(Event{
		ExecutionID: "e",
		Type:        WorkflowStarted,
		Level:       LevelInfo,
		Message:     "workflow started",
		Milestone:   true,
	})

	line := buf.String()
	if strings.Contains(line, `"node"`) {
		t.Errorf("workflow-level event should not carry node field: %s", line)
	}
	if strings.Contains(line, `"step"`) {
		t.Errorf("workflow-level event should not carry step field: %s", line)
	}
	if !strings.Contains(line, `"milestone":true`) {
		t.Errorf("milestone flag missing: %s", line)
	}
}

func TestLogEmitter_PrettyMode(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, true).Emit(Event{
		ExecutionID: "exec-001",
		Type:        StepStarted,
		Level:       LevelInfo,
		Message:     "step started",
	})

	out := buf.String()
	if out == "" {
		t.Fatal("no output in pretty mode")
	}
	// Console writer renders human-readable, not JSON.
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty mode produced JSON: %s", out)
	}
	if !strings.Contains(out, "step started") {
		t.Errorf("message missing from console output: %s", out)
	}
}
