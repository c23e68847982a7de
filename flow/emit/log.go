package emit

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogEmitter implements Emitter by writing structured log lines with
// zerolog.
//
// Two output modes:
//   - pretty: human-readable console format with colored level tags
//   - raw: one JSON object per line, suitable for log shippers
//
// Example pretty output:
//
//	3:04PM INF step 2/5 completed execution=01J... node=transform duration=12ms
//
// Usage:
//
//	// Console output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, true)
//
//	// JSON lines to a file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, false)
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing to w. A nil writer falls
// back to stdout. When pretty is true, output goes through zerolog's
// console writer instead of raw JSON.
func NewLogEmitter(w io.Writer, pretty bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return &LogEmitter{log: zerolog.New(w).With().Timestamp().Logger()}
}

// Emit writes one event as a single log line.
func (l *LogEmitter) Emit(event Event) {
	ev := l.log.WithLevel(zerologLevel(event.Level)).
		Str("execution", event.ExecutionID).
		Str("event", string(event.Type))
	if event.NodeID != "" {
		ev = ev.Str("node", event.NodeID)
	}
	if event.Step > 0 {
		ev = ev.Int("step", event.Step)
		if event.TotalSteps > 0 {
			ev = ev.Int("total_steps", event.TotalSteps)
		}
	}
	if event.Duration > 0 {
		ev = ev.Dur("duration", event.Duration)
	}
	if len(event.Data) > 0 {
		ev = ev.Interface("data", event.Data)
	}
	if event.Milestone {
		ev = ev.Bool("milestone", true)
	}
	ev.Msg(event.Message)
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
