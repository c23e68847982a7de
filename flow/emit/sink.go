package emit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultHotCapacity bounds the per-execution hot cache of the Sink.
const DefaultHotCapacity = 1000

// PersistFunc writes milestone events across the persistence boundary.
// The engine wires this to the repository's log table.
type PersistFunc func(ctx context.Context, events []Event) error

// Sink implements the two-tier log retention model.
//
// Every event lands in an in-memory hot cache keyed by execution id,
// bounded per execution (oldest entries are evicted first). Events
// flagged Milestone are additionally handed to the PersistFunc, so the
// persistent store only ever sees the entries worth keeping: lifecycle
// transitions, step errors, human interactions.
//
// The hot cache doubles as the execution history surface: History and
// HistoryWithFilter answer "what happened so far" queries for running
// and recently finished executions without touching the store.
//
// Sink is safe for concurrent use. Persistence failures never propagate
// to the emitting caller; they are logged and counted.
type Sink struct {
	mu      sync.RWMutex
	hot     map[string][]Event
	cap     int
	persist PersistFunc
	log     zerolog.Logger

	persistErrs int
}

// Filter selects events from an execution's history. Zero values mean
// "no constraint"; set fields combine with AND.
type Filter struct {
	NodeID  string // only events from this node
	Type    Type   // only events of this type
	MinStep *int   // step >= MinStep
	MaxStep *int   // step <= MaxStep
}

// NewSink creates a Sink. persist may be nil, in which case milestones
// stay in the hot cache only. hotCap <= 0 selects DefaultHotCapacity.
func NewSink(persist PersistFunc, hotCap int) *Sink {
	if hotCap <= 0 {
		hotCap = DefaultHotCapacity
	}
	return &Sink{
		hot:     make(map[string][]Event),
		cap:     hotCap,
		persist: persist,
		log:     zerolog.Nop(),
	}
}

// SetLogger routes internal persistence errors to the given logger.
func (s *Sink) SetLogger(log zerolog.Logger) {
	s.mu.Lock()
	s.log = log
	s.mu.Unlock()
}

// Emit stores the event in the hot cache and, for milestones, forwards
// it to the persistence boundary.
func (s *Sink) Emit(event Event) {
	s.mu.Lock()
	buf := append(s.hot[event.ExecutionID], event)
	if len(buf) > s.cap {
		buf = buf[len(buf)-s.cap:]
	}
	s.hot[event.ExecutionID] = buf
	persist := s.persist
	log := s.log
	s.mu.Unlock()

	if !event.Milestone || persist == nil {
		return
	}
	if err := persist(context.Background(), []Event{event}); err != nil {
		s.mu.Lock()
		s.persistErrs++
		s.mu.Unlock()
		log.Error().Err(err).
			Str("execution", event.ExecutionID).
			Str("event", string(event.Type)).
			Msg("milestone persist failed")
	}
}

// History returns a copy of all hot-cached events for an execution, in
// emission order. Returns an empty slice when nothing is cached.
func (s *Sink) History(executionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.hot[executionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the hot-cached events matching the filter,
// in emission order.
func (s *Sink) HistoryWithFilter(executionID string, f Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.hot[executionID] {
		if !matches(ev, f) {
			continue
		}
		out = append(out, ev)
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

// Clear drops the hot cache for one execution. Persisted milestones are
// unaffected.
func (s *Sink) Clear(executionID string) {
	s.mu.Lock()
	delete(s.hot, executionID)
	s.mu.Unlock()
}

// ClearAll drops the entire hot cache.
func (s *Sink) ClearAll() {
	s.mu.Lock()
	s.hot = make(map[string][]Event)
	s.mu.Unlock()
}

// PersistErrors reports how many milestone writes have failed since the
// sink was created.
func (s *Sink) PersistErrors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistErrs
}

func matches(ev Event, f Filter) bool {
	if f.NodeID != "" && ev.NodeID != f.NodeID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.MinStep != nil && ev.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && ev.Step > *f.MaxStep {
		return false
	}
	return true
}
