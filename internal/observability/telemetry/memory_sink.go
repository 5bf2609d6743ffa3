package telemetry

import (
	"context"
	"sync"
)

// MemorySink keeps exported events in order. Tests install it behind a
// Pipeline and query by event name.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a snapshot of everything exported so far.
func (s *MemorySink) Events() []Event {
	return s.match(func(Event) bool { return true })
}

// Logs returns log events named name.
func (s *MemorySink) Logs(name string) []Event {
	return s.match(func(e Event) bool { return e.Log != nil && e.Log.Name == name })
}

// Metrics returns metric samples named name.
func (s *MemorySink) Metrics(name string) []Event {
	return s.match(func(e Event) bool { return e.Metric != nil && e.Metric.Name == name })
}

// Spans returns spans named name.
func (s *MemorySink) Spans(name string) []Event {
	return s.match(func(e Event) bool { return e.Span != nil && e.Span.Name == name })
}

func (s *MemorySink) match(keep func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, event := range s.events {
		if keep(event) {
			out = append(out, event)
		}
	}
	return out
}
