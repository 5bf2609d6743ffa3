package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// WriterSink writes one JSON line per event, for operators tailing stderr.
// Logs below MinSeverity are skipped; metrics and spans are written only
// when MinSeverity is debug.
type WriterSink struct {
	mu          sync.Mutex
	enc         *json.Encoder
	minSeverity Severity
}

// NewWriterSink writes to w. An empty minSeverity means info.
func NewWriterSink(w io.Writer, minSeverity Severity) *WriterSink {
	if minSeverity == "" {
		minSeverity = SeverityInfo
	}
	return &WriterSink{enc: json.NewEncoder(w), minSeverity: minSeverity}
}

type writerLine struct {
	TimestampMS int64             `json:"ts"`
	Kind        EventKind         `json:"kind"`
	Name        string            `json:"name"`
	Severity    Severity          `json:"severity,omitempty"`
	Message     string            `json:"msg,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
	DispatchID  string            `json:"dispatch_id,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	Address     string            `json:"address,omitempty"`
	Component   string            `json:"component,omitempty"`
	Attributes  map[string]string `json:"attrs,omitempty"`
}

func (s *WriterSink) Export(_ context.Context, event Event) error {
	line := writerLine{
		TimestampMS: event.TimestampMS,
		Kind:        event.Kind,
		DispatchID:  event.Correlation.DispatchID,
		Operation:   event.Correlation.Operation,
		Address:     event.Correlation.Address,
		Component:   event.Correlation.EmittedBy,
	}
	switch {
	case event.Log != nil:
		if !event.Log.Severity.AtLeast(s.minSeverity) {
			return nil
		}
		line.Name, line.Severity, line.Message, line.Attributes = event.Log.Name, event.Log.Severity, event.Log.Message, event.Log.Attributes
	case event.Metric != nil:
		if s.minSeverity.rank() > SeverityDebug.rank() {
			return nil
		}
		value := event.Metric.Value
		line.Name, line.Value, line.Unit, line.Attributes = event.Metric.Name, &value, event.Metric.Unit, event.Metric.Attributes
	case event.Span != nil:
		if s.minSeverity.rank() > SeverityDebug.rank() {
			return nil
		}
		duration := event.Span.EndMS - event.Span.StartMS
		line.Name, line.DurationMS, line.Attributes = event.Span.Name, &duration, event.Span.Attributes
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(line)
}
