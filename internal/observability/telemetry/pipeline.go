package telemetry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names emitted by the dispatch path.
const (
	MetricDispatchDurationMS = "dispatch_duration_ms"
	MetricDispatchFailures   = "dispatch_failures"
	MetricClipSynthesisMS    = "clip_synthesis_ms"
	MetricDeviceRTTMS        = "device_rtt_ms"
)

// EventKind defines telemetry payload kind.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindSpan   EventKind = "span"
	EventKindLog    EventKind = "log"
)

// Severity orders log events. Unknown values rank as info.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

func (s Severity) rank() int {
	switch Severity(strings.ToLower(strings.TrimSpace(string(s)))) {
	case SeverityDebug:
		return 0
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Correlation ties an event to the dispatch and device that produced it.
type Correlation struct {
	DispatchID  string `json:"dispatch_id,omitempty"`
	Operation   string `json:"operation,omitempty"`
	DeviceKind  string `json:"device_kind,omitempty"`
	Address     string `json:"address,omitempty"`
	EmittedBy   string `json:"emitted_by,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SpanEvent is a timed stage such as a staged gate operation.
type SpanEvent struct {
	Name       string            `json:"name"`
	Component  string            `json:"component"`
	StartMS    int64             `json:"start_ms"`
	EndMS      int64             `json:"end_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type LogEvent struct {
	Name       string            `json:"name"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the envelope handed to sinks. Exactly one payload is set.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Span        *SpanEvent   `json:"span,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Sink exports events. Export runs on the pipeline goroutine only.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is the handle the dispatch path writes to. Emission never blocks.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitSpan(name, component string, startMS, endMS int64, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation)    {}
func (noopEmitter) EmitSpan(string, string, int64, int64, map[string]string, Correlation) {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation)        {}

type emitterBox struct{ Emitter }

var defaultEmitter atomic.Pointer[emitterBox]

// SetDefaultEmitter installs the process-wide emitter; nil restores the no-op.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		defaultEmitter.Store(nil)
		return
	}
	defaultEmitter.Store(&emitterBox{emitter})
}

// DefaultEmitter returns the process-wide emitter.
func DefaultEmitter() Emitter {
	if box := defaultEmitter.Load(); box != nil {
		return box.Emitter
	}
	return noopEmitter{}
}

// Config bounds the pipeline queue and export time.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	// DebugSampleRate keeps every Nth debug log when > 1. Other severities
	// are never sampled.
	DebugSampleRate int
}

// Stats are pipeline counters.
type Stats struct {
	Accepted       uint64
	Dropped        uint64
	Sampled        uint64
	Exported       uint64
	ExportFailures uint64
}

// Pipeline queues events and exports them on one background goroutine.
// A full queue drops the event; device fan-out never waits on export.
type Pipeline struct {
	sink  Sink
	cfg   Config
	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	accepted, dropped, sampled, exported, failed atomic.Uint64
	debugSeen                                    atomic.Uint64
}

// NewPipeline starts a pipeline exporting to sink.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 256
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 200 * time.Millisecond
	}
	if cfg.DebugSampleRate < 1 {
		cfg.DebugSampleRate = 1
	}
	if sink == nil {
		sink = discardSink{}
	}
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Event, cfg.QueueCapacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

// Close exports what is queued and stops the pipeline. Emits after Close
// are dropped.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
	})
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:       p.accepted.Load(),
		Dropped:        p.dropped.Load(),
		Sampled:        p.sampled.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.failed.Load(),
	}
}

func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.push(newEvent(EventKindMetric, correlation, func(e *Event) {
		e.Metric = &MetricEvent{Name: strings.TrimSpace(name), Value: value, Unit: unit, Attributes: copyAttributes(attributes)}
	}))
}

func (p *Pipeline) EmitSpan(name, component string, startMS, endMS int64, attributes map[string]string, correlation Correlation) {
	if endMS < startMS {
		endMS = startMS
	}
	p.push(newEvent(EventKindSpan, correlation, func(e *Event) {
		e.Span = &SpanEvent{Name: strings.TrimSpace(name), Component: component, StartMS: startMS, EndMS: endMS, Attributes: copyAttributes(attributes)}
	}))
}

func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	level := Severity(strings.ToLower(strings.TrimSpace(severity)))
	if level == "" {
		level = SeverityInfo
	}
	if level == SeverityDebug && p.cfg.DebugSampleRate > 1 {
		// First debug event is kept, then every Nth.
		if (p.debugSeen.Add(1)-1)%uint64(p.cfg.DebugSampleRate) != 0 {
			p.sampled.Add(1)
			return
		}
	}
	p.push(newEvent(EventKindLog, correlation, func(e *Event) {
		e.Log = &LogEvent{Name: strings.TrimSpace(name), Severity: level, Message: message, Attributes: copyAttributes(attributes)}
	}))
}

func (p *Pipeline) push(event Event) {
	select {
	case <-p.stop:
		p.dropped.Add(1)
		return
	default:
	}
	select {
	case p.queue <- event:
		p.accepted.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case event := <-p.queue:
			p.export(event)
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					p.export(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.failed.Add(1)
		return
	}
	p.exported.Add(1)
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

func newEvent(kind EventKind, correlation Correlation, fill func(*Event)) Event {
	if correlation.TimestampMS <= 0 {
		correlation.TimestampMS = time.Now().UnixMilli()
	}
	event := Event{Kind: kind, TimestampMS: correlation.TimestampMS, Correlation: correlation}
	fill(&event)
	return event
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	return out
}
