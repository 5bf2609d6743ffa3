package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DeviceKind identifies the protocol family a physical endpoint speaks.
type DeviceKind string

const (
	KindSpeakerVendorA DeviceKind = "speaker_vendor_a"
	KindSpeakerVendorB DeviceKind = "speaker_vendor_b"
	KindBillboard      DeviceKind = "billboard"
	KindGate           DeviceKind = "gate"
)

// AllKinds returns every supported device kind in stable order.
func AllKinds() []DeviceKind {
	return []DeviceKind{KindSpeakerVendorA, KindSpeakerVendorB, KindBillboard, KindGate}
}

// Validate enforces supported device kinds.
func (k DeviceKind) Validate() error {
	switch k {
	case KindSpeakerVendorA, KindSpeakerVendorB, KindBillboard, KindGate:
		return nil
	default:
		return fmt.Errorf("unsupported device kind: %q", k)
	}
}

// AudioFormat returns the clip format a speaker kind plays.
func (k DeviceKind) AudioFormat() (AudioFormat, bool) {
	switch k {
	case KindSpeakerVendorA:
		return FormatWAV, true
	case KindSpeakerVendorB:
		return FormatMP3, true
	default:
		return "", false
	}
}

// AudioFormat is the encoding of a synthesized speech clip.
type AudioFormat string

const (
	FormatWAV AudioFormat = "wav"
	FormatMP3 AudioFormat = "mp3"
)

// Validate enforces supported audio formats.
func (f AudioFormat) Validate() error {
	switch f {
	case FormatWAV, FormatMP3:
		return nil
	default:
		return fmt.Errorf("unsupported audio format: %q", f)
	}
}

// DeviceTarget is a read-only snapshot of one physical endpoint.
type DeviceTarget struct {
	Address string     `json:"address" yaml:"address"`
	Kind    DeviceKind `json:"kind" yaml:"kind"`
	GroupID string     `json:"group_id,omitempty" yaml:"group_id,omitempty"`
}

// Validate enforces target invariants.
func (t DeviceTarget) Validate() error {
	if strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("target address is required")
	}
	return t.Kind.Validate()
}

// SignalKind is the command carried by a CommandSignal payload.
type SignalKind string

const (
	SignalClick SignalKind = "click"
	SignalOpen  SignalKind = "open"
	SignalClose SignalKind = "close"
)

// Validate enforces supported signal kinds.
func (s SignalKind) Validate() error {
	switch s {
	case SignalClick, SignalOpen, SignalClose:
		return nil
	default:
		return fmt.Errorf("unsupported signal kind: %q", s)
	}
}

// PayloadType discriminates the Payload union.
type PayloadType string

const (
	PayloadText    PayloadType = "text"
	PayloadCommand PayloadType = "command"
)

// TextMessage is spoken by speakers or shown by billboards.
type TextMessage struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length,omitempty"`
}

// CommandSignal is a fixed device command.
type CommandSignal struct {
	Kind SignalKind `json:"kind"`
}

// Payload is immutable for the lifetime of one dispatch.
type Payload struct {
	Type    PayloadType    `json:"type"`
	Text    *TextMessage   `json:"text,omitempty"`
	Command *CommandSignal `json:"command,omitempty"`
}

var (
	// ErrEmptyText is returned for text payloads without text.
	ErrEmptyText = errors.New("text message is empty")
	// ErrInvalidPayload is returned when the payload union is malformed.
	ErrInvalidPayload = errors.New("invalid payload")
)

// NewTextMessage builds a text payload. maxLength <= 0 means unbounded.
func NewTextMessage(text string, maxLength int) Payload {
	return Payload{Type: PayloadText, Text: &TextMessage{Text: text, MaxLength: maxLength}}
}

// NewCommandSignal builds a command payload.
func NewCommandSignal(kind SignalKind) Payload {
	return Payload{Type: PayloadCommand, Command: &CommandSignal{Kind: kind}}
}

// Validate enforces payload invariants.
func (p Payload) Validate() error {
	switch p.Type {
	case PayloadText:
		if p.Text == nil || p.Command != nil {
			return fmt.Errorf("%w: text payload requires text only", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.Text.Text) == "" {
			return ErrEmptyText
		}
		if p.Text.MaxLength < 0 {
			return fmt.Errorf("%w: max_length must be >=0", ErrInvalidPayload)
		}
		return nil
	case PayloadCommand:
		if p.Command == nil || p.Text != nil {
			return fmt.Errorf("%w: command payload requires command only", ErrInvalidPayload)
		}
		if err := p.Command.Kind.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported payload type %q", ErrInvalidPayload, p.Type)
	}
}

// IsText reports whether the payload carries a text message.
func (p Payload) IsText() bool {
	return p.Type == PayloadText && p.Text != nil
}

// Signal returns the command kind, or "" for text payloads.
func (p Payload) Signal() SignalKind {
	if p.Type != PayloadCommand || p.Command == nil {
		return ""
	}
	return p.Command.Kind
}

// TruncatedText returns the message text cut to MaxLength runes.
func (p Payload) TruncatedText() string {
	if !p.IsText() {
		return ""
	}
	text := strings.TrimSpace(p.Text.Text)
	if p.Text.MaxLength <= 0 || utf8.RuneCountInString(text) <= p.Text.MaxLength {
		return text
	}
	return string([]rune(text)[:p.Text.MaxLength])
}

// Outcome is the settled result for one target.
type Outcome struct {
	Target    DeviceTarget `json:"target"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Failure enumerates one failed target in a Report.
type Failure struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

// Report aggregates the outcomes of one dispatch.
type Report struct {
	Total        int       `json:"total"`
	SuccessCount int       `json:"successCount"`
	FailCount    int       `json:"failCount"`
	SuccessList  []string  `json:"successList"`
	FailList     []Failure `json:"failList"`
	Error        string    `json:"error,omitempty"`
}

// ReportStatus classifies a report for operator messaging.
type ReportStatus string

const (
	StatusComplete ReportStatus = "complete"
	StatusPartial  ReportStatus = "partial"
	StatusFailed   ReportStatus = "failed"
	StatusEmpty    ReportStatus = "empty"
)

// NewReport aggregates outcomes in insertion order.
func NewReport(outcomes []Outcome) Report {
	report := Report{
		Total:       len(outcomes),
		SuccessList: make([]string, 0, len(outcomes)),
		FailList:    make([]Failure, 0),
	}
	for _, outcome := range outcomes {
		if outcome.Success {
			report.SuccessCount++
			report.SuccessList = append(report.SuccessList, outcome.Target.Address)
			continue
		}
		reason := outcome.Error
		if reason == "" {
			reason = "unknown error"
		}
		report.FailCount++
		report.FailList = append(report.FailList, Failure{Address: outcome.Target.Address, Error: reason})
	}
	return report
}

// EmptyReport is returned when a dispatch had nothing to fan out to.
func EmptyReport(reason string) Report {
	return Report{
		SuccessList: []string{},
		FailList:    []Failure{},
		Error:       reason,
	}
}

// Succeeded is true when at least one target succeeded.
func (r Report) Succeeded() bool {
	return r.SuccessCount > 0
}

// Status classifies the report.
func (r Report) Status() ReportStatus {
	switch {
	case r.Total == 0:
		return StatusEmpty
	case r.SuccessCount == r.Total:
		return StatusComplete
	case r.SuccessCount > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Validate checks the aggregate counting invariants.
func (r Report) Validate() error {
	if r.SuccessCount+r.FailCount != r.Total {
		return fmt.Errorf("successCount+failCount (%d) != total (%d)", r.SuccessCount+r.FailCount, r.Total)
	}
	if len(r.SuccessList) != r.SuccessCount || len(r.FailList) != r.FailCount {
		return fmt.Errorf("list lengths do not match counts")
	}
	return nil
}

// OperatorResult is the envelope returned to the operator UI.
type OperatorResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  Report `json:"result"`
}

// NewOperatorResult wraps a report with a status message for action.
func NewOperatorResult(action string, report Report) OperatorResult {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "dispatch"
	}
	var message string
	switch report.Status() {
	case StatusComplete:
		message = fmt.Sprintf("%s succeeded on all %d devices", action, report.Total)
	case StatusPartial:
		message = fmt.Sprintf("%s succeeded on %d of %d devices", action, report.SuccessCount, report.Total)
	case StatusFailed:
		message = fmt.Sprintf("%s failed on all %d devices", action, report.Total)
	default:
		reason := report.Error
		if reason == "" {
			reason = "no targets"
		}
		message = fmt.Sprintf("%s not attempted: %s", action, reason)
	}
	return OperatorResult{Success: report.Succeeded(), Message: message, Result: report}
}

// GateControlSession records one staged gate operation. It is never persisted.
type GateControlSession struct {
	DispatchID         string         `json:"dispatch_id"`
	Targets            []DeviceTarget `json:"targets"`
	Command            SignalKind     `json:"command"`
	WarningIssuedAt    time.Time      `json:"warning_issued_at"`
	ActuationStartedAt time.Time      `json:"actuation_started_at"`
}
