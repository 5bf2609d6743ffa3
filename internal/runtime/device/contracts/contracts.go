package contracts

import (
	"context"
	"errors"
	"fmt"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
)

// Failure reasons shared by adapters and the dispatcher.
const (
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonUnsupportedKind   = "unsupported device kind"
	ReasonUnsupportedSignal = "unsupported signal"
	ReasonClipMissing       = "clip not available"
	ReasonNoResponse        = "connection closed, no response"
)

// ClipRef points at a ready speech clip.
type ClipRef struct {
	Key    string
	Path   string
	URL    string
	Format dispatch.AudioFormat
}

// Command is one device instruction produced by a dispatch.
type Command struct {
	DispatchID string
	Target     dispatch.DeviceTarget
	Payload    dispatch.Payload
	Clip       *ClipRef
}

// Validate enforces command invariants before an adapter call.
func (c Command) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	return c.Payload.Validate()
}

// Adapter issues one command to one device. A nil error is success; adapters
// must honor ctx and must not panic.
type Adapter interface {
	Kind() dispatch.DeviceKind
	Execute(ctx context.Context, cmd Command) error
}

// StaticAdapter is a small utility adapter for tests and static catalogs.
type StaticAdapter struct {
	DeviceKind dispatch.DeviceKind
	ExecuteFn  func(context.Context, Command) error
}

func (a StaticAdapter) Kind() dispatch.DeviceKind {
	return a.DeviceKind
}

func (a StaticAdapter) Execute(ctx context.Context, cmd Command) error {
	if a.ExecuteFn != nil {
		return a.ExecuteFn(ctx, cmd)
	}
	return cmd.Validate()
}

// DeviceError carries a device-reported or protocol failure reason.
type DeviceError struct {
	Step   string
	Reason string
}

func (e *DeviceError) Error() string {
	if e.Step == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Reason)
}

// Failf builds a DeviceError.
func Failf(step string, format string, args ...any) error {
	return &DeviceError{Step: step, Reason: fmt.Sprintf(format, args...)}
}

// WithStep prefixes err with step unless it is already a step-scoped DeviceError.
func WithStep(step string, err error) error {
	if err == nil {
		return nil
	}
	var deviceErr *DeviceError
	if errors.As(err, &deviceErr) && deviceErr.Step != "" {
		return err
	}
	return &DeviceError{Step: step, Reason: err.Error()}
}
