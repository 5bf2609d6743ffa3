package staged

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/dispatcher"
)

// WarningDelay is the audible-warning margin before a gate moves. It is a
// safety constant and is never shortened or skipped.
const WarningDelay = 5000 * time.Millisecond

// Runner is the dispatcher surface the controller sequences.
type Runner interface {
	Run(ctx context.Context, req dispatcher.Request) (dispatch.Report, error)
}

// Sleeper waits d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Controller warns people near a barrier before actuating it.
type Controller struct {
	runner Runner
	sleep  Sleeper
	now    func() time.Time
	newID  func() string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleeper replaces the delay implementation. Tests use it to observe the
// delay without waiting for it.
func WithSleeper(sleep Sleeper) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClock replaces the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController returns a staged controller over runner.
func NewController(runner Runner, opts ...Option) *Controller {
	c := &Controller{
		runner: runner,
		sleep:  sleepContext,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StagedActuate clicks warningTargets, waits WarningDelay, then sends cmd to
// gateTargets and returns the gate report. The warning outcome never gates
// actuation.
func (c *Controller) StagedActuate(ctx context.Context, gateTargets []dispatch.DeviceTarget, cmd dispatch.SignalKind, warningTargets []dispatch.DeviceTarget, perTargetTimeout time.Duration) (dispatch.Report, error) {
	if cmd != dispatch.SignalOpen && cmd != dispatch.SignalClose {
		err := fmt.Errorf("%w: gate command must be open or close, got %q", dispatch.ErrInvalidPayload, cmd)
		return dispatch.EmptyReport(err.Error()), err
	}
	if len(gateTargets) == 0 {
		return dispatch.EmptyReport(dispatcher.ErrNoTargets.Error()), dispatcher.ErrNoTargets
	}

	session := dispatch.GateControlSession{
		DispatchID: c.newID(),
		Targets:    gateTargets,
		Command:    cmd,
	}
	operation := "staged_" + string(cmd)
	correlation := telemetry.Correlation{
		DispatchID: session.DispatchID,
		Operation:  operation,
		DeviceKind: string(dispatch.KindGate),
		EmittedBy:  "staged",
	}

	session.WarningIssuedAt = c.now()
	if len(warningTargets) > 0 {
		warning := dispatcher.Request{
			DispatchID: session.DispatchID + "-warning",
			Operation:  operation + "_warning",
			Targets:    warningTargets,
			Payload:    dispatch.NewCommandSignal(dispatch.SignalClick),
			Timeout:    perTargetTimeout,
		}
		// Detached: the warning must finish even if the operator request ends.
		go c.warn(context.WithoutCancel(ctx), warning, correlation)
	} else {
		telemetry.DefaultEmitter().EmitLog("staged_warning_skipped", "warn", "no warning speakers for gate operation", nil, correlation)
	}

	if err := c.sleep(ctx, WarningDelay); err != nil {
		telemetry.DefaultEmitter().EmitLog("staged_aborted", "warn", "gate operation aborted during warning delay", map[string]string{"error": err.Error()}, correlation)
		return dispatch.EmptyReport(err.Error()), fmt.Errorf("warning delay interrupted: %w", err)
	}

	session.ActuationStartedAt = c.now()
	report, err := c.runner.Run(ctx, dispatcher.Request{
		DispatchID: session.DispatchID,
		Operation:  operation,
		Targets:    gateTargets,
		Payload:    dispatch.NewCommandSignal(cmd),
		Timeout:    perTargetTimeout,
	})

	telemetry.DefaultEmitter().EmitSpan("staged_gate_control", "staged", session.WarningIssuedAt.UnixMilli(), c.now().UnixMilli(), map[string]string{
		"command":              string(cmd),
		"gates":                strconv.Itoa(len(gateTargets)),
		"warning_speakers":     strconv.Itoa(len(warningTargets)),
		"warning_issued_at":    session.WarningIssuedAt.UTC().Format(time.RFC3339Nano),
		"actuation_started_at": session.ActuationStartedAt.UTC().Format(time.RFC3339Nano),
		"status":               string(report.Status()),
	}, correlation)
	return report, err
}

func (c *Controller) warn(ctx context.Context, req dispatcher.Request, correlation telemetry.Correlation) {
	report, err := c.runner.Run(ctx, req)
	if err != nil {
		telemetry.DefaultEmitter().EmitLog("staged_warning_failed", "warn", err.Error(), nil, correlation)
		return
	}
	severity := "info"
	if !report.Succeeded() {
		severity = "warn"
	}
	telemetry.DefaultEmitter().EmitLog("staged_warning_finished", severity, "gate warning broadcast finished", map[string]string{
		"status":        string(report.Status()),
		"success_count": strconv.Itoa(report.SuccessCount),
		"fail_count":    strconv.Itoa(report.FailCount),
	}, correlation)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
