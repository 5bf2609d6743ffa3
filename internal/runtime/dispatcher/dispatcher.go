package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/clipcache"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/catalog"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

var (
	// ErrNoTargets is returned when a dispatch has nothing to fan out to.
	ErrNoTargets = errors.New("no targets")
	// ErrInvalidTimeout is returned for non-positive per-target timeouts.
	ErrInvalidTimeout = errors.New("per-target timeout must be > 0")
)

// ClipURLFunc maps a ready clip to the URL devices fetch it from.
type ClipURLFunc func(clip clipcache.Clip) string

// Config wires a Dispatcher.
type Config struct {
	Catalog     catalog.Catalog
	Synthesizer clipcache.Synthesizer
	ClipURL     ClipURLFunc
	Now         func() time.Time
	NewID       func() string
}

// Dispatcher fans one payload out to many devices and gathers one report.
type Dispatcher struct {
	catalog catalog.Catalog
	synth   clipcache.Synthesizer
	clipURL ClipURLFunc
	now     func() time.Time
	newID   func() string
}

// Request is one dispatch call.
type Request struct {
	// DispatchID correlates telemetry; generated when empty.
	DispatchID string
	Operation  string
	Targets    []dispatch.DeviceTarget
	Payload    dispatch.Payload
	Timeout    time.Duration
}

// New returns a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Dispatcher{
		catalog: cfg.Catalog,
		synth:   cfg.Synthesizer,
		clipURL: cfg.ClipURL,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
}

// Dispatch sends payload to every target with perTargetTimeout bounding each
// device call.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []dispatch.DeviceTarget, payload dispatch.Payload, perTargetTimeout time.Duration) (dispatch.Report, error) {
	return d.Run(ctx, Request{Targets: targets, Payload: payload, Timeout: perTargetTimeout})
}

// Run executes a dispatch request. Only input validation errors are returned;
// per-target failures are reported in the Report.
func (d *Dispatcher) Run(ctx context.Context, req Request) (dispatch.Report, error) {
	if req.DispatchID == "" {
		req.DispatchID = d.newID()
	}
	if req.Operation == "" {
		req.Operation = "dispatch"
	}
	correlation := telemetry.Correlation{DispatchID: req.DispatchID, Operation: req.Operation, EmittedBy: "dispatcher"}

	if len(req.Targets) == 0 {
		return dispatch.EmptyReport(ErrNoTargets.Error()), ErrNoTargets
	}
	if err := req.Payload.Validate(); err != nil {
		return dispatch.EmptyReport(err.Error()), err
	}
	if req.Timeout <= 0 {
		return dispatch.EmptyReport(ErrInvalidTimeout.Error()), ErrInvalidTimeout
	}

	start := d.now()
	telemetry.DefaultEmitter().EmitLog("dispatch_started", "info", "dispatch started", map[string]string{
		"targets":    strconv.Itoa(len(req.Targets)),
		"payload":    string(req.Payload.Type),
		"timeout_ms": strconv.FormatInt(req.Timeout.Milliseconds(), 10),
	}, correlation)

	clips := d.prepareClips(ctx, req, correlation)

	outcomes := make([]dispatch.Outcome, len(req.Targets))
	var wg sync.WaitGroup
	for i, target := range req.Targets {
		cmd := contracts.Command{DispatchID: req.DispatchID, Target: target, Payload: req.Payload}

		if format, needsClip := clipFormat(target, req.Payload); needsClip {
			result := clips[format]
			if result.err != nil {
				outcomes[i] = d.failed(target, "clip generation failed: "+result.err.Error())
				continue
			}
			ref := result.ref
			cmd.Clip = &ref
		}

		adapter, ok := d.catalog.Adapter(target.Kind)
		if !ok {
			outcomes[i] = d.failed(target, contracts.ReasonUnsupportedKind)
			continue
		}

		wg.Add(1)
		go func(i int, adapter contracts.Adapter, cmd contracts.Command) {
			defer wg.Done()
			outcomes[i] = d.execute(ctx, adapter, cmd, req.Timeout, correlation)
		}(i, adapter, cmd)
	}
	wg.Wait()

	report := dispatch.NewReport(outcomes)
	d.emitFinished(outcomes, report, start, correlation)
	return report, nil
}

type clipResult struct {
	ref contracts.ClipRef
	err error
}

// prepareClips materializes every clip format the targets need before any
// adapter call is made. Formats generate in parallel.
func (d *Dispatcher) prepareClips(ctx context.Context, req Request, correlation telemetry.Correlation) map[dispatch.AudioFormat]clipResult {
	if !req.Payload.IsText() {
		return nil
	}
	cache := clipcache.New(ctx, d.synth, correlation)
	text := req.Payload.TruncatedText()

	handles := make(map[dispatch.AudioFormat]*clipcache.Handle)
	for _, target := range req.Targets {
		format, ok := clipFormat(target, req.Payload)
		if !ok {
			continue
		}
		if _, seen := handles[format]; !seen {
			handles[format] = cache.Obtain(text, format)
		}
	}

	results := make(map[dispatch.AudioFormat]clipResult, len(handles))
	for format, handle := range handles {
		clip, err := handle.Wait(ctx)
		if err != nil {
			results[format] = clipResult{err: err}
			continue
		}
		ref := contracts.ClipRef{Key: clip.Key, Path: clip.Path, Format: clip.Format}
		if d.clipURL != nil {
			ref.URL = d.clipURL(clip)
		}
		results[format] = clipResult{ref: ref}
	}
	return results
}

func clipFormat(target dispatch.DeviceTarget, payload dispatch.Payload) (dispatch.AudioFormat, bool) {
	if !payload.IsText() {
		return "", false
	}
	return target.Kind.AudioFormat()
}

// execute races one adapter call against timeout. On expiry the call is
// abandoned; its context is cancelled but the remote side may still act.
// Every call reports its round trip as device_rtt_ms.
func (d *Dispatcher) execute(ctx context.Context, adapter contracts.Adapter, cmd contracts.Command, timeout time.Duration, correlation telemetry.Correlation) dispatch.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	done := make(chan error, 1)
	go func() {
		done <- safeExecute(callCtx, adapter, cmd)
	}()

	var outcome dispatch.Outcome
	select {
	case err := <-done:
		if err != nil {
			outcome = d.failed(cmd.Target, err.Error())
		} else {
			outcome = dispatch.Outcome{Target: cmd.Target, Success: true, Timestamp: d.now()}
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = d.failed(cmd.Target, contracts.ReasonTimeout)
		} else {
			outcome = d.failed(cmd.Target, contracts.ReasonCancelled)
		}
	}

	correlation.DeviceKind = string(cmd.Target.Kind)
	correlation.Address = cmd.Target.Address
	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricDeviceRTTMS, float64(outcome.Timestamp.Sub(start).Milliseconds()), "ms", map[string]string{
		"success": strconv.FormatBool(outcome.Success),
	}, correlation)
	return outcome
}

func safeExecute(ctx context.Context, adapter contracts.Adapter, cmd contracts.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Execute(ctx, cmd)
}

func (d *Dispatcher) failed(target dispatch.DeviceTarget, reason string) dispatch.Outcome {
	return dispatch.Outcome{Target: target, Success: false, Error: reason, Timestamp: d.now()}
}

func (d *Dispatcher) emitFinished(outcomes []dispatch.Outcome, report dispatch.Report, start time.Time, correlation telemetry.Correlation) {
	emitter := telemetry.DefaultEmitter()
	elapsed := d.now().Sub(start)
	status := string(report.Status())

	for _, outcome := range outcomes {
		if outcome.Success {
			continue
		}
		failCorrelation := correlation
		failCorrelation.Address = outcome.Target.Address
		failCorrelation.DeviceKind = string(outcome.Target.Kind)
		emitter.EmitLog("dispatch_target_failed", "warn", outcome.Error, nil, failCorrelation)
	}
	emitter.EmitMetric(telemetry.MetricDispatchDurationMS, float64(elapsed.Milliseconds()), "ms", map[string]string{"status": status}, correlation)
	emitter.EmitMetric(telemetry.MetricDispatchFailures, float64(report.FailCount), "count", nil, correlation)
	emitter.EmitLog("dispatch_finished", "info", "dispatch finished", map[string]string{
		"status":        status,
		"total":         strconv.Itoa(report.Total),
		"success_count": strconv.Itoa(report.SuccessCount),
		"fail_count":    strconv.Itoa(report.FailCount),
	}, correlation)
}
