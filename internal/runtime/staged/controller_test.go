package staged

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/catalog"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/dispatcher"
)

type recordingSleeper struct {
	mu        sync.Mutex
	durations []time.Duration
	before    func()
	err       error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	if s.before != nil {
		s.before()
	}
	s.mu.Lock()
	s.durations = append(s.durations, d)
	s.mu.Unlock()
	return s.err
}

func newRealDispatcher(t *testing.T, adapters ...contracts.Adapter) *dispatcher.Dispatcher {
	t.Helper()
	cat, err := catalog.NewCatalog(adapters)
	require.NoError(t, err)
	return dispatcher.New(dispatcher.Config{Catalog: cat})
}

func TestStagedActuateProceedsWhenWarningFails(t *testing.T) {
	t.Parallel()

	var speakerCalls, gateCalls atomic.Int64
	var gateBeforeWarning atomic.Bool
	speaker := contracts.StaticAdapter{DeviceKind: dispatch.KindSpeakerVendorA, ExecuteFn: func(_ context.Context, cmd contracts.Command) error {
		speakerCalls.Add(1)
		if cmd.Payload.Signal() != dispatch.SignalClick {
			return errors.New("expected click")
		}
		return errors.New("speaker unreachable")
	}}
	gate := contracts.StaticAdapter{DeviceKind: dispatch.KindGate, ExecuteFn: func(_ context.Context, cmd contracts.Command) error {
		if speakerCalls.Load() == 0 {
			gateBeforeWarning.Store(true)
		}
		gateCalls.Add(1)
		if cmd.Payload.Signal() != dispatch.SignalOpen {
			return errors.New("expected open")
		}
		return nil
	}}
	d := newRealDispatcher(t, speaker, gate)

	sleeper := &recordingSleeper{}
	sleeper.before = func() {
		// The warning is issued before the delay starts; wait for it to land.
		require.Eventually(t, func() bool { return speakerCalls.Load() == 2 }, time.Second, time.Millisecond)
		assert.Zero(t, gateCalls.Load(), "gates must not move during the warning delay")
	}
	controller := NewController(d, WithSleeper(sleeper.Sleep))

	gates := []dispatch.DeviceTarget{
		{Address: "10.3.0.1", Kind: dispatch.KindGate},
		{Address: "10.3.0.2", Kind: dispatch.KindGate},
		{Address: "10.3.0.3", Kind: dispatch.KindGate},
	}
	warnings := []dispatch.DeviceTarget{
		{Address: "10.1.0.1", Kind: dispatch.KindSpeakerVendorA},
		{Address: "10.1.0.2", Kind: dispatch.KindSpeakerVendorA},
	}

	report, err := controller.StagedActuate(context.Background(), gates, dispatch.SignalOpen, warnings, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.durations)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.SuccessCount)
	assert.Equal(t, []string{"10.3.0.1", "10.3.0.2", "10.3.0.3"}, report.SuccessList)
	assert.Equal(t, int64(3), gateCalls.Load())
	assert.False(t, gateBeforeWarning.Load())
}

func TestStagedActuateWaitsEvenWithoutWarningTargets(t *testing.T) {
	t.Parallel()

	gate := contracts.StaticAdapter{DeviceKind: dispatch.KindGate}
	sleeper := &recordingSleeper{}
	controller := NewController(newRealDispatcher(t, gate), WithSleeper(sleeper.Sleep))

	report, err := controller.StagedActuate(context.Background(), []dispatch.DeviceTarget{{Address: "g", Kind: dispatch.KindGate}}, dispatch.SignalClose, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SuccessCount)
	assert.Equal(t, []time.Duration{WarningDelay}, sleeper.durations)
}

func TestStagedActuateAbortsWhenDelayInterrupted(t *testing.T) {
	t.Parallel()

	var gateCalls atomic.Int64
	gate := contracts.StaticAdapter{DeviceKind: dispatch.KindGate, ExecuteFn: func(context.Context, contracts.Command) error {
		gateCalls.Add(1)
		return nil
	}}
	sleeper := &recordingSleeper{err: context.Canceled}
	controller := NewController(newRealDispatcher(t, gate), WithSleeper(sleeper.Sleep))

	_, err := controller.StagedActuate(context.Background(), []dispatch.DeviceTarget{{Address: "g", Kind: dispatch.KindGate}}, dispatch.SignalOpen, nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gateCalls.Load())
}

func TestStagedActuateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	controller := NewController(newRealDispatcher(t, contracts.StaticAdapter{DeviceKind: dispatch.KindGate}), WithSleeper(sleeper.Sleep))
	gates := []dispatch.DeviceTarget{{Address: "g", Kind: dispatch.KindGate}}

	_, err := controller.StagedActuate(context.Background(), gates, dispatch.SignalClick, nil, time.Second)
	assert.ErrorIs(t, err, dispatch.ErrInvalidPayload)

	_, err = controller.StagedActuate(context.Background(), nil, dispatch.SignalOpen, nil, time.Second)
	assert.ErrorIs(t, err, dispatcher.ErrNoTargets)

	assert.Empty(t, sleeper.durations, "validation failures must not start the warning sequence")
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func eventsFor(events []telemetry.Event, id string) []telemetry.Event {
	var out []telemetry.Event
	for _, e := range events {
		if e.Correlation.DispatchID == id {
			out = append(out, e)
		}
	}
	return out
}

// Swaps the process emitter; not parallel.
func TestStagedActuateTelemetryWhenWarningFails(t *testing.T) {
	sink := telemetry.NewMemorySink()
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{QueueCapacity: 512})
	telemetry.SetDefaultEmitter(pipeline)
	t.Cleanup(func() {
		telemetry.SetDefaultEmitter(nil)
		_ = pipeline.Close()
	})

	speaker := contracts.StaticAdapter{DeviceKind: dispatch.KindSpeakerVendorA, ExecuteFn: func(context.Context, contracts.Command) error {
		return errors.New("speaker unreachable")
	}}
	gate := contracts.StaticAdapter{DeviceKind: dispatch.KindGate}
	controller := NewController(newRealDispatcher(t, speaker, gate), WithSleeper(func(context.Context, time.Duration) error { return nil }))
	controller.newID = func() string { return "stg-telemetry" }

	gates := []dispatch.DeviceTarget{
		{Address: "10.3.0.1", Kind: dispatch.KindGate},
		{Address: "10.3.0.2", Kind: dispatch.KindGate},
		{Address: "10.3.0.3", Kind: dispatch.KindGate},
	}
	warnings := []dispatch.DeviceTarget{
		{Address: "10.1.0.1", Kind: dispatch.KindSpeakerVendorA},
		{Address: "10.1.0.2", Kind: dispatch.KindSpeakerVendorA},
	}
	report, err := controller.StagedActuate(context.Background(), gates, dispatch.SignalOpen, warnings, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, report.SuccessCount)

	// The warning broadcast is detached and may land after the gates.
	require.Eventually(t, func() bool {
		return len(eventsFor(sink.Logs("staged_warning_finished"), "stg-telemetry")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pipeline.Close())

	spans := eventsFor(sink.Spans("staged_gate_control"), "stg-telemetry")
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "staged", span.Span.Component)
	assert.Equal(t, "staged_open", span.Correlation.Operation)
	assert.Equal(t, string(dispatch.KindGate), span.Correlation.DeviceKind)
	assert.Equal(t, "staged", span.Correlation.EmittedBy)
	assert.Equal(t, "open", span.Span.Attributes["command"])
	assert.Equal(t, "3", span.Span.Attributes["gates"])
	assert.Equal(t, "2", span.Span.Attributes["warning_speakers"])
	assert.Equal(t, string(dispatch.StatusComplete), span.Span.Attributes["status"])
	assert.GreaterOrEqual(t, span.Span.EndMS, span.Span.StartMS)

	warned := eventsFor(sink.Logs("staged_warning_finished"), "stg-telemetry")[0]
	assert.Equal(t, telemetry.SeverityWarn, warned.Log.Severity)
	assert.Equal(t, string(dispatch.StatusFailed), warned.Log.Attributes["status"])
	assert.Equal(t, "2", warned.Log.Attributes["fail_count"])

	var warningAddrs []string
	for _, e := range eventsFor(sink.Logs("dispatch_target_failed"), "stg-telemetry-warning") {
		assert.Equal(t, "staged_open_warning", e.Correlation.Operation)
		warningAddrs = append(warningAddrs, e.Correlation.Address)
	}
	assert.ElementsMatch(t, []string{"10.1.0.1", "10.1.0.2"}, warningAddrs)

	assert.Empty(t, eventsFor(sink.Logs("dispatch_target_failed"), "stg-telemetry"))
	gateFinished := eventsFor(sink.Logs("dispatch_finished"), "stg-telemetry")
	require.Len(t, gateFinished, 1)
	assert.Equal(t, "staged_open", gateFinished[0].Correlation.Operation)
	assert.Len(t, eventsFor(sink.Metrics(telemetry.MetricDeviceRTTMS), "stg-telemetry"), 3)
}
