package clipcache

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
)

type gatedSynth struct {
	release chan struct{}
	calls   atomic.Int64
	err     error
}

func (s *gatedSynth) Synthesize(ctx context.Context, text string, format dispatch.AudioFormat) (string, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "/clips/" + Key(text, format) + "." + string(format), nil
}

func TestObtainDeduplicatesConcurrentCallers(t *testing.T) {
	t.Parallel()

	synth := &gatedSynth{release: make(chan struct{})}
	cache := New(context.Background(), synth, telemetry.Correlation{DispatchID: "dsp-1"})

	const callers = 32
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = cache.Obtain("evacuate building B", dispatch.FormatWAV)
		}(i)
	}
	wg.Wait()

	for _, handle := range handles {
		assert.Same(t, handles[0], handle)
	}
	assert.Equal(t, StatePending, handles[0].State())

	close(synth.release)
	clip, err := handles[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatch.FormatWAV, clip.Format)
	assert.Equal(t, StateReady, handles[0].State())
	assert.Equal(t, int64(1), synth.calls.Load())
	assert.Equal(t, int64(1), cache.Calls())

	// Repeats after settlement reuse the ready handle.
	again := cache.Obtain("evacuate building B", dispatch.FormatWAV)
	assert.Same(t, handles[0], again)
	assert.Equal(t, int64(1), synth.calls.Load())
}

func TestObtainTreatsFormatsAsIndependentKeys(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	both := make(chan struct{})
	var once sync.Once
	synth := SynthesizerFunc(func(ctx context.Context, text string, format dispatch.AudioFormat) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
		return "/tmp/" + string(format), nil
	})
	cache := New(context.Background(), synth, telemetry.Correlation{})

	wav := cache.Obtain("gate opening", dispatch.FormatWAV)
	mp3 := cache.Obtain("gate opening", dispatch.FormatMP3)
	require.NotEqual(t, wav.Key(), mp3.Key())

	_, err := wav.Wait(context.Background())
	require.NoError(t, err)
	_, err = mp3.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache.Calls())
	assert.Equal(t, int64(2), peak.Load(), "different keys must generate in parallel")
}

func TestObtainSurfacesFailureToEveryWaiter(t *testing.T) {
	t.Parallel()

	synth := &gatedSynth{release: make(chan struct{}), err: errors.New("engine unavailable")}
	cache := New(context.Background(), synth, telemetry.Correlation{})

	first := cache.Obtain("hello", dispatch.FormatMP3)
	second := cache.Obtain("hello", dispatch.FormatMP3)
	close(synth.release)

	for _, handle := range []*Handle{first, second} {
		_, err := handle.Wait(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine unavailable")
		assert.Equal(t, StateFailed, handle.State())
	}

	// No retry: the failed handle is reused.
	third := cache.Obtain("hello", dispatch.FormatMP3)
	assert.Same(t, first, third)
	assert.Equal(t, int64(1), synth.calls.Load())
}

func TestObtainConvertsSynthesizerPanicAndEmptyPath(t *testing.T) {
	t.Parallel()

	panicky := New(context.Background(), SynthesizerFunc(func(context.Context, string, dispatch.AudioFormat) (string, error) {
		panic("boom")
	}), telemetry.Correlation{})
	_, err := panicky.Obtain("x", dispatch.FormatWAV).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesizer panic")

	empty := New(context.Background(), SynthesizerFunc(func(context.Context, string, dispatch.AudioFormat) (string, error) {
		return "  ", nil
	}), telemetry.Correlation{})
	_, err = empty.Obtain("x", dispatch.FormatWAV).Wait(context.Background())
	require.Error(t, err)

	missing := New(context.Background(), nil, telemetry.Correlation{})
	_, err = missing.Obtain("x", dispatch.FormatWAV).Wait(context.Background())
	require.Error(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	synth := &gatedSynth{release: make(chan struct{})}
	defer close(synth.release)
	cache := New(context.Background(), synth, telemetry.Correlation{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Obtain("slow", dispatch.FormatWAV).Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyIsStableAndFormatSensitive(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("hello", dispatch.FormatWAV), Key(" hello ", dispatch.FormatWAV))
	assert.NotEqual(t, Key("hello", dispatch.FormatWAV), Key("hello", dispatch.FormatMP3))
	assert.Len(t, Key("hello", dispatch.FormatWAV), 64)
}
