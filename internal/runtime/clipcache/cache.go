package clipcache

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
)

// Synthesizer produces a speech clip file for text in the given format.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, format dispatch.AudioFormat) (string, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text string, format dispatch.AudioFormat) (string, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, text string, format dispatch.AudioFormat) (string, error) {
	return f(ctx, text, format)
}

// State is the lifecycle position of a Handle.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Clip is a generated speech artifact.
type Clip struct {
	Key    string
	Path   string
	Format dispatch.AudioFormat
}

// Handle is shared by every caller that asked for the same key.
type Handle struct {
	key    string
	format dispatch.AudioFormat
	done   chan struct{}

	// path and err are written once before done is closed.
	path string
	err  error
}

// Key returns the clip key.
func (h *Handle) Key() string {
	return h.key
}

// State reports Pending until generation settles.
func (h *Handle) State() State {
	select {
	case <-h.done:
		if h.err != nil {
			return StateFailed
		}
		return StateReady
	default:
		return StatePending
	}
}

// Wait blocks until the clip settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Clip, error) {
	select {
	case <-h.done:
		if h.err != nil {
			return Clip{}, h.err
		}
		return Clip{Key: h.key, Path: h.path, Format: h.format}, nil
	case <-ctx.Done():
		return Clip{}, ctx.Err()
	}
}

// Cache deduplicates clip generation by (text, format). A Cache lives for
// one dispatch; it never retries a failed generation.
type Cache struct {
	synth Synthesizer
	ctx   context.Context

	mu      sync.Mutex
	handles map[string]*Handle
	calls   atomic.Int64

	correlation telemetry.Correlation
}

// New returns a cache whose generations run under ctx.
func New(ctx context.Context, synth Synthesizer, correlation telemetry.Correlation) *Cache {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Cache{
		synth:       synth,
		ctx:         ctx,
		handles:     make(map[string]*Handle),
		correlation: correlation,
	}
}

// Key derives the cache key for a text/format pair.
func Key(text string, format dispatch.AudioFormat) string {
	h := blake3.New()
	_, _ = h.Write([]byte(string(format)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// Obtain returns the handle for (text, format), starting generation if this
// is the first request for the key.
func (c *Cache) Obtain(text string, format dispatch.AudioFormat) *Handle {
	key := Key(text, format)

	c.mu.Lock()
	if existing, ok := c.handles[key]; ok {
		c.mu.Unlock()
		return existing
	}
	handle := &Handle{key: key, format: format, done: make(chan struct{})}
	c.handles[key] = handle
	c.mu.Unlock()

	go c.generate(handle, text, format)
	return handle
}

// Calls returns how many synthesis invocations this cache issued.
func (c *Cache) Calls() int64 {
	return c.calls.Load()
}

func (c *Cache) generate(handle *Handle, text string, format dispatch.AudioFormat) {
	defer close(handle.done)

	if c.synth == nil {
		handle.err = fmt.Errorf("speech synthesizer is not configured")
		return
	}
	if err := format.Validate(); err != nil {
		handle.err = err
		return
	}

	c.calls.Add(1)
	start := time.Now()
	path, err := c.synthesize(text, format)
	elapsed := time.Since(start)

	correlation := c.correlation
	correlation.TimestampMS = time.Now().UnixMilli()
	attrs := map[string]string{"clip_key": handle.key, "format": string(format)}
	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricClipSynthesisMS, float64(elapsed.Milliseconds()), "ms", attrs, correlation)

	if err == nil && strings.TrimSpace(path) == "" {
		err = fmt.Errorf("synthesizer returned empty path")
	}
	if err != nil {
		handle.err = err
		attrs["error"] = err.Error()
		telemetry.DefaultEmitter().EmitLog("clip_generation_failed", "warn", "speech clip generation failed", attrs, correlation)
		return
	}
	handle.path = path
}

func (c *Cache) synthesize(text string, format dispatch.AudioFormat) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synthesizer panic: %v", r)
		}
	}()
	return c.synth.Synthesize(c.ctx, text, format)
}
