package polly

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
)

type fakePollyClient struct {
	calls   atomic.Int64
	delay   time.Duration
	audio   []byte
	err     error
	mu      sync.Mutex
	formats []types.OutputFormat
}

func (f *fakePollyClient) SynthesizeSpeech(ctx context.Context, params *pollysdk.SynthesizeSpeechInput, optFns ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.formats = append(f.formats, params.OutputFormat)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pollysdk.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string {
	return e.code + ": " + e.msg
}

func (e fakeAPIError) ErrorCode() string {
	return e.code
}

func (e fakeAPIError) ErrorMessage() string {
	return e.msg
}

func (e fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultServer
}

func TestSynthesizeWritesMP3AndReusesFile(t *testing.T) {
	t.Parallel()

	client := &fakePollyClient{audio: []byte("mp3-bytes")}
	synth, err := NewWithClient(Config{Dir: t.TempDir()}, client)
	require.NoError(t, err)

	path, err := synth.Synthesize(context.Background(), "parking lot B full", dispatch.FormatMP3)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp3-bytes", string(raw))
	assert.Equal(t, []types.OutputFormat{types.OutputFormatMp3}, client.formats)

	again, err := synth.Synthesize(context.Background(), "parking lot B full", dispatch.FormatMP3)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int64(1), client.calls.Load(), "cached clip must not be regenerated")
}

func TestSynthesizeWrapsPCMAsWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	client := &fakePollyClient{audio: pcm}
	synth, err := NewWithClient(Config{Dir: t.TempDir()}, client)
	require.NoError(t, err)

	path, err := synth.Synthesize(context.Background(), "gate opening", dispatch.FormatWAV)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Len(t, raw, 44+len(pcm))
	assert.Equal(t, "RIFF", string(raw[0:4]))
	assert.Equal(t, "WAVE", string(raw[8:12]))
	assert.Equal(t, uint32(pcmSampleRate), binary.LittleEndian.Uint32(raw[24:28]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(raw[40:44]))
	assert.Equal(t, pcm, raw[44:])
	assert.Equal(t, []types.OutputFormat{types.OutputFormatPcm}, client.formats)
}

func TestSynthesizeSharesConcurrentCalls(t *testing.T) {
	t.Parallel()

	client := &fakePollyClient{audio: []byte("x"), delay: 50 * time.Millisecond}
	synth, err := NewWithClient(Config{Dir: t.TempDir()}, client)
	require.NoError(t, err)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := synth.Synthesize(context.Background(), "evacuate", dispatch.FormatMP3)
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestSynthesizeErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		reason    string
		retryable bool
	}{
		{name: "cancelled", err: context.Canceled, reason: "cancelled"},
		{name: "timeout", err: context.DeadlineExceeded, reason: "timeout", retryable: true},
		{name: "overload", err: fakeAPIError{code: "TooManyRequestsException", msg: "rate"}, reason: "overload", retryable: true},
		{name: "client", err: fakeAPIError{code: "TextLengthExceededException", msg: "too long"}, reason: "client_error"},
		{name: "server", err: fakeAPIError{code: "ServiceFailureException", msg: "down"}, reason: "server_error", retryable: true},
		{name: "transport", err: errors.New("tcp reset"), reason: "transport_error", retryable: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			synth, err := NewWithClient(Config{Dir: t.TempDir()}, &fakePollyClient{err: tc.err})
			require.NoError(t, err)
			_, err = synth.Synthesize(context.Background(), "hello", dispatch.FormatMP3)

			var synthErr *SynthesisError
			require.ErrorAs(t, err, &synthErr)
			assert.Equal(t, tc.reason, synthErr.Reason)
			assert.Equal(t, tc.retryable, synthErr.Retryable)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSynthesizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewWithClient(Config{}, &fakePollyClient{})
	require.Error(t, err)

	synth, err := NewWithClient(Config{Dir: t.TempDir()}, &fakePollyClient{audio: []byte("x")})
	require.NoError(t, err)

	_, err = synth.Synthesize(context.Background(), "   ", dispatch.FormatMP3)
	assert.ErrorIs(t, err, dispatch.ErrEmptyText)

	_, err = synth.Synthesize(context.Background(), "hi", dispatch.AudioFormat("ogg"))
	assert.Error(t, err)

	empty, err := NewWithClient(Config{Dir: t.TempDir()}, &fakePollyClient{})
	require.NoError(t, err)
	_, err = empty.Synthesize(context.Background(), "hi", dispatch.FormatMP3)
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, "empty_audio", synthErr.Reason)
}
