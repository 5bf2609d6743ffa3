package polly

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/singleflight"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/clipcache"
)

const (
	defaultRegion = "ap-northeast-2"
	defaultVoice  = "Seoyeon"
	defaultEngine = "neural"

	pcmSampleRate = 16000
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config configures the Polly synthesizer.
type Config struct {
	Region  string
	VoiceID string
	Engine  string
	// Dir holds generated clips, named by clip key.
	Dir     string
	Timeout time.Duration
}

// Synthesizer turns text into clip files with Amazon Polly. Files already on
// disk are reused; concurrent requests for the same key share one call.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
	group  singleflight.Group
}

// SynthesisError is a normalized Polly failure.
type SynthesisError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed (%s): %v", e.Reason, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// New returns a synthesizer that lazily loads AWS credentials.
func New(cfg Config) (*Synthesizer, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient returns a synthesizer backed by client.
func NewWithClient(cfg Config, client synthClient) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("polly: clip directory is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = defaultVoice
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = defaultEngine
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("polly: create clip directory: %w", err)
	}
	return &Synthesizer{client: client, cfg: cfg}, nil
}

// Synthesize returns the path of a clip for text in format.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, format dispatch.AudioFormat) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", dispatch.ErrEmptyText
	}
	outputFormat, ok := outputFormatFor(format)
	if !ok {
		return "", fmt.Errorf("polly: unsupported clip format %q", format)
	}

	key := clipcache.Key(text, format)
	path := filepath.Join(s.cfg.Dir, key+"."+string(format))

	result, err, shared := s.group.Do(key, func() (any, error) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return path, nil
		}
		return path, s.generate(ctx, text, format, outputFormat, path)
	})
	if shared {
		telemetry.DefaultEmitter().EmitLog("clip_synthesis_shared", "debug", "joined in-flight synthesis", map[string]string{"key": key}, telemetry.Correlation{EmittedBy: "polly"})
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Synthesizer) generate(ctx context.Context, text string, format dispatch.AudioFormat, outputFormat pollytypes.OutputFormat, path string) error {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: outputFormat,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	}
	if outputFormat == pollytypes.OutputFormatPcm {
		rate := fmt.Sprint(pcmSampleRate)
		input.SampleRate = &rate
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	output, err := client.SynthesizeSpeech(callCtx, input)
	if err != nil {
		return normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return &SynthesisError{Reason: "empty_audio", Retryable: true, Err: errors.New("no audio stream")}
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return &SynthesisError{Reason: "transport_error", Retryable: true, Err: err}
	}
	if len(audio) == 0 {
		return &SynthesisError{Reason: "empty_audio", Retryable: true, Err: errors.New("zero-length audio")}
	}
	if format == dispatch.FormatWAV {
		audio = wrapPCM(audio, pcmSampleRate)
	}
	if err := writeFileAtomic(path, audio); err != nil {
		return fmt.Errorf("polly: write clip: %w", err)
	}

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricClipSynthesisMS, float64(time.Since(started).Milliseconds()), "ms", map[string]string{
		"format": string(format),
	}, telemetry.Correlation{EmittedBy: "polly"})
	return nil
}

func outputFormatFor(format dispatch.AudioFormat) (pollytypes.OutputFormat, bool) {
	switch format {
	case dispatch.FormatMP3:
		return pollytypes.OutputFormatMp3, true
	case dispatch.FormatWAV:
		return pollytypes.OutputFormatPcm, true
	default:
		return "", false
	}
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &SynthesisError{Reason: "cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SynthesisError{Reason: "timeout", Retryable: true, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return &SynthesisError{Reason: "overload", Retryable: true, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "InvalidSampleRateException", "EngineNotSupportedException":
			return &SynthesisError{Reason: "client_error", Err: err}
		default:
			return &SynthesisError{Reason: "server_error", Retryable: true, Err: err}
		}
	}
	return &SynthesisError{Reason: "transport_error", Retryable: true, Err: err}
}

// wrapPCM prepends a RIFF/WAVE header to 16-bit mono little-endian samples.
func wrapPCM(pcm []byte, sampleRate uint32) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := uint16(channels * bitsPerSample / 8)
	byteRate := sampleRate * uint32(blockAlign)

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(&buf, binary.LittleEndian, byteRate)
	_ = binary.Write(&buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clip-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
