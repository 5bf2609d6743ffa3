package httpadapter

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

type deviceIOCaptureMode string

const (
	captureModeRedacted deviceIOCaptureMode = "redacted"
	captureModeFull     deviceIOCaptureMode = "full"
	captureModeHash     deviceIOCaptureMode = "hash"

	envDeviceIOCaptureMode     = "OBSERVER_DEVICE_IO_CAPTURE_MODE"
	envDeviceIOCaptureMaxBytes = "OBSERVER_DEVICE_IO_CAPTURE_MAX_BYTES"

	defaultDeviceIOCaptureMode     = captureModeRedacted
	defaultDeviceIOCaptureMaxBytes = 8192
	minDeviceIOCaptureMaxBytes     = 256
)

// Response is a bounded sample of one device HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Truncated  bool
}

// Do executes req with ctx and returns a bounded response sample. Transport
// failures come back as contracts.DeviceError with a normalized reason;
// non-2xx statuses are returned as errors too.
func Do(ctx context.Context, client *http.Client, req *http.Request, step string) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return Response{}, contracts.Failf(step, "%s", NormalizeNetworkError(err))
	}
	defer resp.Body.Close()

	body, truncated, readErr := ReadBodySample(resp.Body, resolveDeviceIOCaptureMaxBytes())
	captured, _ := CapturePayload(body, truncated)
	telemetry.DefaultEmitter().EmitLog("device_http_response", "debug", captured, map[string]string{
		"status": strconv.Itoa(resp.StatusCode),
		"step":   step,
	}, telemetry.Correlation{Address: req.URL.Host, EmittedBy: "httpadapter"})

	out := Response{StatusCode: resp.StatusCode, Body: body, Truncated: truncated}
	if reason := NormalizeStatus(resp.StatusCode); reason != "" {
		return out, contracts.Failf(step, "%s", reason)
	}
	if readErr != nil {
		return out, contracts.Failf(step, "read body: %v", readErr)
	}
	return out, nil
}

// NormalizeNetworkError maps transport-level errors to a failure reason.
func NormalizeNetworkError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return contracts.ReasonCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.ReasonTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "unreachable: " + opErr.Err.Error()
	}
	return "network error: " + err.Error()
}

// NormalizeStatus returns "" for 2xx statuses and a failure reason otherwise.
func NormalizeStatus(status int) string {
	switch {
	case status >= 200 && status <= 299:
		return ""
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Sprintf("device timeout (status %d)", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Sprintf("device rejected credentials (status %d)", status)
	case status >= 400 && status <= 499:
		return fmt.Sprintf("device rejected request (status %d)", status)
	default:
		return fmt.Sprintf("device error (status %d)", status)
	}
}

// WithQuery appends/overrides a query key on an endpoint URL.
func WithQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BaseURL turns a device address into an http base URL. Addresses that
// already carry a scheme are kept as-is.
func BaseURL(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	return "http://" + address
}

func resolveDeviceIOCaptureMode() deviceIOCaptureMode {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(envDeviceIOCaptureMode)))
	switch deviceIOCaptureMode(raw) {
	case captureModeFull, captureModeHash, captureModeRedacted:
		return deviceIOCaptureMode(raw)
	default:
		return defaultDeviceIOCaptureMode
	}
}

func resolveDeviceIOCaptureMaxBytes() int {
	raw := strings.TrimSpace(os.Getenv(envDeviceIOCaptureMaxBytes))
	if raw == "" {
		return defaultDeviceIOCaptureMaxBytes
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minDeviceIOCaptureMaxBytes {
		return defaultDeviceIOCaptureMaxBytes
	}
	return value
}

func capturePayload(raw []byte, mode deviceIOCaptureMode, maxBytes int, preTruncated bool) (string, bool) {
	if maxBytes < 1 {
		maxBytes = defaultDeviceIOCaptureMaxBytes
	}
	truncated := preTruncated
	sample := raw
	if len(sample) > maxBytes {
		sample = sample[:maxBytes]
		truncated = true
	}
	switch mode {
	case captureModeFull:
		if len(sample) == 0 {
			return "", truncated
		}
		if utf8.Valid(sample) {
			return string(sample), truncated
		}
		return "base64:" + base64.StdEncoding.EncodeToString(sample), truncated
	case captureModeHash:
		return fmt.Sprintf("sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	default:
		return fmt.Sprintf("redacted sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	}
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CapturePayload renders response bytes for logs using env-based capture settings.
func CapturePayload(raw []byte, preTruncated bool) (string, bool) {
	return capturePayload(raw, resolveDeviceIOCaptureMode(), resolveDeviceIOCaptureMaxBytes(), preTruncated)
}

// ReadBodySample reads at most maxBytes + 1 bytes and reports truncation.
func ReadBodySample(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes < 1 {
		maxBytes = defaultDeviceIOCaptureMaxBytes
	}
	payload, err := io.ReadAll(io.LimitReader(reader, int64(maxBytes+1)))
	if err != nil {
		return nil, false, err
	}
	if len(payload) > maxBytes {
		return payload[:maxBytes], true, nil
	}
	return payload, false, nil
}
