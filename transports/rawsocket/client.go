package rawsocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

const (
	successMarker = "OK"
	failureMarker = "Error"

	defaultDialTimeout     = 3 * time.Second
	defaultResponseTimeout = 5 * time.Second
	defaultMaxResponse     = 64 * 1024
	readChunkSize          = 512
)

// Config controls the legacy billboard socket client.
type Config struct {
	DialTimeout      time.Duration
	MaxResponseBytes int
}

// Client speaks the unframed OK/Error line protocol of legacy billboards.
type Client struct {
	cfg    Config
	dialer net.Dialer
}

// New returns a raw socket client.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxResponseBytes < 1 {
		cfg.MaxResponseBytes = defaultMaxResponse
	}
	return &Client{cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}
}

// Send opens one connection, writes payload as JSON once, and settles on the
// first of: a marker in the accumulated response, a read error, connection
// close, or responseTimeout. The returned error covers input, encoding and
// dial failures only; device outcomes are reported in Response.
func (c *Client) Send(ctx context.Context, host string, port int, payload any, responseTimeout time.Duration) (Response, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Response{}, fmt.Errorf("host is required")
	}
	if port < 1 || port > 65535 {
		return Response{}, fmt.Errorf("port out of range: %d", port)
	}
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Response{}, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	slot := newSettlement()
	if _, err := conn.Write(body); err != nil {
		slot.resolve(Response{Reason: fmt.Sprintf("write: %v", err), ResolvedBy: ResolvedByError})
		return slot.wait(), nil
	}

	go c.readLoop(conn, slot)

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case <-slot.done:
	case <-timer.C:
		slot.resolve(Response{Reason: "timeout", ResolvedBy: ResolvedByTimer})
	case <-ctx.Done():
		reason := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		slot.resolve(Response{Reason: reason, ResolvedBy: ResolvedByTimer})
	}

	response := slot.wait()
	if !response.Success {
		telemetry.DefaultEmitter().EmitLog("rawsocket_failed", "debug", response.Reason, map[string]string{
			"resolved_by": string(response.ResolvedBy),
		}, telemetry.Correlation{Address: address, EmittedBy: "rawsocket"})
	}
	return response, nil
}

// readLoop accumulates chunks and checks both markers after every chunk,
// since the stream carries no length prefix or delimiter.
func (c *Client) readLoop(conn net.Conn, slot *settlement) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			if buf.Len()+n > c.cfg.MaxResponseBytes {
				slot.resolve(Response{Raw: buf.String(), Reason: "response too large", ResolvedBy: ResolvedByError})
				return
			}
			buf.Write(chunk[:n])
			if resolveMarkers(buf.Bytes(), slot) {
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			slot.resolve(Response{Raw: buf.String(), Reason: contracts.ReasonNoResponse, ResolvedBy: ResolvedByClose})
			return
		}
		slot.resolve(Response{Raw: buf.String(), Reason: fmt.Sprintf("read: %v", err), ResolvedBy: ResolvedByError})
		return
	}
}

func resolveMarkers(accumulated []byte, slot *settlement) bool {
	switch {
	case bytes.Contains(accumulated, []byte(successMarker)):
		slot.resolve(Response{Success: true, Raw: string(accumulated), ResolvedBy: ResolvedByData})
		return true
	case bytes.Contains(accumulated, []byte(failureMarker)):
		slot.resolve(Response{Raw: string(accumulated), Reason: "device error: " + strings.TrimSpace(string(accumulated)), ResolvedBy: ResolvedByData})
		return true
	default:
		return false
	}
}
