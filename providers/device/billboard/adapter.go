package billboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/transports/rawsocket"
)

// DefaultPort is used when a billboard address carries no port.
const DefaultPort = 5000

// Message is the JSON document a legacy billboard accepts.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Sender is the raw socket surface the adapter needs.
type Sender interface {
	Send(ctx context.Context, host string, port int, payload any, responseTimeout time.Duration) (rawsocket.Response, error)
}

// Config configures the billboard adapter.
type Config struct {
	// ResponseTimeout bounds the wait for OK/Error after the write. The
	// dispatcher's per-target timeout still applies on top of it.
	ResponseTimeout time.Duration
	Sender          Sender
}

// Adapter pushes text to legacy billboards over the raw socket protocol.
type Adapter struct {
	cfg Config
}

// NewAdapter returns a billboard adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Sender == nil {
		cfg.Sender = rawsocket.New(rawsocket.Config{})
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Kind() dispatch.DeviceKind {
	return dispatch.KindBillboard
}

func (a *Adapter) Execute(ctx context.Context, cmd contracts.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !cmd.Payload.IsText() {
		return contracts.Failf("", "%s: %s", contracts.ReasonUnsupportedSignal, cmd.Payload.Signal())
	}
	host, port, err := SplitAddress(cmd.Target.Address)
	if err != nil {
		return contracts.Failf("", "bad address: %v", err)
	}

	resp, err := a.cfg.Sender.Send(ctx, host, port, Message{Type: "text", Message: cmd.Payload.TruncatedText()}, a.cfg.ResponseTimeout)
	if err != nil {
		return contracts.Failf("", "%v", err)
	}
	if !resp.Success {
		return contracts.Failf("", "%s", resp.Reason)
	}
	return nil
}

// SplitAddress parses "host[:port]", defaulting the port. IPv6 hosts may be
// bare ("::1") or bracketed, with or without a port ("[::1]:5000").
func SplitAddress(address string) (string, int, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, errors.New("empty address")
	}
	bracketed := strings.HasPrefix(address, "[")
	switch {
	case bracketed && strings.HasSuffix(address, "]"):
		if len(address) == 2 {
			return "", 0, fmt.Errorf("missing host in %q", address)
		}
		return address[1 : len(address)-1], DefaultPort, nil
	case !bracketed && strings.Count(address, ":") != 1:
		// No colon, or a bare IPv6 literal.
		return address, DefaultPort, nil
	}

	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", rawPort)
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", address)
	}
	return host, port, nil
}
