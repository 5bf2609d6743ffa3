package gate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/common/httpadapter"
)

// Config configures the gate adapter.
type Config struct {
	APIKey string
	Client *http.Client
}

// Adapter drives parking barriers over their HTTP control API.
type Adapter struct {
	cfg Config
}

// NewAdapter returns a gate adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Kind() dispatch.DeviceKind {
	return dispatch.KindGate
}

// Execute posts open or close; any 2xx is success.
func (a *Adapter) Execute(ctx context.Context, cmd contracts.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	signal := cmd.Payload.Signal()
	if signal != dispatch.SignalOpen && signal != dispatch.SignalClose {
		return contracts.Failf("", "%s: %s", contracts.ReasonUnsupportedSignal, signal)
	}

	endpoint := fmt.Sprintf("%s/api/v1/gate/%s", httpadapter.BaseURL(cmd.Target.Address), signal)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("build gate request: %w", err)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", a.cfg.APIKey)
	}
	if cmd.DispatchID != "" {
		req.Header.Set("X-Request-ID", cmd.DispatchID)
	}
	_, err = httpadapter.Do(ctx, a.cfg.Client, req, "")
	return err
}
