package speakercgi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/common/httpadapter"
)

// DefaultPath is the trigger CGI exposed by vendor A speakers.
const DefaultPath = "/cgi-bin/broadcast.cgi"

// Config configures the vendor A speaker adapter.
type Config struct {
	Path     string
	Username string
	Password string
	Client   *http.Client
}

// Adapter triggers vendor A speakers over their HTTP CGI. The speaker either
// plays its stock click sound or fetches a clip by URL and plays it.
type Adapter struct {
	cfg Config
}

type triggerResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// NewAdapter returns a vendor A adapter.
func NewAdapter(cfg Config) *Adapter {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Kind() dispatch.DeviceKind {
	return dispatch.KindSpeakerVendorA
}

// Execute issues one trigger call.
func (a *Adapter) Execute(ctx context.Context, cmd contracts.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	endpoint, err := a.endpoint(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	if a.cfg.Username != "" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}

	resp, err := httpadapter.Do(ctx, a.cfg.Client, req, "")
	if err != nil {
		return err
	}
	return parseTriggerBody(resp.Body)
}

func (a *Adapter) endpoint(cmd contracts.Command) (string, error) {
	base := httpadapter.BaseURL(cmd.Target.Address) + a.cfg.Path
	switch {
	case cmd.Payload.IsText():
		if cmd.Clip == nil || cmd.Clip.URL == "" {
			return "", contracts.Failf("", contracts.ReasonClipMissing)
		}
		endpoint, err := httpadapter.WithQuery(base, "action", "play")
		if err != nil {
			return "", err
		}
		return httpadapter.WithQuery(endpoint, "clip", cmd.Clip.URL)
	case cmd.Payload.Signal() == dispatch.SignalClick:
		return httpadapter.WithQuery(base, "action", "click")
	default:
		return "", contracts.Failf("", "%s: %s", contracts.ReasonUnsupportedSignal, cmd.Payload.Signal())
	}
}

// parseTriggerBody requires {"result":"success"|"ok"} from the device.
func parseTriggerBody(body []byte) error {
	var parsed triggerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return contracts.Failf("", "malformed body: %v", err)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Result)) {
	case "success", "ok":
		return nil
	case "":
		return contracts.Failf("", "malformed body: missing result")
	default:
		reason := parsed.Message
		if reason == "" {
			reason = parsed.Result
		}
		return contracts.Failf("", "device reported failure: %s", reason)
	}
}
