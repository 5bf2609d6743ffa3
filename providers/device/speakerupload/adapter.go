package speakerupload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/common/httpadapter"
)

const (
	uploadPath = "/api/v1/audio/upload"
	playPath   = "/api/v1/audio/play"

	stepUpload = "upload"
	stepPlay   = "play"

	// ChimeFileID is the stock warning sound built into vendor B speakers.
	ChimeFileID = "chime"
)

// Config configures the vendor B speaker adapter.
type Config struct {
	Token  string
	Volume int
	Client *http.Client
}

// Adapter uploads clip bytes to a vendor B speaker, then asks it to play them.
type Adapter struct {
	cfg Config
}

type uploadResponse struct {
	FileID string `json:"file_id"`
}

type playRequest struct {
	FileID string `json:"file_id"`
	Volume int    `json:"volume,omitempty"`
}

type playResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewAdapter returns a vendor B adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Kind() dispatch.DeviceKind {
	return dispatch.KindSpeakerVendorB
}

// Execute uploads then plays. A click signal plays the stock chime without
// an upload.
func (a *Adapter) Execute(ctx context.Context, cmd contracts.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	base := httpadapter.BaseURL(cmd.Target.Address)

	var fileID string
	switch {
	case cmd.Payload.IsText():
		if cmd.Clip == nil || cmd.Clip.Path == "" {
			return contracts.Failf(stepUpload, contracts.ReasonClipMissing)
		}
		id, err := a.upload(ctx, base, cmd.Clip.Path)
		if err != nil {
			return contracts.WithStep(stepUpload, err)
		}
		fileID = id
	case cmd.Payload.Signal() == dispatch.SignalClick:
		fileID = ChimeFileID
	default:
		return contracts.Failf("", "%s: %s", contracts.ReasonUnsupportedSignal, cmd.Payload.Signal())
	}

	return contracts.WithStep(stepPlay, a.play(ctx, base, fileID))
}

func (a *Adapter) upload(ctx context.Context, base string, clipPath string) (string, error) {
	clip, err := os.Open(clipPath)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer clip.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(clipPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, clip); err != nil {
		return "", fmt.Errorf("read clip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+uploadPath, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	a.authorize(req)

	resp, err := httpadapter.Do(ctx, a.cfg.Client, req, stepUpload)
	if err != nil {
		return "", err
	}
	var parsed uploadResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", contracts.Failf(stepUpload, "malformed body: %v", err)
	}
	if strings.TrimSpace(parsed.FileID) == "" {
		return "", contracts.Failf(stepUpload, "malformed body: missing file_id")
	}
	return parsed.FileID, nil
}

func (a *Adapter) play(ctx context.Context, base string, fileID string) error {
	payload, err := json.Marshal(playRequest{FileID: fileID, Volume: a.cfg.Volume})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+playPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := httpadapter.Do(ctx, a.cfg.Client, req, stepPlay)
	if err != nil {
		return err
	}
	var parsed playResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return contracts.Failf(stepPlay, "malformed body: %v", err)
	}
	if !parsed.Success {
		reason := parsed.Error
		if reason == "" {
			reason = "success flag not set"
		}
		return contracts.Failf(stepPlay, "device reported failure: %s", reason)
	}
	return nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
}
