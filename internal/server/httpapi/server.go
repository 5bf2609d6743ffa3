package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/inventory"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/dispatcher"
)

const maxRequestBytes = 64 << 10

var clipNamePattern = regexp.MustCompile(`^[0-9a-f]{64}\.(wav|mp3)$`)

// Runner executes one dispatch.
type Runner interface {
	Run(ctx context.Context, req dispatcher.Request) (dispatch.Report, error)
}

// StagedActuator runs a warn-then-actuate gate sequence.
type StagedActuator interface {
	StagedActuate(ctx context.Context, gateTargets []dispatch.DeviceTarget, cmd dispatch.SignalKind, warningTargets []dispatch.DeviceTarget, perTargetTimeout time.Duration) (dispatch.Report, error)
}

// Config wires the operator API.
type Config struct {
	Inventory        inventory.Lister
	Dispatcher       Runner
	Staged           StagedActuator
	ClipDir          string
	PerTargetTimeout time.Duration
}

// Server is the thin HTTP surface over the dispatcher.
type Server struct {
	cfg     Config
	schemas schemaSet
}

type broadcastRequest struct {
	Text    string `json:"text"`
	Click   bool   `json:"click"`
	GroupID string `json:"group_id"`
}

type billboardRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
	GroupID   string `json:"group_id"`
}

type gateRequest struct {
	GroupID        string `json:"group_id"`
	WarningGroupID string `json:"warning_group_id"`
}

// New validates cfg and compiles request schemas.
func New(cfg Config) (*Server, error) {
	if cfg.Inventory == nil {
		return nil, errors.New("httpapi: inventory is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("httpapi: dispatcher is required")
	}
	if cfg.Staged == nil {
		return nil, errors.New("httpapi: staged controller is required")
	}
	if cfg.PerTargetTimeout <= 0 {
		return nil, dispatcher.ErrInvalidTimeout
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, schemas: schemas}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/speakers/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /api/v1/billboards/message", s.handleBillboard)
	mux.HandleFunc("POST /api/v1/gates/{action}", s.handleGate)
	mux.HandleFunc("GET /clips/{name}", s.handleClip)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	const action = "speaker broadcast"
	var req broadcastRequest
	if !s.decode(w, r, action, s.schemas.broadcast, &req) {
		return
	}
	payload := dispatch.NewCommandSignal(dispatch.SignalClick)
	if req.Text != "" {
		payload = dispatch.NewTextMessage(req.Text, 0)
	}
	targets, err := inventory.ListKinds(r.Context(), s.cfg.Inventory, req.GroupID, dispatch.KindSpeakerVendorA, dispatch.KindSpeakerVendorB)
	if err != nil {
		s.writeInventoryError(w, action, err)
		return
	}
	report, err := s.cfg.Dispatcher.Run(r.Context(), dispatcher.Request{
		Operation: "speaker_broadcast",
		Targets:   targets,
		Payload:   payload,
		Timeout:   s.cfg.PerTargetTimeout,
	})
	s.writeReport(w, action, report, err)
}

func (s *Server) handleBillboard(w http.ResponseWriter, r *http.Request) {
	const action = "billboard message"
	var req billboardRequest
	if !s.decode(w, r, action, s.schemas.billboard, &req) {
		return
	}
	targets, err := s.cfg.Inventory.ListTargets(r.Context(), dispatch.KindBillboard, req.GroupID)
	if err != nil {
		s.writeInventoryError(w, action, err)
		return
	}
	report, err := s.cfg.Dispatcher.Run(r.Context(), dispatcher.Request{
		Operation: "billboard_message",
		Targets:   targets,
		Payload:   dispatch.NewTextMessage(req.Text, req.MaxLength),
		Timeout:   s.cfg.PerTargetTimeout,
	})
	s.writeReport(w, action, report, err)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	cmd := dispatch.SignalKind(r.PathValue("action"))
	if cmd != dispatch.SignalOpen && cmd != dispatch.SignalClose {
		writeJSON(w, http.StatusNotFound, dispatch.OperatorResult{Message: fmt.Sprintf("unknown gate action %q", cmd)})
		return
	}
	action := "gate " + string(cmd)
	var req gateRequest
	if !s.decode(w, r, action, s.schemas.gate, &req) {
		return
	}

	gates, err := s.cfg.Inventory.ListTargets(r.Context(), dispatch.KindGate, req.GroupID)
	if err != nil {
		s.writeInventoryError(w, action, err)
		return
	}
	warningGroup := req.WarningGroupID
	if warningGroup == "" {
		warningGroup = req.GroupID
	}
	warnings, err := inventory.ListKinds(r.Context(), s.cfg.Inventory, warningGroup, dispatch.KindSpeakerVendorA, dispatch.KindSpeakerVendorB)
	if err != nil {
		s.writeInventoryError(w, action, err)
		return
	}

	report, err := s.cfg.Staged.StagedActuate(r.Context(), gates, cmd, warnings, s.cfg.PerTargetTimeout)
	s.writeReport(w, action, report, err)
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !clipNamePattern.MatchString(name) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.ClipDir, name))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, action string, schema *jsonschema.Schema, out any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err == nil {
		err = decodeValidated(schema, raw, out)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, dispatch.OperatorResult{Message: fmt.Sprintf("%s: invalid request: %v", action, err)})
		return false
	}
	return true
}

func (s *Server) writeInventoryError(w http.ResponseWriter, action string, err error) {
	telemetry.DefaultEmitter().EmitLog("inventory_failed", "error", err.Error(), map[string]string{"action": action}, telemetry.Correlation{EmittedBy: "httpapi"})
	writeJSON(w, http.StatusInternalServerError, dispatch.OperatorResult{Message: fmt.Sprintf("%s: device inventory unavailable", action)})
}

func (s *Server) writeReport(w http.ResponseWriter, action string, report dispatch.Report, err error) {
	result := dispatch.NewOperatorResult(action, report)
	status := http.StatusOK
	switch {
	case errors.Is(err, dispatcher.ErrNoTargets):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidPayload), errors.Is(err, dispatch.ErrEmptyText):
		status = http.StatusBadRequest
	case err != nil:
		status = http.StatusInternalServerError
	case report.Status() == dispatch.StatusFailed:
		status = http.StatusBadGateway
	}
	telemetry.DefaultEmitter().EmitLog("operator_request", "info", result.Message, map[string]string{
		"action": action,
		"status": strconv.Itoa(status),
	}, telemetry.Correlation{EmittedBy: "httpapi"})
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
