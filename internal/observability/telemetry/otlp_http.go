package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	otlpMetricsPath = "/v1/metrics"
	otlpTracesPath  = "/v1/traces"
	otlpLogsPath    = "/v1/logs"
)

// OTLPHTTPSinkConfig points the sink at a collector. Headers are sent on
// every request, typically for collector auth.
type OTLPHTTPSinkConfig struct {
	Endpoint    string
	ServiceName string
	Headers     map[string]string
	Client      *http.Client
}

// OTLPHTTPSink posts each event as JSON to the collector route for its kind.
type OTLPHTTPSink struct {
	routes  map[EventKind]string
	service string
	headers http.Header
	client  *http.Client
}

func NewOTLPHTTPSink(cfg OTLPHTTPSinkConfig) (*OTLPHTTPSink, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return nil, errors.New("otlp endpoint is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("otlp endpoint %q must be an http(s) URL with a host", raw)
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "observer-dispatch"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	headers := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	headers.Set("Content-Type", "application/json")

	route := func(p string) string {
		u := *base
		u.Path = strings.TrimRight(u.Path, "/") + p
		return u.String()
	}
	return &OTLPHTTPSink{
		routes: map[EventKind]string{
			EventKindMetric: route(otlpMetricsPath),
			EventKindSpan:   route(otlpTracesPath),
			EventKindLog:    route(otlpLogsPath),
		},
		service: service,
		headers: headers,
		client:  client,
	}, nil
}

type otlpResource struct {
	ServiceName string `json:"service.name"`
}

type otlpPayload struct {
	Resource otlpResource `json:"resource"`
	Event    Event        `json:"event"`
}

func (s *OTLPHTTPSink) Export(ctx context.Context, event Event) error {
	target, ok := s.routes[event.Kind]
	if !ok {
		return fmt.Errorf("otlp export: unknown event kind %q", event.Kind)
	}
	body, err := json.Marshal(otlpPayload{Resource: otlpResource{ServiceName: s.service}, Event: event})
	if err != nil {
		return fmt.Errorf("otlp export: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("otlp export: %w", err)
	}
	req.Header = s.headers.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("otlp export: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("otlp export: collector returned %s", resp.Status)
	}
	return nil
}
