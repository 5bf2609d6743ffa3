package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration of the dispatch service.
type Config struct {
	ListenAddr       string        `env:"OBSERVER_LISTEN_ADDR" envDefault:":8090"`
	PerTargetTimeout time.Duration `env:"OBSERVER_PER_TARGET_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout  time.Duration `env:"OBSERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	InventoryPath    string        `env:"OBSERVER_INVENTORY_PATH" envDefault:"devices.yaml"`

	// ClipDir holds synthesized clips; ClipBaseURL is how speakers reach
	// them, normally this service's own /clips route on an address the
	// speakers can route to. It has no default.
	ClipDir     string `env:"OBSERVER_CLIP_DIR" envDefault:"clips"`
	ClipBaseURL string `env:"OBSERVER_CLIP_BASE_URL"`

	Polly     PollyConfig
	SpeakerA  SpeakerAConfig
	SpeakerB  SpeakerBConfig
	Gate      GateConfig
	Billboard BillboardConfig
}

type PollyConfig struct {
	Region  string        `env:"OBSERVER_POLLY_REGION" envDefault:"ap-northeast-2"`
	VoiceID string        `env:"OBSERVER_POLLY_VOICE" envDefault:"Seoyeon"`
	Engine  string        `env:"OBSERVER_POLLY_ENGINE" envDefault:"neural"`
	Timeout time.Duration `env:"OBSERVER_POLLY_TIMEOUT" envDefault:"15s"`
}

type SpeakerAConfig struct {
	Path     string `env:"OBSERVER_SPEAKER_A_PATH" envDefault:"/cgi-bin/broadcast.cgi"`
	Username string `env:"OBSERVER_SPEAKER_A_USERNAME"`
	Password string `env:"OBSERVER_SPEAKER_A_PASSWORD"`
}

type SpeakerBConfig struct {
	Token  string `env:"OBSERVER_SPEAKER_B_TOKEN"`
	Volume int    `env:"OBSERVER_SPEAKER_B_VOLUME" envDefault:"80"`
}

type GateConfig struct {
	APIKey string `env:"OBSERVER_GATE_API_KEY"`
}

type BillboardConfig struct {
	ResponseTimeout time.Duration `env:"OBSERVER_BILLBOARD_RESPONSE_TIMEOUT" envDefault:"3s"`
	DialTimeout     time.Duration `env:"OBSERVER_BILLBOARD_DIAL_TIMEOUT" envDefault:"2s"`
}

// Load parses the environment.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses vars instead of the process environment when vars is
// non-nil.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.PerTargetTimeout <= 0 {
		errs = append(errs, errors.New("OBSERVER_PER_TARGET_TIMEOUT must be > 0"))
	}
	if strings.TrimSpace(c.InventoryPath) == "" {
		errs = append(errs, errors.New("OBSERVER_INVENTORY_PATH is required"))
	}
	if strings.TrimSpace(c.ClipDir) == "" {
		errs = append(errs, errors.New("OBSERVER_CLIP_DIR is required"))
	}
	if c.ClipBaseURL != "" {
		if u, err := url.Parse(c.ClipBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("OBSERVER_CLIP_BASE_URL must be an absolute http(s) URL, got %q", c.ClipBaseURL))
		}
	}
	if c.Billboard.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("OBSERVER_BILLBOARD_RESPONSE_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

// ErrClipBaseURLUnset is returned by CheckClipBaseURL when no clip URL is
// configured.
var ErrClipBaseURLUnset = errors.New("OBSERVER_CLIP_BASE_URL is not set")

// CheckClipBaseURL reports whether speakers that fetch clips by URL can use
// ClipBaseURL. Loopback hosts are rejected since they resolve on the
// speaker itself.
func (c Config) CheckClipBaseURL() error {
	if strings.TrimSpace(c.ClipBaseURL) == "" {
		return ErrClipBaseURLUnset
	}
	u, err := url.Parse(c.ClipBaseURL)
	if err != nil {
		return fmt.Errorf("OBSERVER_CLIP_BASE_URL: %w", err)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("OBSERVER_CLIP_BASE_URL %q points at loopback", c.ClipBaseURL)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return fmt.Errorf("OBSERVER_CLIP_BASE_URL %q points at loopback", c.ClipBaseURL)
	}
	return nil
}
