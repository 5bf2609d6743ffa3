package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/config"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/observability/telemetry"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/clipcache"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/catalog"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/inventory"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/dispatcher"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/staged"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/server/httpapi"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/device/billboard"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/device/gate"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/device/speakercgi"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/device/speakerupload"
	"github.com/KimJeHyun91/observer-pro-sub005/providers/tts/polly"
	"github.com/KimJeHyun91/observer-pro-sub005/transports/rawsocket"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "observer-dispatch: %v\n", err)
		os.Exit(1)
	}
}

// run executes one subcommand. environ replaces the process environment
// when non-nil.
func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, environ map[string]string) error {
	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage(stdout)
		return nil
	}

	// Telemetry lines and command output share stderr.
	stderr = &lockedWriter{w: stderr}
	pipeline, err := telemetry.NewPipelineFromEnv(environ, stderr)
	if err != nil {
		return err
	}
	if pipeline != nil {
		telemetry.SetDefaultEmitter(pipeline)
		defer func() {
			telemetry.SetDefaultEmitter(nil)
			_ = pipeline.Close()
		}()
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr, environ)
	case "announce":
		return runAnnounce(ctx, args[1:], stdout, stderr, environ)
	case "billboard":
		return runBillboard(ctx, args[1:], stdout, stderr, environ)
	case "gates":
		return runGates(ctx, args[1:], stdout, stderr, environ)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// commonFlags are accepted by every subcommand and override the environment.
type commonFlags struct {
	inventory string
	timeout   time.Duration
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.inventory, "inventory", "", "device inventory YAML (overrides OBSERVER_INVENTORY_PATH)")
	fs.DurationVar(&common.timeout, "timeout", 0, "per-device timeout (overrides OBSERVER_PER_TARGET_TIMEOUT)")
	return fs
}

func loadConfig(environ map[string]string, common commonFlags) (config.Config, error) {
	cfg, err := config.LoadFrom(environ)
	if err != nil {
		return config.Config{}, err
	}
	if common.inventory != "" {
		cfg.InventoryPath = common.inventory
	}
	if common.timeout != 0 {
		if common.timeout < 0 {
			return config.Config{}, dispatcher.ErrInvalidTimeout
		}
		cfg.PerTargetTimeout = common.timeout
	}
	return cfg, nil
}

type service struct {
	cfg        config.Config
	inventory  *inventory.File
	dispatcher *dispatcher.Dispatcher
	staged     *staged.Controller
}

func newService(cfg config.Config) (*service, error) {
	files, err := inventory.NewFile(cfg.InventoryPath)
	if err != nil {
		return nil, err
	}
	synth, err := polly.New(polly.Config{
		Region:  cfg.Polly.Region,
		VoiceID: cfg.Polly.VoiceID,
		Engine:  cfg.Polly.Engine,
		Dir:     cfg.ClipDir,
		Timeout: cfg.Polly.Timeout,
	})
	if err != nil {
		return nil, err
	}

	adapters, err := catalog.NewCatalog([]contracts.Adapter{
		speakercgi.NewAdapter(speakercgi.Config{
			Path:     cfg.SpeakerA.Path,
			Username: cfg.SpeakerA.Username,
			Password: cfg.SpeakerA.Password,
		}),
		speakerupload.NewAdapter(speakerupload.Config{
			Token:  cfg.SpeakerB.Token,
			Volume: cfg.SpeakerB.Volume,
		}),
		billboard.NewAdapter(billboard.Config{
			ResponseTimeout: cfg.Billboard.ResponseTimeout,
			Sender:          rawsocket.New(rawsocket.Config{DialTimeout: cfg.Billboard.DialTimeout}),
		}),
		gate.NewAdapter(gate.Config{APIKey: cfg.Gate.APIKey}),
	})
	if err != nil {
		return nil, err
	}
	if err := adapters.ValidateCoverage(dispatch.AllKinds()...); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.ClipBaseURL, "/")
	d := dispatcher.New(dispatcher.Config{
		Catalog:     adapters,
		Synthesizer: synth,
		ClipURL: func(clip clipcache.Clip) string {
			if baseURL == "" {
				return ""
			}
			return baseURL + "/" + filepath.Base(clip.Path)
		},
	})
	return &service{
		cfg:        cfg,
		inventory:  files,
		dispatcher: d,
		staged:     staged.NewController(d),
	}, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer, environ map[string]string) error {
	var common commonFlags
	fs := newFlagSet("serve", stderr, &common)
	listen := fs.String("listen", "", "listen address (overrides OBSERVER_LISTEN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(environ, common)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Config{
		Inventory:        svc.inventory,
		Dispatcher:       svc.dispatcher,
		Staged:           svc.staged,
		ClipDir:          cfg.ClipDir,
		PerTargetTimeout: cfg.PerTargetTimeout,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := cfg.CheckClipBaseURL(); err != nil {
		fmt.Fprintf(stderr, "warning: %s text announcements will fail: %v\n", dispatch.KindSpeakerVendorA, err)
	}
	serveErr := make(chan error, 1)
	fmt.Fprintf(stderr, "observer-dispatch listening on %s\n", cfg.ListenAddr)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func runAnnounce(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, environ map[string]string) error {
	var common commonFlags
	fs := newFlagSet("announce", stderr, &common)
	text := fs.String("text", "", "message to speak")
	click := fs.Bool("click", false, "play the stock click sound instead of speech")
	group := fs.String("group", "", "restrict to one device group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*text == "") == !*click {
		return errors.New("announce requires exactly one of --text or --click")
	}
	cfg, err := loadConfig(environ, common)
	if err != nil {
		return err
	}
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	payload := dispatch.NewCommandSignal(dispatch.SignalClick)
	if *text != "" {
		payload = dispatch.NewTextMessage(*text, 0)
	}
	targets, err := inventory.ListKinds(ctx, svc.inventory, *group, dispatch.KindSpeakerVendorA, dispatch.KindSpeakerVendorB)
	if err != nil {
		return err
	}
	if payload.IsText() && hasKind(targets, dispatch.KindSpeakerVendorA) {
		// These speakers fetch the clip by URL and announce serves none.
		if err := cfg.CheckClipBaseURL(); err != nil {
			return fmt.Errorf("text to %s speakers needs a clip URL they can reach: %w", dispatch.KindSpeakerVendorA, err)
		}
	}
	report, err := svc.dispatcher.Run(ctx, dispatcher.Request{
		Operation: "speaker_broadcast",
		Targets:   targets,
		Payload:   payload,
		Timeout:   cfg.PerTargetTimeout,
	})
	return printResult(stdout, "speaker broadcast", report, err)
}

func runBillboard(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, environ map[string]string) error {
	var common commonFlags
	fs := newFlagSet("billboard", stderr, &common)
	text := fs.String("text", "", "message to display")
	maxLength := fs.Int("max-length", 0, "truncate the message to this many characters (0 = unbounded)")
	group := fs.String("group", "", "restrict to one device group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(environ, common)
	if err != nil {
		return err
	}
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	targets, err := svc.inventory.ListTargets(ctx, dispatch.KindBillboard, *group)
	if err != nil {
		return err
	}
	report, err := svc.dispatcher.Run(ctx, dispatcher.Request{
		Operation: "billboard_message",
		Targets:   targets,
		Payload:   dispatch.NewTextMessage(*text, *maxLength),
		Timeout:   cfg.PerTargetTimeout,
	})
	return printResult(stdout, "billboard message", report, err)
}

func runGates(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, environ map[string]string) error {
	var common commonFlags
	fs := newFlagSet("gates", stderr, &common)
	group := fs.String("group", "", "restrict to one gate group")
	warningGroup := fs.String("warning-group", "", "speaker group to warn (defaults to --group)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("gates requires an action: open or close")
	}
	cmd := dispatch.SignalKind(fs.Arg(0))
	if cmd != dispatch.SignalOpen && cmd != dispatch.SignalClose {
		return fmt.Errorf("unknown gate action %q", cmd)
	}
	cfg, err := loadConfig(environ, common)
	if err != nil {
		return err
	}
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	gates, err := svc.inventory.ListTargets(ctx, dispatch.KindGate, *group)
	if err != nil {
		return err
	}
	if *warningGroup == "" {
		*warningGroup = *group
	}
	warnings, err := inventory.ListKinds(ctx, svc.inventory, *warningGroup, dispatch.KindSpeakerVendorA, dispatch.KindSpeakerVendorB)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "warning %d speakers, gates move in %s\n", len(warnings), staged.WarningDelay)
	report, err := svc.staged.StagedActuate(ctx, gates, cmd, warnings, cfg.PerTargetTimeout)
	return printResult(stdout, "gate "+string(cmd), report, err)
}

// printResult writes the operator envelope. A report where nothing
// succeeded is returned as an error so the exit status reflects it.
func printResult(stdout io.Writer, action string, report dispatch.Report, dispatchErr error) error {
	result := dispatch.NewOperatorResult(action, report)
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if dispatchErr != nil {
		return dispatchErr
	}
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

func isHelpFlag(arg string) bool {
	switch strings.TrimSpace(arg) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "observer-dispatch usage:")
	fmt.Fprintln(w, "  observer-dispatch serve [--listen addr] [--inventory path] [--timeout d]")
	fmt.Fprintln(w, "  observer-dispatch announce (--text msg | --click) [--group id]")
	fmt.Fprintln(w, "  observer-dispatch billboard --text msg [--max-length n] [--group id]")
	fmt.Fprintln(w, "  observer-dispatch gates open|close [--group id] [--warning-group id]")
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func hasKind(targets []dispatch.DeviceTarget, kind dispatch.DeviceKind) bool {
	for _, target := range targets {
		if target.Kind == kind {
			return true
		}
	}
	return false
}
