// Package app is the application root. It builds every component from the
// configuration, wires them together and owns their lifetimes; nothing in
// laserstage is a package-level singleton.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"laserstage/pkg/api"
	"laserstage/pkg/button"
	"laserstage/pkg/config"
	"laserstage/pkg/conn"
	"laserstage/pkg/log"
	"laserstage/pkg/metrics"
	"laserstage/pkg/motion"
	"laserstage/pkg/notify"
	"laserstage/pkg/safety"
	"laserstage/pkg/store"
	"laserstage/pkg/transport"
)

// Options adjust how New assembles the application.
type Options struct {
	// Prompter answers device and address prompts. Default AutoPrompter.
	Prompter transport.Prompter
	// Notifier receives notifications in addition to the history, the
	// log and the API clients (e.g. a console notifier).
	Notifier notify.Notifier
	// Transports replaces the configured transports; tests use fakes.
	Transports []transport.Transport
	// DisableAPI skips the HTTP server (CLI one-shot commands).
	DisableAPI bool
	// DisableButton skips the GPIO emergency button even when configured.
	DisableButton bool
}

// App holds one instance of every component.
type App struct {
	cfg *config.Config
	log *log.Logger

	kv      store.KV
	metrics *metrics.StageMetrics
	history *notify.History
	latch   *safety.Manager
	mgr     *conn.Manager
	ctrl    *motion.Controller
	api     *api.Server
	button  *button.Button

	closeOnce sync.Once
	closeErr  error
}

// New builds the application. The caller must Close it.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log.GetLogger("app"),
		metrics: metrics.NewStageMetrics(),
		history: notify.NewHistory(100),
	}

	kv, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.kv = kv

	notifiers := notify.Multi{a.history, notify.NewLogger(log.GetLogger("notify"))}
	if opts.Notifier != nil {
		notifiers = append(notifiers, opts.Notifier)
	}
	// The API server is created after the controller but must receive
	// the controller's notifications.
	notifiers = append(notifiers, notify.NotifierFunc(func(msg string, sev notify.Severity) {
		if a.api != nil {
			a.api.Notify(msg, sev)
		}
	}))

	prompter := opts.Prompter
	if prompter == nil {
		prompter = transport.AutoPrompter{}
	}
	transports := opts.Transports
	if transports == nil {
		transports = []transport.Transport{
			transport.NewBluetooth(cfg.BluetoothTransport(), prompter),
			transport.NewWiFi(cfg.WiFiTransport(), prompter),
			transport.NewSerial(cfg.SerialTransport(), prompter),
		}
	}

	a.latch = safety.New(cfg.SafetyLatch())
	a.mgr = conn.NewManager(cfg.Conn(), notifiers, a.metrics, transports...)
	a.ctrl = motion.New(cfg.MotionController(), a.mgr, a.latch, a.kv, notifiers, a.metrics)
	if cfg.AutoFocus.Signal == config.SignalSimulated {
		a.ctrl.SetFocusSignal(motion.NewSimulatedSignal())
	}

	a.mgr.OnFrame(a.ctrl.HandleFrame)
	a.mgr.OnStateChange(func(s conn.State, _ conn.Session) {
		a.ctrl.ConnectionChanged(s.Status())
	})

	if !opts.DisableAPI {
		apiCfg := api.Config{
			Addr:    cfg.Server.Listen,
			History: a.history,
		}
		if cfg.Server.Metrics {
			apiCfg.Metrics = a.metrics
			apiCfg.MetricsOptions = cfg.MetricsHandler()
		}
		a.api = api.New(apiCfg, a.ctrl, a.mgr)
	}

	if cfg.Button.Enabled && !opts.DisableButton {
		b, err := button.Open(button.Config{
			Chip:      cfg.Button.Chip,
			Line:      cfg.Button.Line,
			ActiveLow: cfg.Button.ActiveLow,
			Debounce:  cfg.Button.Debounce,
		}, a.latch)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("emergency button: %w", err)
		}
		a.button = b
	}
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		kv, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.Path, err)
		}
		return kv, nil
	}
}

func (a *App) Config() *config.Config         { return a.cfg }
func (a *App) Controller() *motion.Controller { return a.ctrl }
func (a *App) Manager() *conn.Manager         { return a.mgr }
func (a *App) Latch() *safety.Manager         { return a.latch }
func (a *App) History() *notify.History       { return a.history }
func (a *App) Metrics() *metrics.StageMetrics { return a.metrics }
func (a *App) API() *api.Server               { return a.api }

// Load restores persisted presets and settings.
func (a *App) Load(ctx context.Context) error {
	return a.ctrl.Load(ctx)
}

// Connect opens the configured default connection.
func (a *App) Connect(ctx context.Context) error {
	return a.mgr.Connect(ctx, transport.Kind(a.cfg.Connection.Transport), a.cfg.Connection.Target)
}

// Run loads state, serves the API and optionally connects, then blocks
// until ctx is done or the API server fails. It closes the App on return.
func (a *App) Run(ctx context.Context, connect bool) error {
	defer a.Close()

	if err := a.Load(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if a.api != nil {
		go func() { errCh <- a.api.Start() }()
	}

	if connect {
		go func() {
			// Failures are already notified by the manager.
			if err := a.Connect(ctx); err != nil {
				a.log.WithError(err).Debug("initial connect failed")
			}
		}()
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	a.metrics.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case <-ticker.C:
			a.metrics.UpdateSystemMetrics()
		}
	}
}

// Close stops every component in reverse order of construction.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.api != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.api.Stop(ctx))
			cancel()
		}
		if a.button != nil {
			errs = append(errs, a.button.Close())
		}
		if a.mgr != nil {
			errs = append(errs, a.mgr.Close())
		}
		if a.ctrl != nil {
			a.ctrl.Close()
		}
		if a.latch != nil {
			a.latch.Close()
		}
		if a.kv != nil {
			errs = append(errs, a.kv.Close())
		}
		a.closeErr = stderrors.Join(errs...)
	})
	return a.closeErr
}
