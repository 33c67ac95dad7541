// Package api serves the browser UI: a JSON HTTP API over the motion
// controller and connection manager, and a WebSocket that pushes state and
// notifications.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/conn"
	"laserstage/pkg/errors"
	"laserstage/pkg/log"
	"laserstage/pkg/metrics"
	"laserstage/pkg/motion"
	"laserstage/pkg/notify"
	"laserstage/pkg/transport"
)

// Stage is the motion surface the API drives. *motion.Controller implements it.
type Stage interface {
	State() motion.MachineState
	OnStateChange(fn func(motion.MachineState))
	SensorHistory() []motion.SensorReading
	MMToSteps(mm float64) float64

	MoveToAbsolute(ctx context.Context, steps int64) error
	MoveRelative(ctx context.Context, deltaMM float64) error
	Jog(ctx context.Context, up bool) error
	SetStepSize(ctx context.Context, mm float64) error
	ExecuteHoming(ctx context.Context) error
	StartAutoFocus(ctx context.Context) (motion.ScanResult, error)
	EmergencyStop()
	ResetEmergency(ctx context.Context) error

	Presets() []motion.Preset
	SavePreset(ctx context.Context, name string, steps int64) (motion.Preset, error)
	SaveCurrentPosition(ctx context.Context, name string) (motion.Preset, error)
	DeletePreset(ctx context.Context, key string) error
	GotoPreset(ctx context.Context, key string) error

	SetMicrostepping(ctx context.Context, n int) error
	SetSpeed(ctx context.Context, mmPerSec float64) error
}

// Link is the connection surface. *conn.Manager implements it.
type Link interface {
	Connect(ctx context.Context, kind transport.Kind, target string) error
	Disconnect() error
	Retry(ctx context.Context) error
	State() conn.State
	Session() conn.Session
	Kinds() []transport.Kind
	OnStateChange(fn func(conn.State, conn.Session))
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g. "127.0.0.1:8080").
	Addr string
	// History backs GET /api/notifications; nil serves an empty list.
	History *notify.History
	// Metrics is served at /metrics when non-nil.
	Metrics        metrics.Gatherer
	MetricsOptions metrics.HandlerOptions
	// BroadcastInterval coalesces state pushes. Default 100ms.
	BroadcastInterval time.Duration
}

// Server is the UI bridge. It is also a notify.Notifier: every notification
// is pushed to connected WebSocket clients.
type Server struct {
	cfg     Config
	stage   Stage
	link    Link
	history *notify.History
	log     *log.Logger

	httpServer *http.Server
	handler    http.Handler

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   atomic.Int64

	// dirty is set by state callbacks and cleared by the broadcast loop.
	dirty atomic.Bool

	// base outlives requests; background auto-focus runs use it.
	base   context.Context
	cancel context.CancelFunc

	loopOnce sync.Once
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates the server and subscribes to stage and link state changes.
func New(cfg Config, stage Stage, link Link) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 100 * time.Millisecond
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		stage:     stage,
		link:      link,
		history:   cfg.History,
		log:       log.GetLogger("api"),
		wsClients: make(map[int64]*wsClient),
		base:      base,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.wsUpgrader = websocket.Upgrader{
		// The UI is served from the device network, not from this origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	stage.OnStateChange(func(motion.MachineState) { s.dirty.Store(true) })
	if link != nil {
		link.OnStateChange(func(conn.State, conn.Session) { s.dirty.Store(true) })
	}

	s.handler = s.corsMiddleware(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/sensor", s.handleSensor)

	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/retry", s.handleRetry)

	mux.HandleFunc("POST /api/move", s.handleMove)
	mux.HandleFunc("POST /api/jog", s.handleJog)
	mux.HandleFunc("POST /api/step-size", s.handleStepSize)
	mux.HandleFunc("POST /api/home", s.handleHome)
	mux.HandleFunc("POST /api/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /api/emergency-reset", s.handleEmergencyReset)
	mux.HandleFunc("POST /api/autofocus", s.handleAutoFocus)

	mux.HandleFunc("GET /api/presets", s.handleListPresets)
	mux.HandleFunc("POST /api/presets", s.handleSavePreset)
	mux.HandleFunc("DELETE /api/presets/{key}", s.handleDeletePreset)
	mux.HandleFunc("POST /api/presets/{key}/goto", s.handleGotoPreset)

	mux.HandleFunc("POST /api/microstepping", s.handleMicrostepping)
	mux.HandleFunc("POST /api/speed", s.handleSpeed)

	mux.HandleFunc("GET /api/notifications", s.handleNotifications)

	mux.HandleFunc("/websocket", s.handleWebSocket)

	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", metrics.Handler(s.cfg.Metrics, s.cfg.MetricsOptions))
	}
	return mux
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves on cfg.Addr until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	s.startBroadcast()
	s.log.WithField("addr", l.Addr().String()).Info("api server listening")

	err := s.httpServer.Serve(l)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every WebSocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.wsClientMu.Lock()
		for _, client := range s.wsClients {
			client.Close()
		}
		s.wsClients = make(map[int64]*wsClient)
		s.wsClientMu.Unlock()

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}

// Notify pushes a notification to every WebSocket client.
func (s *Server) Notify(message string, severity notify.Severity) {
	s.broadcast(event{
		Type: "notification",
		Notification: &notify.Notification{
			Message:  message,
			Severity: severity,
			Time:     time.Now(),
		},
	})
}

var _ notify.Notifier = (*Server)(nil)

func (s *Server) startBroadcast() {
	s.loopOnce.Do(func() {
		s.wg.Add(1)
		go s.broadcastLoop()
	})
}

// broadcastLoop pushes the state snapshot at most once per interval, and
// only when something changed.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.dirty.Swap(false) {
				snap := s.snapshot()
				s.broadcast(event{Type: "state", State: &snap})
			}
		}
	}
}

// snapshot is the combined view served by GET /api/state and pushed as
// "state" events.
type snapshot struct {
	Machine    motion.MachineState `json:"machine"`
	Connection connectionView      `json:"connection"`
}

type connectionView struct {
	State      string           `json:"state"`
	Session    conn.Session     `json:"session"`
	Transports []transport.Kind `json:"transports"`
}

func (s *Server) snapshot() snapshot {
	snap := snapshot{Machine: s.stage.State()}
	if s.link != nil {
		snap.Connection = connectionView{
			State:      s.link.State().String(),
			Session:    s.link.Session(),
			Transports: s.link.Kinds(),
		}
	}
	return snap
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: "INTERNAL", Message: err.Error()}
	var se *errors.StageError
	if stderrors.As(err, &se) {
		detail.Code = string(se.Code)
		detail.Message = se.Message
		if se.Err != nil {
			detail.Message += ": " + se.Err.Error()
		}
	}
	writeJSON(w, statusFor(err), errorBody{Error: detail})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	code, ok := errors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case errors.ErrRejectedBusy, errors.ErrRejectedEmergencyActive, errors.ErrRejectedCancelled:
		return http.StatusConflict
	case errors.ErrRejectedNotFound, errors.ErrConnectNoDeviceSelected:
		return http.StatusNotFound
	case errors.ErrRejectedInvalidArgument, errors.ErrConnectAddressRequired, errors.ErrConfigValidation:
		return http.StatusBadRequest
	case errors.ErrSendNotConnected:
		return http.StatusServiceUnavailable
	case errors.ErrSendTransportFailure, errors.ErrConnectSocket, errors.ErrConnectServiceNotFound,
		errors.ErrAutoFocusNoSignal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
