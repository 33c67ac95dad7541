package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/errors"
	"laserstage/pkg/log"
)

// WiFiConfig configures the WebSocket transport.
type WiFiConfig struct {
	// Port used when the target carries none. The firmware listens on 81.
	Port int
	// Path requested on the device, normally "/".
	Path string
	// DefaultAddress is offered when prompting for an address.
	DefaultAddress string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval drives keepalive pings; a link with no pong for twice
	// this long is considered dead. Zero disables keepalive.
	PingInterval time.Duration
}

func DefaultWiFiConfig() WiFiConfig {
	return WiFiConfig{
		Port:           81,
		Path:           "/",
		DefaultAddress: "192.168.1.100",
		DialTimeout:    5 * time.Second,
		WriteTimeout:   2 * time.Second,
		PingInterval:   10 * time.Second,
	}
}

// WiFi connects to the stage's WebSocket server.
type WiFi struct {
	cfg      WiFiConfig
	prompter Prompter
	dialer   *websocket.Dialer
	log      *log.Logger
}

func NewWiFi(cfg WiFiConfig, prompter Prompter) *WiFi {
	def := DefaultWiFiConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &WiFi{
		cfg:      cfg,
		prompter: prompter,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		log: log.GetLogger("wifi"),
	}
}

func (w *WiFi) Kind() Kind { return KindWiFi }

// Connect dials target, prompting for an address when target is empty.
func (w *WiFi) Connect(ctx context.Context, target string) (Link, error) {
	target = strings.TrimSpace(target)
	if target == "" && w.prompter != nil {
		addr, err := w.prompter.PromptAddress(ctx, w.cfg.DefaultAddress)
		if err != nil && !stderrors.Is(err, ErrPromptCancelled) {
			return nil, err
		}
		target = strings.TrimSpace(addr)
	}
	if target == "" {
		return nil, errors.AddressRequiredError()
	}

	wsURL, err := WebSocketURL(target, w.cfg.Port, w.cfg.Path)
	if err != nil {
		return nil, errors.SocketError(target, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	conn, _, err := w.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, errors.SocketError(wsURL, err)
	}

	w.log.WithField("url", wsURL).Info("websocket connected")
	link := &wsLink{
		linkBase:     newLinkBase(wsURL),
		conn:         conn,
		writeTimeout: w.cfg.WriteTimeout,
		log:          w.log,
	}
	go link.readPump(w.cfg.PingInterval)
	if w.cfg.PingInterval > 0 {
		go link.pingPump(w.cfg.PingInterval)
	}
	return link, nil
}

// WebSocketURL turns "host", "host:port" or a full ws:// URL into a dialable
// URL, filling in the default port and path.
func WebSocketURL(target string, defaultPort int, defaultPath string) (string, error) {
	if !strings.Contains(target, "://") {
		target = "ws://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", target, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid address %q: missing host", target)
	}
	if u.Port() == "" && defaultPort > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(defaultPort))
	}
	if u.Path == "" {
		u.Path = defaultPath
	}
	return u.String(), nil
}

type wsLink struct {
	*linkBase
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *log.Logger

	writeMu sync.Mutex
}

// Send writes data as one text message.
func (l *wsLink) Send(ctx context.Context, data []byte) error {
	if l.closed() {
		return errors.NotConnectedError()
	}
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.fail(err)
		return errors.TransportFailureError(err)
	}
	return nil
}

func (l *wsLink) Close() error {
	if !l.finish(nil) {
		return nil
	}
	l.writeMu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	return l.conn.Close()
}

// fail ends the link after a transport error.
func (l *wsLink) fail(err error) {
	if l.finish(err) {
		l.conn.Close()
	}
}

// readPump delivers each text message as one newline-terminated chunk.
func (l *wsLink) readPump(pingInterval time.Duration) {
	if pingInterval > 0 {
		l.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		l.conn.SetPongHandler(func(string) error {
			l.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
			return nil
		})
	}

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			if l.closed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.WithError(err).Warn("websocket read failed")
			}
			l.fail(err)
			return
		}
		if len(msg) > 0 && msg[len(msg)-1] != '\n' {
			msg = append(msg, '\n')
		}
		if !l.deliver(msg) {
			return
		}
	}
}

func (l *wsLink) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.writeTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.fail(err)
				return
			}
		}
	}
}
