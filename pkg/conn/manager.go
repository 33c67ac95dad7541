package conn

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"laserstage/pkg/errors"
	"laserstage/pkg/log"
	"laserstage/pkg/metrics"
	"laserstage/pkg/notify"
	"laserstage/pkg/protocol"
	"laserstage/pkg/transport"
)

// Manager drives the connection state machine. It is the only writer of the
// Session. Callbacks registered with OnStateChange run in transition order
// and must not call Connect, Disconnect or Retry.
type Manager struct {
	cfg        Config
	transports map[transport.Kind]transport.Transport
	notifier   notify.Notifier
	metrics    *metrics.StageMetrics
	log        *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	session Session
	link    transport.Link
	// generation changes whenever the link owner changes; goroutines holding
	// an older generation must not touch state.
	generation      uint64
	cancelReconnect context.CancelFunc
	lastKind        transport.Kind
	lastTarget      string
	closed          bool

	events []stateEvent
	// emitMu keeps state callbacks in transition order.
	emitMu sync.Mutex

	subsMu    sync.RWMutex
	frameSubs []func(protocol.Frame)
	stateSubs []func(State, Session)
}

type stateEvent struct {
	state   State
	session Session
}

// NewManager creates a Manager over the given transports. notifier and m may
// be nil.
func NewManager(cfg Config, notifier notify.Notifier, m *metrics.StageMetrics, transports ...transport.Transport) *Manager {
	if notifier == nil {
		notifier = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:        cfg.withDefaults(),
		transports: make(map[transport.Kind]transport.Transport),
		notifier:   notifier,
		metrics:    m,
		log:        log.GetLogger("conn"),
		ctx:        ctx,
		cancel:     cancel,
		state:      Disconnected,
	}
	for _, t := range transports {
		mgr.transports[t.Kind()] = t
	}
	m.SetConnectionState(int(Disconnected))
	return mgr
}

// Kinds lists the transports this manager can use.
func (m *Manager) Kinds() []transport.Kind {
	out := make([]transport.Kind, 0, len(m.transports))
	for _, k := range []transport.Kind{transport.KindBluetooth, transport.KindWiFi, transport.KindSerial} {
		if _, ok := m.transports[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// OnFrame subscribes to every decoded inbound frame, in arrival order,
// whatever the connection state.
func (m *Manager) OnFrame(fn func(protocol.Frame)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.frameSubs = append(m.frameSubs, fn)
}

// OnStateChange subscribes to state transitions.
func (m *Manager) OnStateChange(fn func(State, Session)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.stateSubs = append(m.stateSubs, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connected reports whether commands can be sent.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// transitionLocked applies a state change and queues it for subscribers.
// The caller must hold m.mu and call flushEvents after unlocking.
func (m *Manager) transitionLocked(state State) {
	m.state = state
	m.session.Connected = state == Connected
	m.events = append(m.events, stateEvent{state: state, session: m.session})
	m.metrics.SetConnectionState(int(state))
}

// flushEvents delivers queued transitions in the order they happened.
func (m *Manager) flushEvents() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.events) == 0 {
			m.mu.Unlock()
			return
		}
		ev := m.events[0]
		m.events = m.events[1:]
		m.mu.Unlock()

		m.subsMu.RLock()
		subs := make([]func(State, Session), len(m.stateSubs))
		copy(subs, m.stateSubs)
		m.subsMu.RUnlock()
		for _, fn := range subs {
			fn(ev.state, ev.session)
		}
	}
}

// Connect opens a link with the given transport. An explicit connect that
// fails goes straight back to Disconnected; it is never retried.
func (m *Manager) Connect(ctx context.Context, kind transport.Kind, target string) error {
	t, ok := m.transports[kind]
	if !ok {
		err := errors.InvalidArgumentError("transport", fmt.Sprintf("%q is not available", kind))
		m.notifier.Notify(err.Message, notify.Error)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.NotConnectedError()
	}
	if m.state == Connecting || m.state == Connected {
		state := m.state
		m.mu.Unlock()
		err := errors.BusyError("connect")
		m.log.WithField("state", state).Warn("connect rejected")
		m.notifier.Notify(fmt.Sprintf("Already %s", state), notify.Warning)
		return err
	}
	m.stopReconnectLocked()
	m.generation++
	gen := m.generation
	m.session = Session{Kind: kind, Target: target}
	m.transitionLocked(Connecting)
	m.mu.Unlock()
	m.flushEvents()

	m.log.WithFields(log.Fields{"transport": kind, "target": target}).Info("connecting")
	m.notifier.Notify(fmt.Sprintf("Connecting via %s...", kind), notify.Info)

	link, err := t.Connect(ctx, target)
	if err != nil {
		m.metrics.RecordConnect(string(kind), false)
		m.mu.Lock()
		if m.generation == gen {
			m.session.ReconnectAttempts = 0
			m.transitionLocked(Disconnected)
			m.mu.Unlock()
			m.flushEvents()
		} else {
			m.mu.Unlock()
		}
		m.log.WithError(err).WithField("transport", kind).Warn("connect failed")
		m.notifier.Notify(connectFailureMessage(err), notify.Error)
		return err
	}

	if !m.attach(gen, kind, link) {
		link.Close()
		return errors.CancelledError("connect")
	}
	m.metrics.RecordConnect(string(kind), true)
	m.notifier.Notify(fmt.Sprintf("Connected to %s", link.Target()), notify.Success)
	return nil
}

// Retry reconnects to the last target on request, cancelling any automatic
// reconnect in progress.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	kind, target := m.lastKind, m.lastTarget
	if m.session.Kind != "" {
		kind = m.session.Kind
		if m.session.Target != "" {
			target = m.session.Target
		}
	}
	m.mu.Unlock()
	if kind == "" {
		err := errors.InvalidArgumentError("retry", "no previous connection")
		m.notifier.Notify("Nothing to retry: connect to a device first", notify.Warning)
		return err
	}
	return m.Connect(ctx, kind, target)
}

// Disconnect closes the link on request. No reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == Disconnected && m.link == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.generation++
	link := m.link
	m.link = nil
	m.session.ReconnectAttempts = 0
	m.transitionLocked(Disconnected)
	m.mu.Unlock()
	m.flushEvents()

	var err error
	if link != nil {
		err = link.Close()
	}
	m.log.Info("disconnected by user")
	m.notifier.Notify("Disconnected", notify.Info)
	return err
}

// Close disconnects and waits for background goroutines to finish.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return err
}

// SendCommand encodes and writes one command. It fails with
// SEND_NOT_CONNECTED unless the state is Connected.
func (m *Manager) SendCommand(ctx context.Context, cmd protocol.Command, args ...any) error {
	m.mu.Lock()
	link := m.link
	state := m.state
	m.mu.Unlock()

	if state != Connected || link == nil {
		err := errors.NotConnectedError()
		m.metrics.RecordCommand(string(cmd), string(errors.ErrSendNotConnected), 0)
		return err
	}

	data, err := protocol.Encode(cmd, args...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	if err := link.Send(ctx, data); err != nil {
		if _, ok := errors.CodeOf(err); !ok {
			err = errors.TransportFailureError(err)
		}
		code, _ := errors.CodeOf(err)
		m.metrics.RecordCommand(string(cmd), string(code), 0)
		m.log.WithError(err).WithField("command", cmd).Warn("send failed")
		return err
	}
	m.metrics.RecordCommand(string(cmd), "", time.Since(start))
	m.log.WithField("frame", string(data[:len(data)-1])).Debug("sent")
	return nil
}

// attach makes link current if gen is still the active generation.
func (m *Manager) attach(gen uint64, kind transport.Kind, link transport.Link) bool {
	m.mu.Lock()
	if m.generation != gen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.link = link
	m.lastKind = kind
	m.lastTarget = link.Target()
	m.session.Kind = kind
	m.session.Target = link.Target()
	m.session.ReconnectAttempts = 0
	m.session.ConnectedAt = time.Now()
	m.transitionLocked(Connected)
	m.wg.Add(1)
	go m.pump(gen, link)
	m.mu.Unlock()
	m.flushEvents()

	m.log.WithFields(log.Fields{"transport": kind, "target": link.Target()}).Info("connected")
	return true
}

// pump reads the link until it ends, then handles the drop.
func (m *Manager) pump(gen uint64, link transport.Link) {
	defer m.wg.Done()
	lines := protocol.NewLineBuffer(m.cfg.MaxLineLength)

	for {
		select {
		case chunk := <-link.Inbound():
			m.feed(lines, chunk)
		case <-link.Done():
			// Frames that arrived before the drop are still delivered.
			for {
				select {
				case chunk := <-link.Inbound():
					m.feed(lines, chunk)
					continue
				default:
				}
				break
			}
			if rest := lines.Flush(); rest != nil {
				m.dispatchLine(rest)
			}
			m.handleDrop(gen, link)
			return
		}
	}
}

func (m *Manager) feed(lines *protocol.LineBuffer, chunk []byte) {
	complete, err := lines.Feed(chunk)
	if err != nil {
		m.log.WithError(err).Warn("inbound line discarded")
	}
	for _, line := range complete {
		m.dispatchLine(line)
	}
}

func (m *Manager) dispatchLine(line []byte) {
	frame, err := protocol.Decode(line)
	if err != nil {
		code, _ := errors.CodeOf(err)
		m.metrics.RecordDecodeError(string(code))
		m.log.WithFields(log.Fields{"line": string(line), "code": code}).Warn("frame dropped")
		return
	}
	m.metrics.RecordFrame(frame.Prefix())

	switch f := frame.(type) {
	case protocol.Ack:
		m.log.WithField("echo", f.Echo).Info("device ack")
	default:
		m.log.WithField("frame", frame.String()).Debug("received")
	}

	m.subsMu.RLock()
	subs := make([]func(protocol.Frame), len(m.frameSubs))
	copy(subs, m.frameSubs)
	m.subsMu.RUnlock()
	for _, fn := range subs {
		fn(frame)
	}
}

// handleDrop moves to Reconnecting if link was still current.
func (m *Manager) handleDrop(gen uint64, link transport.Link) {
	m.mu.Lock()
	if m.generation != gen || m.link != link || m.closed {
		m.mu.Unlock()
		return
	}
	m.link = nil
	kind, target := m.lastKind, m.lastTarget
	m.session.ReconnectAttempts = 1
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelReconnect = cancel
	m.transitionLocked(Reconnecting)
	m.wg.Add(1)
	go m.reconnect(ctx, gen, kind, target)
	m.mu.Unlock()
	m.flushEvents()

	m.metrics.RecordDrop(string(kind))
	m.log.WithError(link.Err()).WithFields(log.Fields{"transport": kind, "target": target}).Warn("link dropped")
	m.notifier.Notify("Connection lost, reconnecting...", notify.Warning)
}

// reconnect retries the last target with a constant delay until it succeeds,
// the attempts run out or ctx is cancelled.
func (m *Manager) reconnect(ctx context.Context, gen uint64, kind transport.Kind, target string) {
	defer m.wg.Done()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.MaxReconnectAttempts)),
		ctx,
	)
	policy.Reset()
	t := m.transports[kind]

	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if !m.setAttempts(gen, attempt) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.metrics.RecordReconnectAttempt(string(kind))
		m.log.WithFields(log.Fields{"attempt": attempt, "max": m.cfg.MaxReconnectAttempts}).Info("reconnecting")
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		link, err := t.Connect(attemptCtx, target)
		cancel()
		if err != nil {
			lastErr = err
			m.metrics.RecordConnect(string(kind), false)
			m.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			continue
		}
		if !m.attach(gen, kind, link) {
			link.Close()
			return
		}
		m.metrics.RecordConnect(string(kind), true)
		m.notifier.Notify(fmt.Sprintf("Reconnected to %s", link.Target()), notify.Success)
		return
	}

	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if m.generation != gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.cancelReconnect = nil
	m.transitionLocked(Disconnected)
	attempts := m.session.ReconnectAttempts
	m.mu.Unlock()
	m.flushEvents()

	m.log.WithError(lastErr).WithField("attempts", attempts).Error("reconnect gave up")
	m.notifier.Notify(fmt.Sprintf("Could not reconnect after %d attempts", attempts), notify.Error)
}

func (m *Manager) setAttempts(gen uint64, attempt int) bool {
	m.mu.Lock()
	if m.generation != gen || m.state != Reconnecting {
		m.mu.Unlock()
		return false
	}
	if m.session.ReconnectAttempts == attempt {
		m.mu.Unlock()
		return true
	}
	m.session.ReconnectAttempts = attempt
	m.transitionLocked(Reconnecting)
	m.mu.Unlock()
	m.flushEvents()
	return true
}

func (m *Manager) stopReconnectLocked() {
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
}

func connectFailureMessage(err error) string {
	var se *errors.StageError
	if stderrors.As(err, &se) {
		switch se.Code {
		case errors.ErrConnectNoDeviceSelected:
			return "No device selected"
		case errors.ErrConnectServiceNotFound:
			return "Laser stage service not found on device"
		case errors.ErrConnectAddressRequired:
			return "Device address required"
		}
		return "Connection failed: " + se.Message
	}
	return "Connection failed: " + err.Error()
}
