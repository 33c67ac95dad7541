// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"strings"
	"sync"

	"laserstage/pkg/errors"
	"laserstage/pkg/transport"
)

// Transport hands out in-memory links. Connect results can be scripted with
// FailNext; otherwise every Connect succeeds.
type Transport struct {
	kind transport.Kind

	mu       sync.Mutex
	failures []error
	links    []*Link
	attempts int
	connects chan *Link
	// OnSend, when set, is called for each line a link sends.
	OnSend func(l *Link, line string)
}

func New(kind transport.Kind) *Transport {
	return &Transport{kind: kind, connects: make(chan *Link, 16)}
}

func (t *Transport) Kind() transport.Kind { return t.kind }

// FailNext queues errors returned by the next Connect calls, in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	t.failures = append(t.failures, errs...)
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context, target string) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.SocketError(target, err)
	}
	t.mu.Lock()
	t.attempts++
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	if target == "" {
		target = "fake-device"
	}
	l := &Link{
		owner:   t,
		target:  target,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	t.links = append(t.links, l)
	t.mu.Unlock()

	select {
	case t.connects <- l:
	default:
	}
	return l, nil
}

// Attempts counts Connect calls, successful or not.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Last returns the most recently opened link, or nil.
func (t *Transport) Last() *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// Connected delivers each link as it is opened.
func (t *Transport) Connected() <-chan *Link { return t.connects }

// Link is an in-memory transport.Link.
type Link struct {
	owner  *Transport
	target string

	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	sent    []string
	err     error
	sendErr error
}

func (l *Link) Send(ctx context.Context, data []byte) error {
	select {
	case <-l.done:
		return errors.NotConnectedError()
	default:
	}
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return errors.TransportFailureError(err)
	}
	line := strings.TrimRight(string(data), "\n")
	l.sent = append(l.sent, line)
	l.mu.Unlock()

	if l.owner.OnSend != nil {
		l.owner.OnSend(l, line)
	}
	return nil
}

func (l *Link) Inbound() <-chan []byte { return l.inbound }
func (l *Link) Done() <-chan struct{}  { return l.done }
func (l *Link) Target() string         { return l.target }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) Close() error {
	l.end(nil)
	return nil
}

// Drop ends the link as if the peer went away.
func (l *Link) Drop(err error) {
	l.end(err)
}

func (l *Link) end(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

// Closed reports whether the link has ended.
func (l *Link) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Receive queues raw bytes as if the device sent them.
func (l *Link) Receive(data string) {
	select {
	case l.inbound <- []byte(data):
	case <-l.done:
	}
}

// FailSends makes every following Send fail with err.
func (l *Link) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// Sent returns the lines sent so far, newline stripped.
func (l *Link) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}
