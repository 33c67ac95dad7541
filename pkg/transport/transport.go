// Package transport moves raw protocol bytes between the host and the stage
// controller over Bluetooth LE, WiFi (WebSocket) or a USB serial port.
//
// Every transport yields a Link. A Link is write-capable, exposes received
// chunks on Inbound and signals the end of the connection by closing Done
// exactly once, whether the peer dropped or the host closed it.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
)

// Kind names a transport.
type Kind string

const (
	KindBluetooth Kind = "bluetooth"
	KindWiFi      Kind = "wifi"
	KindSerial    Kind = "serial"
)

// ParseKind accepts the canonical names plus a few common aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bluetooth", "ble", "bt":
		return KindBluetooth, nil
	case "wifi", "websocket", "ws":
		return KindWiFi, nil
	case "serial", "usb":
		return KindSerial, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Transport opens links of one kind.
type Transport interface {
	Kind() Kind
	// Connect establishes a link. An empty target lets the transport ask the
	// Prompter (device chooser or address prompt).
	Connect(ctx context.Context, target string) (Link, error)
}

// Link is one live connection. Chunks may split or join protocol lines;
// message-oriented links (BLE notifications, WebSocket frames) terminate
// each message with a newline so the reader only ever splits on '\n'.
type Link interface {
	// Send writes an encoded command.
	Send(ctx context.Context, data []byte) error
	// Inbound delivers received chunks in arrival order. It is never closed;
	// select on Done as well.
	Inbound() <-chan []byte
	// Done is closed once when the link ends for any reason.
	Done() <-chan struct{}
	// Err reports why the link ended; nil after a local Close.
	Err() error
	Close() error
	// Target is the resolved address, reusable for reconnects without prompting.
	Target() string
}

// Candidate is a discovered device offered to the user.
type Candidate struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int16  `json:"rssi,omitempty"`
}

func (c Candidate) String() string {
	if c.Name == "" {
		return c.Address
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Address)
}

// ErrPromptCancelled is returned by a Prompter when the user backs out.
var ErrPromptCancelled = stderrors.New("transport: prompt cancelled")

// Prompter asks the user to pick a device or type an address.
type Prompter interface {
	SelectDevice(ctx context.Context, candidates []Candidate) (Candidate, error)
	PromptAddress(ctx context.Context, suggestion string) (string, error)
}

// AutoPrompter answers every prompt without user interaction: the first
// candidate and the suggested address. Used by headless deployments.
type AutoPrompter struct{}

func (AutoPrompter) SelectDevice(_ context.Context, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrPromptCancelled
	}
	return candidates[0], nil
}

func (AutoPrompter) PromptAddress(_ context.Context, suggestion string) (string, error) {
	if suggestion == "" {
		return "", ErrPromptCancelled
	}
	return suggestion, nil
}

const inboundBuffer = 64

// linkBase holds the lifecycle plumbing shared by every Link implementation.
type linkBase struct {
	target  string
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func newLinkBase(target string) *linkBase {
	return &linkBase{
		target:  target,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}
}

// deliver hands a chunk to the consumer, giving up once the link is done.
func (b *linkBase) deliver(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	select {
	case b.inbound <- chunk:
		return true
	case <-b.done:
		return false
	}
}

// finish records why the link ended and closes Done. Later calls are no-ops.
func (b *linkBase) finish(err error) bool {
	first := false
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
		first = true
	})
	return first
}

func (b *linkBase) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *linkBase) Inbound() <-chan []byte { return b.inbound }
func (b *linkBase) Done() <-chan struct{}  { return b.done }
func (b *linkBase) Target() string         { return b.target }

func (b *linkBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
