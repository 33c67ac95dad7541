//go:build !linux && !darwin

package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	Device       string
	BaudRate     int
	ReadTimeout  time.Duration
	RTSOnConnect bool
	DTROnConnect bool
}

func DefaultConfig() Config {
	return Config{BaudRate: 115200, ReadTimeout: 100 * time.Millisecond}
}

// Port wraps the platform driver from go.bug.st/serial on systems without
// termios.
type Port struct {
	mu     sync.Mutex
	port   bugst.Port
	device string
	closed bool
}

func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	p, err := bugst.Open(cfg.Device, &bugst.Mode{
		BaudRate:          cfg.BaudRate,
		DataBits:          8,
		Parity:            bugst.NoParity,
		StopBits:          bugst.OneStopBit,
		InitialStatusBits: &bugst.ModemOutputBits{RTS: cfg.RTSOnConnect, DTR: cfg.DTROnConnect},
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}
	return &Port{port: p, device: cfg.Device}, nil
}

// Read returns ErrTimeout when nothing arrived within the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Read(buf)
	if err != nil {
		if p.isClosed() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Device() string { return p.device }

func (p *Port) SetReadTimeout(d time.Duration) {
	_ = p.port.SetReadTimeout(d)
}

func (p *Port) Flush() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return err
	}
	return p.port.ResetOutputBuffer()
}

// IsDeviceAvailable reports whether the device shows up in the port list.
func IsDeviceAvailable(device string) bool {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p == device {
			return true
		}
	}
	return false
}

func ResolveDevice(device string) (string, error) { return device, nil }
