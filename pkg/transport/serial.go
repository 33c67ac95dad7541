package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"laserstage/pkg/errors"
	"laserstage/pkg/log"
	"laserstage/pkg/serial"
)

// SerialConfig configures the USB serial transport.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
	// USBIDs restricts auto-detection to these "VID:PID" pairs. Empty
	// accepts any USB serial port.
	USBIDs []string
}

// Common USB-UART bridges on ESP32 boards.
var DefaultESP32USBIDs = []string{
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // WCH CH340
	"1A86:55D4", // WCH CH9102
	"0403:6001", // FTDI FT232R
	"303A:1001", // Espressif native USB-JTAG/serial
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    115200,
		ReadTimeout: 100 * time.Millisecond,
		USBIDs:      DefaultESP32USBIDs,
	}
}

// Serial talks to a stage controller attached over USB.
type Serial struct {
	cfg      SerialConfig
	prompter Prompter
	log      *log.Logger

	// Swappable for tests.
	listPorts func() ([]*enumerator.PortDetails, error)
	open      func(serial.Config) (serialPort, error)
}

type serialPort interface {
	io.ReadWriteCloser
	Device() string
}

func NewSerial(cfg SerialConfig, prompter Prompter) *Serial {
	def := DefaultSerialConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	return &Serial{
		cfg:       cfg,
		prompter:  prompter,
		log:       log.GetLogger("serial"),
		listPorts: enumerator.GetDetailedPortsList,
		open: func(c serial.Config) (serialPort, error) {
			return serial.Open(c)
		},
	}
}

func (s *Serial) Kind() Kind { return KindSerial }

// Ports lists USB serial ports that look like a stage controller.
func (s *Serial) Ports() ([]Candidate, error) {
	details, err := s.listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var out []Candidate
	for _, d := range details {
		if !d.IsUSB || !s.accepts(d.VID, d.PID) {
			continue
		}
		name := d.Product
		if name == "" {
			name = fmt.Sprintf("%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
		}
		if d.SerialNumber != "" {
			name += " #" + d.SerialNumber
		}
		out = append(out, Candidate{Name: name, Address: d.Name})
	}
	return out, nil
}

func (s *Serial) accepts(vid, pid string) bool {
	if len(s.cfg.USBIDs) == 0 {
		return true
	}
	id := strings.ToUpper(vid + ":" + pid)
	for _, want := range s.cfg.USBIDs {
		if strings.ToUpper(want) == id {
			return true
		}
	}
	return false
}

// Connect opens target, or the detected port when target is empty.
func (s *Serial) Connect(ctx context.Context, target string) (Link, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		ports, err := s.Ports()
		if err != nil {
			return nil, errors.SocketError("serial", err)
		}
		switch len(ports) {
		case 0:
			return nil, errors.NoDeviceSelectedError("no USB serial controller found")
		case 1:
			target = ports[0].Address
		default:
			prompter := s.prompter
			if prompter == nil {
				prompter = AutoPrompter{}
			}
			sel, err := prompter.SelectDevice(ctx, ports)
			if err != nil {
				return nil, errors.NoDeviceSelectedError("selection cancelled")
			}
			target = sel.Address
		}
	}

	cfg := serial.DefaultConfig()
	cfg.Device = target
	cfg.BaudRate = s.cfg.BaudRate
	cfg.ReadTimeout = s.cfg.ReadTimeout
	port, err := s.open(cfg)
	if err != nil {
		return nil, errors.SocketError(target, err)
	}

	s.log.WithFields(log.Fields{"device": port.Device(), "baud": cfg.BaudRate}).Info("serial port opened")
	link := &serialLink{linkBase: newLinkBase(target), port: port}
	go link.readPump()
	return link, nil
}

type serialLink struct {
	*linkBase
	port    serialPort
	writeMu sync.Mutex
}

func (l *serialLink) Send(ctx context.Context, data []byte) error {
	if l.closed() {
		return errors.NotConnectedError()
	}
	if err := ctx.Err(); err != nil {
		return errors.TransportFailureError(err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(data); err != nil {
		l.fail(err)
		return errors.TransportFailureError(err)
	}
	return nil
}

func (l *serialLink) Close() error {
	if !l.finish(nil) {
		return nil
	}
	return l.port.Close()
}

func (l *serialLink) fail(err error) {
	if l.finish(err) {
		l.port.Close()
	}
}

func (l *serialLink) readPump() {
	buf := make([]byte, 512)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			if stderrors.Is(err, serial.ErrTimeout) {
				if l.closed() {
					return
				}
				continue
			}
			if !l.closed() {
				l.fail(err)
			}
			return
		}
		chunk := append([]byte(nil), buf[:n]...)
		if !l.deliver(chunk) {
			return
		}
	}
}
