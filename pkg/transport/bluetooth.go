package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"laserstage/pkg/errors"
	"laserstage/pkg/log"
)

// BluetoothConfig identifies the stage's GATT service.
type BluetoothConfig struct {
	ServiceUUID        string
	CharacteristicUUID string
	// NotifyCharacteristicUUID carries inbound frames; empty means the
	// command characteristic is also the notifying one.
	NotifyCharacteristicUUID string
	// DeviceName also matches devices that do not advertise the service UUID.
	DeviceName  string
	ScanTimeout time.Duration
	// MaxWriteSize splits outbound commands; 20 bytes fits the default MTU.
	MaxWriteSize int
}

func DefaultBluetoothConfig() BluetoothConfig {
	return BluetoothConfig{
		ServiceUUID:        "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
		CharacteristicUUID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
		DeviceName:         "ESP32_Laser_Control",
		ScanTimeout:        10 * time.Second,
		MaxWriteSize:       20,
	}
}

// Bluetooth connects to the stage over BLE GATT.
type Bluetooth struct {
	cfg      BluetoothConfig
	prompter Prompter
	adapter  *bluetooth.Adapter
	log      *log.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu    sync.Mutex
	links map[string]*bleLink
}

func NewBluetooth(cfg BluetoothConfig, prompter Prompter) *Bluetooth {
	def := DefaultBluetoothConfig()
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = def.MaxWriteSize
	}
	return &Bluetooth{
		cfg:      cfg,
		prompter: prompter,
		adapter:  bluetooth.DefaultAdapter,
		log:      log.GetLogger("ble"),
		links:    make(map[string]*bleLink),
	}
}

func (b *Bluetooth) Kind() Kind { return KindBluetooth }

func (b *Bluetooth) enable() error {
	b.enableOnce.Do(func() {
		if err := b.adapter.Enable(); err != nil {
			b.enableErr = fmt.Errorf("enable bluetooth adapter: %w", err)
			return
		}
		b.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			b.mu.Lock()
			link := b.links[normalizeAddress(device.Address.String())]
			b.mu.Unlock()
			if link != nil {
				link.fail(stderrors.New("bluetooth: peripheral disconnected"))
			}
		})
	})
	return b.enableErr
}

// Matches reports whether an advertisement belongs to a stage controller.
func (cfg BluetoothConfig) Matches(localName string, hasService bool) bool {
	if hasService {
		return true
	}
	return cfg.DeviceName != "" && strings.EqualFold(strings.TrimSpace(localName), cfg.DeviceName)
}

func normalizeAddress(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

type scanHit struct {
	candidate Candidate
	address   bluetooth.Address
}

// scan collects matching advertisements until the timeout, ctx ends, or
// (when want is set) the wanted address or name shows up.
func (b *Bluetooth) scan(ctx context.Context, want string) ([]scanHit, error) {
	serviceUUID, err := bluetooth.ParseUUID(b.cfg.ServiceUUID)
	if err != nil {
		return nil, errors.InvalidArgumentError("bluetooth service uuid", err.Error())
	}
	if err := b.enable(); err != nil {
		return nil, errors.SocketError("bluetooth adapter", err)
	}

	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		b.adapter.StopScan()
	}()

	want = normalizeAddress(want)
	var (
		mu   sync.Mutex
		hits []scanHit
		seen = make(map[string]bool)
	)
	err = b.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := normalizeAddress(result.Address.String())
		name := result.LocalName()
		if !b.cfg.Matches(name, result.HasServiceUUID(serviceUUID)) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		hits = append(hits, scanHit{
			candidate: Candidate{Name: name, Address: addr, RSSI: result.RSSI},
			address:   result.Address,
		})
		if want != "" && (want == addr || strings.EqualFold(want, name)) {
			cancel()
		}
	})
	if err != nil {
		return nil, errors.SocketError("bluetooth scan", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return hits, nil
}

// Scan lists stage controllers currently advertising.
func (b *Bluetooth) Scan(ctx context.Context) ([]Candidate, error) {
	hits, err := b.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.candidate
	}
	return out, nil
}

// Connect scans, lets the user pick a device (unless target names one),
// then opens the GATT service and subscribes to notifications.
func (b *Bluetooth) Connect(ctx context.Context, target string) (Link, error) {
	hits, err := b.scan(ctx, target)
	if err != nil {
		return nil, err
	}

	var chosen *scanHit
	if target == "" {
		if len(hits) == 0 {
			return nil, errors.NoDeviceSelectedError("no matching device found")
		}
		candidates := make([]Candidate, len(hits))
		for i, h := range hits {
			candidates[i] = h.candidate
		}
		prompter := b.prompter
		if prompter == nil {
			prompter = AutoPrompter{}
		}
		sel, err := prompter.SelectDevice(ctx, candidates)
		if err != nil {
			return nil, errors.NoDeviceSelectedError("selection cancelled")
		}
		for i := range hits {
			if hits[i].candidate.Address == normalizeAddress(sel.Address) {
				chosen = &hits[i]
				break
			}
		}
	} else {
		want := normalizeAddress(target)
		for i := range hits {
			if hits[i].candidate.Address == want || strings.EqualFold(hits[i].candidate.Name, target) {
				chosen = &hits[i]
				break
			}
		}
	}
	if chosen == nil {
		return nil, errors.NoDeviceSelectedError(fmt.Sprintf("device %q not found", target))
	}

	return b.open(chosen)
}

func (b *Bluetooth) open(hit *scanHit) (Link, error) {
	addr := hit.candidate.Address
	device, err := b.adapter.Connect(hit.address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.SocketError(addr, err)
	}

	cmdChar, notifyChar, err := b.discover(device)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	link := &bleLink{
		linkBase:  newLinkBase(addr),
		device:    device,
		char:      cmdChar,
		chunkSize: b.cfg.MaxWriteSize,
		owner:     b,
		log:       b.log,
	}
	b.mu.Lock()
	b.links[addr] = link
	b.mu.Unlock()

	err = notifyChar.EnableNotifications(func(buf []byte) {
		chunk := make([]byte, len(buf), len(buf)+1)
		copy(chunk, buf)
		if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' {
			chunk = append(chunk, '\n')
		}
		// Never block the BlueZ signal goroutine.
		select {
		case link.inbound <- chunk:
		case <-link.done:
		default:
			link.log.WithField("bytes", len(chunk)).Warn("inbound buffer full, notification dropped")
		}
	})
	if err != nil {
		link.Close()
		return nil, errors.ServiceNotFoundError(b.notifyUUID(), err)
	}

	b.log.WithFields(log.Fields{"address": addr, "name": hit.candidate.Name}).Info("bluetooth connected")
	return link, nil
}

func (b *Bluetooth) notifyUUID() string {
	if b.cfg.NotifyCharacteristicUUID != "" {
		return b.cfg.NotifyCharacteristicUUID
	}
	return b.cfg.CharacteristicUUID
}

func (b *Bluetooth) discover(device bluetooth.Device) (cmd, notify bluetooth.DeviceCharacteristic, err error) {
	serviceUUID, err := bluetooth.ParseUUID(b.cfg.ServiceUUID)
	if err != nil {
		return cmd, notify, errors.InvalidArgumentError("bluetooth service uuid", err.Error())
	}
	cmdUUID, err := bluetooth.ParseUUID(b.cfg.CharacteristicUUID)
	if err != nil {
		return cmd, notify, errors.InvalidArgumentError("bluetooth characteristic uuid", err.Error())
	}
	notifyUUID, err := bluetooth.ParseUUID(b.notifyUUID())
	if err != nil {
		return cmd, notify, errors.InvalidArgumentError("bluetooth notify uuid", err.Error())
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		return cmd, notify, errors.ServiceNotFoundError(b.cfg.ServiceUUID, err)
	}

	want := []bluetooth.UUID{cmdUUID}
	if notifyUUID != cmdUUID {
		want = append(want, notifyUUID)
	}
	chars, err := services[0].DiscoverCharacteristics(want)
	if err != nil {
		return cmd, notify, errors.ServiceNotFoundError(b.cfg.CharacteristicUUID, err)
	}

	var haveCmd, haveNotify bool
	for _, c := range chars {
		if c.UUID() == cmdUUID {
			cmd, haveCmd = c, true
		}
		if c.UUID() == notifyUUID {
			notify, haveNotify = c, true
		}
	}
	if !haveCmd {
		return cmd, notify, errors.ServiceNotFoundError(b.cfg.CharacteristicUUID, nil)
	}
	if !haveNotify {
		return cmd, notify, errors.ServiceNotFoundError(b.notifyUUID(), nil)
	}
	return cmd, notify, nil
}

func (b *Bluetooth) forget(addr string, link *bleLink) {
	b.mu.Lock()
	if b.links[addr] == link {
		delete(b.links, addr)
	}
	b.mu.Unlock()
}

type bleLink struct {
	*linkBase
	device    bluetooth.Device
	char      bluetooth.DeviceCharacteristic
	chunkSize int
	owner     *Bluetooth
	log       *log.Logger

	writeMu sync.Mutex
}

func (l *bleLink) Send(ctx context.Context, data []byte) error {
	if l.closed() {
		return errors.NotConnectedError()
	}
	if err := ctx.Err(); err != nil {
		return errors.TransportFailureError(err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for len(data) > 0 {
		n := min(len(data), l.chunkSize)
		if _, err := l.char.WriteWithoutResponse(data[:n]); err != nil {
			l.fail(err)
			return errors.TransportFailureError(err)
		}
		data = data[n:]
	}
	return nil
}

func (l *bleLink) Close() error {
	if !l.finish(nil) {
		return nil
	}
	l.owner.forget(l.target, l)
	return l.device.Disconnect()
}

func (l *bleLink) fail(err error) {
	if l.finish(err) {
		l.owner.forget(l.target, l)
		l.device.Disconnect()
	}
}
