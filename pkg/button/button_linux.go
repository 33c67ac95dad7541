//go:build linux

package button

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"laserstage/pkg/log"
)

// Open requests the line as an edge-watched input. A button already held
// when the line is opened trips the latch immediately.
func Open(cfg Config, latch Tripper) (*Button, error) {
	b := newButton(cfg, latch)

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer("laserstage-estop"),
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			b.setLevel(evt.Type == gpiocdev.LineEventRisingEdge)
		}),
	}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow, gpiocdev.WithPullUp)
	} else {
		opts = append(opts, gpiocdev.WithPullDown)
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	b.closer = line.Close

	v, err := line.Value()
	if err != nil {
		line.Close()
		return nil, fmt.Errorf("read %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	b.setLevel(v == 1)

	b.log.WithFields(log.Fields{"chip": cfg.Chip, "line": cfg.Line}).Info("emergency button armed")
	return b, nil
}
