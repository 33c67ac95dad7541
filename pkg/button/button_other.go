//go:build !linux

package button

import "errors"

// ErrUnsupported is returned on platforms without the GPIO character device.
var ErrUnsupported = errors.New("button: GPIO character device requires linux")

func Open(cfg Config, latch Tripper) (*Button, error) {
	return nil, ErrUnsupported
}
