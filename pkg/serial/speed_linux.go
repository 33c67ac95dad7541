//go:build linux

package serial

import "golang.org/x/sys/unix"

// Rates above 230400 that Linux exposes as fixed termios constants.
var platformSpeeds = map[int]uint32{
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

// setSpeed sets the baud rate on the termios struct for Linux. TCSETS reads
// the rate from the CBAUD bits of Cflag.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}
