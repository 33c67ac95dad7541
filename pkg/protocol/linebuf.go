package protocol

import (
	"bytes"
	"errors"
)

// DefaultMaxLine bounds a pending partial line. Firmware lines are a few
// dozen bytes; anything past this is noise or a missing delimiter.
const DefaultMaxLine = 1024

var ErrLineTooLong = errors.New("protocol: line exceeds buffer limit")

// LineBuffer reassembles newline-delimited lines from arbitrarily split
// chunks. Not safe for concurrent use; each link pump owns one.
type LineBuffer struct {
	buf []byte
	max int
	// discarding drops input up to the next delimiter after an overlong
	// partial line was thrown away.
	discarding bool
}

func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineBuffer{max: max}
}

// Feed appends chunk and returns every complete, non-blank line with the
// terminator (and a trailing '\r') removed. If a line grows past the limit
// it is discarded and ErrLineTooLong is returned alongside any lines that
// were completed in the same call. The rest of a discarded line, up to its
// delimiter, is dropped as well.
func (b *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	if b.discarding {
		idx := bytes.IndexByte(chunk, Delimiter)
		if idx < 0 {
			return nil, nil
		}
		chunk = chunk[idx+1:]
		b.discarding = false
	}
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	var overflow bool
	for {
		idx := bytes.IndexByte(b.buf, Delimiter)
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(b.buf[:idx], []byte{'\r'})
		b.buf = b.buf[idx+1:]
		if len(line) > b.max {
			overflow = true
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}

	if len(b.buf) > b.max {
		b.buf = nil
		b.discarding = true
		overflow = true
	} else if len(b.buf) > 0 {
		// Drop the consumed prefix so the backing array does not grow.
		b.buf = append([]byte(nil), b.buf...)
	} else {
		b.buf = nil
	}

	if overflow {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Flush returns the pending partial line, if any, and clears the buffer.
func (b *LineBuffer) Flush() []byte {
	line := bytes.TrimSpace(b.buf)
	b.buf = nil
	b.discarding = false
	if len(line) == 0 {
		return nil
	}
	return append([]byte(nil), line...)
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

func (b *LineBuffer) Reset() {
	b.buf = nil
	b.discarding = false
}
