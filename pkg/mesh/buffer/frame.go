package buffer

import (
	"bytes"

	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
)

// Terminator is the frame delimiter used on the wire (spec §6): each
// direction is a stream of newline-terminated UTF-8 JSON objects.
const Terminator = '\n'

// maxFrameSize bounds a single frame so a peer that never sends a
// terminator cannot grow the buffer without limit.
const maxFrameSize = 1 << 20

// Frame reassembles length/terminator-delimited frames out of a byte
// stream (spec §4.E). Partial frames are retained across Feed calls.
type Frame struct {
	buf bytes.Buffer
}

func NewFrame() *Frame {
	return &Frame{}
}

// Feed appends newly received bytes to the internal region.
func (f *Frame) Feed(b []byte) error {
	if f.buf.Len()+len(b) > maxFrameSize {
		return errs.Wrap(errs.Framing, "frame exceeds maximum size", nil)
	}
	f.buf.Write(b)
	return nil
}

// TryPopFrame returns the next complete frame (terminator stripped) if
// one is available. Malformed oversized partial data is reported as a
// FramingError; callers must close the connection on that error.
func (f *Frame) TryPopFrame() (string, bool, error) {
	data := f.buf.Bytes()
	idx := bytes.IndexByte(data, Terminator)
	if idx < 0 {
		if f.buf.Len() > maxFrameSize {
			return "", false, errs.Wrap(errs.Framing, "no terminator within max frame size", nil)
		}
		return "", false, nil
	}
	frame := string(data[:idx])
	f.buf.Next(idx + 1)
	return frame, true, nil
}
