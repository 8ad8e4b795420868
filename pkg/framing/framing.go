// Package framing implements the wire codec used on the VPN client<->agent
// channel: a 4-byte big-endian length prefix immediately followed by that
// many raw bytes. It has no knowledge of what the payload is (an IP packet);
// it only guarantees that whatever bytes were written come back out whole.
package framing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// MaxFrameLen is the largest payload length this codec will accept. Frames
// claiming a larger length fail FrameTooLarge and the stream is considered
// desynchronized: no further bytes are consumed from it.
const MaxFrameLen = 65536

// WriteFrame writes length(payload) as a big-endian uint32 followed by
// payload, then flushes, so the peer's ReadFrame can never stall on a
// half-sent frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return xerr.FrameTooLarge.Newf("frame length %d exceeds max %d", len(payload), MaxFrameLen)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}

// ReadFrame reads exactly one frame: a 4-byte length followed by that many
// bytes. A short read maps to xerr.UnexpectedEOF. A declared length greater
// than MaxFrameLen maps to xerr.FrameTooLarge without reading the payload;
// the caller must treat the stream as unusable from that point on.
//
// A zero-length frame is legal and returns a non-nil, empty slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, wrapShortRead(err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameLen {
		return nil, xerr.FrameTooLarge.Newf("declared frame length %d exceeds max %d", length, MaxFrameLen)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, wrapShortRead(err)
		}
	}
	return payload, nil
}

func wrapShortRead(err error) error {
	if err == io.EOF {
		// A clean EOF exactly at a frame boundary is a normal stream end,
		// not a desync; callers that care distinguish it via errors.Is(err, io.EOF).
		return io.EOF
	}
	return xerr.UnexpectedEOF.Newf("short read while framing: %w", err)
}

// NewReader wraps r in a *bufio.Reader sized for one max frame plus header,
// matching the pattern used for the SSH exec stdout pump.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxFrameLen+4)
}

// NewWriter wraps w in a *bufio.Writer; WriteFrame's Flush() call drains it
// after every frame so the reader on the other end never blocks mid-frame.
func NewWriter(w io.Writer) *bufio.Writer {
	return bufio.NewWriterSize(w, MaxFrameLen+4)
}
