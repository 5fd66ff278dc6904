// ABOUTME: Stream framing for live connections
// ABOUTME: Accumulates partial arrivals and distinguishes "no frame yet" from "closed"
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// DefaultMaxFrameSize bounds what a reader will buffer for a single frame
const DefaultMaxFrameSize = 1 << 20

// FrameReader reads whole frames from a stream. Bytes of a frame that arrive
// across several reads are kept between calls, so a read deadline on the
// underlying connection can be used as a readiness poll.
type FrameReader struct {
	r       io.Reader
	max     int
	buf     []byte
	need    int // total frame length once the prefix is known
	discard int // bytes left to skip of an oversized frame
	scratch []byte
}

// NewFrameReader creates a reader. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: maxFrameSize}
}

// ReadFrame returns the next complete raw frame.
//
// ErrNoFrame means the underlying read timed out or returned nothing; any
// partial frame is kept for the next call. ErrConnectionClosed means the peer
// is gone. ErrMalformedFrame leaves the reader at the next frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		if fr.discard > 0 {
			if err := fr.skip(); err != nil {
				return nil, err
			}
			continue
		}

		target := 4
		if fr.need > 0 {
			target = fr.need
		}
		if cap(fr.buf) < target {
			grown := make([]byte, len(fr.buf), target)
			copy(grown, fr.buf)
			fr.buf = grown
		}

		n, err := fr.r.Read(fr.buf[len(fr.buf):target])
		fr.buf = fr.buf[:len(fr.buf)+n]

		if fr.need == 0 && len(fr.buf) == 4 {
			total := binary.BigEndian.Uint32(fr.buf)
			switch {
			case total < HeaderSize:
				fr.buf = fr.buf[:0]
				return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, total)
			case uint64(total) > uint64(fr.max):
				fr.buf = fr.buf[:0]
				fr.discard = int(total) - 4
				if err != nil {
					return nil, classify(err)
				}
				continue
			}
			fr.need = int(total)
		}

		if fr.need > 0 && len(fr.buf) == fr.need {
			frame := fr.buf
			fr.buf = nil
			fr.need = 0
			return frame, nil
		}

		if err != nil {
			return nil, classify(err)
		}
		if n == 0 {
			return nil, ErrNoFrame
		}
	}
}

// ReadMessage reads and decodes the next frame
func (fr *FrameReader) ReadMessage() (Message, error) {
	frame, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}

// skip drops bytes of an oversized frame, then reports it as malformed
func (fr *FrameReader) skip() error {
	if fr.scratch == nil {
		fr.scratch = make([]byte, 32*1024)
	}
	chunk := fr.scratch
	if fr.discard < len(chunk) {
		chunk = chunk[:fr.discard]
	}

	n, err := fr.r.Read(chunk)
	fr.discard -= n
	if fr.discard == 0 {
		return fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, fr.max)
	}
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNoFrame
	}
	return nil
}

// WriteMessage encodes msg and writes it as one frame
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// classify maps transport errors onto the codec taxonomy
func classify(err error) error {
	if IsTimeout(err) {
		return ErrNoFrame
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
