// Package frame implements the length-prefixed framing used on the peer
// channel: a 4-byte little-endian unsigned length followed by exactly that
// many payload bytes. There is no delimiter and no checksum.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// MaxFrameSize is the practical ceiling for a single payload. Frames that
// declare more are treated as malformed.
const MaxFrameSize = 64 << 20

var (
	// ErrNeedMoreData means the buffer does not yet hold a complete frame.
	// Nothing was consumed.
	ErrNeedMoreData = errors.New("frame: need more data")
	// ErrTooLarge is returned for payloads above MaxFrameSize.
	ErrTooLarge = errors.New("frame: payload exceeds maximum size")
)

// Encode returns the wire form of payload.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode extracts the first complete frame from buf. It returns the payload
// and the bytes following it. When buf holds less than a full frame it returns
// ErrNeedMoreData and the caller keeps buf intact for the next attempt.
// The returned payload aliases buf.
func Decode(buf []byte) (payload, rest []byte, err error) {
	if len(buf) < HeaderSize {
		return nil, buf, ErrNeedMoreData
	}
	n := binary.LittleEndian.Uint32(buf[:HeaderSize])
	if n > MaxFrameSize {
		return nil, buf, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, n)
	}
	end := HeaderSize + int(n)
	if len(buf) < end {
		return nil, buf, ErrNeedMoreData
	}
	return buf[HeaderSize:end], buf[end:], nil
}

// WriteFrame encodes payload and writes it to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Personal.AI order the ending
