package frame

import (
	"encoding/binary"
	"fmt"
)

// Decoder accumulates bytes from a stream and yields complete frames in
// arrival order. It is not safe for concurrent use; the channel read loop
// owns it.
type Decoder struct {
	buf  []byte
	skip uint64 // bytes still to discard from an oversized frame
	max  uint32
}

// NewDecoder returns a Decoder enforcing MaxFrameSize.
func NewDecoder() *Decoder {
	return &Decoder{max: MaxFrameSize}
}

// NewDecoderLimit returns a Decoder with a custom payload ceiling.
func NewDecoderLimit(max uint32) *Decoder {
	return &Decoder{max: max}
}

// Feed appends p to the internal buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if d.skip > 0 {
		if uint64(len(p)) <= d.skip {
			d.skip -= uint64(len(p))
			return
		}
		p = p[d.skip:]
		d.skip = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload. It returns ErrNeedMoreData once the
// buffer holds no complete frame. An oversized length prefix yields ErrTooLarge
// exactly once; the decoder then discards the declared payload bytes as they
// arrive so the following frame is read from the right offset.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMoreData
	}
	n := binary.LittleEndian.Uint32(d.buf[:HeaderSize])
	if n > d.max {
		d.buf = d.buf[HeaderSize:]
		if uint64(len(d.buf)) >= uint64(n) {
			d.buf = d.buf[n:]
		} else {
			d.skip = uint64(n) - uint64(len(d.buf))
			d.buf = d.buf[:0]
		}
		d.compact()
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, n)
	}
	end := HeaderSize + int(n)
	if len(d.buf) < end {
		return nil, ErrNeedMoreData
	}
	payload := make([]byte, n)
	copy(payload, d.buf[HeaderSize:end])
	d.buf = d.buf[end:]
	d.compact()
	return payload, nil
}

// Buffered reports how many undecoded bytes are held.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
}

// Personal.AI order the ending
