// Package transport provides the duplex byte channels the supervisor speaks
// the frame protocol over.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrExhausted is returned by a Dialer that cannot produce another channel.
// The supervisor treats it as a clean end of service.
var ErrExhausted = errors.New("transport: no further connections available")

// Dialer opens a new channel to the peer. Each returned channel is an
// ordered byte stream; closing it must unblock a pending Read.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

// StdioDialer hands out the process's own stdin/stdout exactly once. When
// the browser closes the port stdin hits EOF and there is nothing to
// reconnect to.
type StdioDialer struct {
	In  io.Reader
	Out io.Writer

	used atomic.Bool
}

func NewStdioDialer(in io.Reader, out io.Writer) *StdioDialer {
	return &StdioDialer{In: in, Out: out}
}

func (d *StdioDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.used.CompareAndSwap(false, true) {
		return nil, ErrExhausted
	}
	pr, pw := io.Pipe()
	go pump(d.In, pw)
	return &stdioChannel{in: pr, src: d.In, out: d.Out, closed: make(chan struct{})}, nil
}

// pump copies in to pw until either side ends. Reads on a blocking stdin
// cannot be interrupted, so Read is served from pw's far end and Close
// only has to close the pipe.
func pump(in io.Reader, pw *io.PipeWriter) {
	_, err := io.Copy(pw, in)
	_ = pw.CloseWithError(err)
}

type stdioChannel struct {
	in  *io.PipeReader
	src io.Reader
	out io.Writer

	once   sync.Once
	closed chan struct{}
}

func (c *stdioChannel) Read(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.EOF
	default:
	}
	return c.in.Read(p)
}

func (c *stdioChannel) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	return c.out.Write(p)
}

// Close unblocks a pending Read at once. The underlying streams are closed
// too when they support it; the pump exits on its next read or write.
func (c *stdioChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.in.Close()
		if rc, ok := c.src.(io.Closer); ok {
			_ = rc.Close()
		}
		if wc, ok := c.out.(io.Closer); ok {
			_ = wc.Close()
		}
	})
	return nil
}

// Personal.AI order the ending
