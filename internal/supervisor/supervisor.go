// Package supervisor owns the connection to the peer: it dials, runs the
// single read loop, serializes writes and reconnects after a fixed delay.
package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/tabbridge/internal/monitor"
	"github.com/turtacn/tabbridge/internal/transport"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/frame"
	"github.com/turtacn/tabbridge/pkg/fsm"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

const (
	readBufferSize   = 32 << 10
	defaultQueueSize = 64
)

type Options struct {
	ReconnectDelay time.Duration
	QueueSize      int // capacity of Responses and Requests
	Logger         logger.Logger
}

type Supervisor struct {
	dialer transport.Dialer
	delay  time.Duration
	log    logger.Logger
	fsm    *fsm.StateMachine

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	session string

	writeMu sync.Mutex

	responses chan *protocol.Envelope
	requests  chan *protocol.Envelope
}

func New(d transport.Dialer, opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = consts.DefaultReconnectDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	s := &Supervisor{
		dialer:    d,
		delay:     opts.ReconnectDelay,
		log:       opts.Logger.With("component", "supervisor"),
		fsm:       fsm.New(fsm.State(consts.StateDisconnected)),
		responses: make(chan *protocol.Envelope, opts.QueueSize),
		requests:  make(chan *protocol.Envelope, opts.QueueSize),
	}
	s.setupFSM()
	return s
}

func (s *Supervisor) setupFSM() {
	disconnected := fsm.State(consts.StateDisconnected)
	connecting := fsm.State(consts.StateConnecting)
	connected := fsm.State(consts.StateConnected)
	stopped := fsm.State(consts.StateStopped)

	s.fsm.AddTransition(disconnected, connecting, consts.EventDial, nil)
	s.fsm.AddTransition(connecting, connected, consts.EventConnected, nil)
	s.fsm.AddTransition(connecting, disconnected, consts.EventDialFail, nil)
	s.fsm.AddTransition(connected, disconnected, consts.EventLost, nil)
	for _, from := range []fsm.State{disconnected, connecting, connected} {
		s.fsm.AddTransition(from, stopped, consts.EventStop, nil)
	}
}

// Responses carries httpResponse and configResponse envelopes. A nil
// envelope marks the end of a connection; every response that connection
// delivered comes before it.
func (s *Supervisor) Responses() <-chan *protocol.Envelope { return s.responses }

// Requests carries peer-initiated getConfig, setConfig and legacy config
// envelopes.
func (s *Supervisor) Requests() <-chan *protocol.Envelope { return s.requests }

// State returns the current connection state.
func (s *Supervisor) State() consts.ConnectionState {
	return consts.ConnectionState(s.fsm.Current())
}

// Subscribe streams state transitions in commit order. The subscriber must
// keep receiving or cancel; transitions wait for it.
func (s *Supervisor) Subscribe(buffer int) (<-chan fsm.Transition, func()) {
	return s.fsm.Subscribe(buffer)
}

// Session returns the ID of the live connection, or "" when there is none.
func (s *Supervisor) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// WaitConnected blocks until a channel is live. It fails with
// ErrNotConnected if the supervisor stops first.
func (s *Supervisor) WaitConnected(ctx context.Context) error {
	st, err := s.fsm.WaitFor(ctx, fsm.State(consts.StateConnected), fsm.State(consts.StateStopped))
	if err != nil {
		return err
	}
	if st == fsm.State(consts.StateStopped) {
		return pkgerrors.ErrNotConnected
	}
	return nil
}

// Send writes env as one frame. Frames are written whole and one at a time.
func (s *Supervisor) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	data, err := frame.Encode(payload)
	if err != nil {
		return pkgerrors.New(pkgerrors.ErrCodeFraming, "supervisor.Send", "encoding frame", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return pkgerrors.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		s.log.Warn("Write to peer failed", "type", env.Type, "request_id", env.RequestID, "err", err)
		return pkgerrors.New(pkgerrors.ErrCodeConnectionLost, "supervisor.Send", "write to peer failed", err)
	}
	return nil
}

// Run keeps a channel to the peer open until ctx is cancelled or the dialer
// is exhausted. Both end with a nil error.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.fire(consts.EventStop)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			monitor.ReconnectsTotal.Inc()
		}

		s.fire(consts.EventDial)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			s.fire(consts.EventDialFail)
			if errors.Is(err, transport.ErrExhausted) {
				s.log.Info("Peer channel exhausted, stopping")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("Dial failed", "err", err, "retry_in", s.delay)
			if !sleep(ctx, s.delay) {
				return nil
			}
			continue
		}

		session := uuid.NewString()
		log := s.log.With("session", session)
		s.mu.Lock()
		s.conn, s.session = conn, session
		s.mu.Unlock()
		s.fire(consts.EventConnected)
		log.Info("Connected to peer")

		err = s.serve(ctx, conn, log)

		s.mu.Lock()
		s.conn, s.session = nil, ""
		s.mu.Unlock()
		_ = conn.Close()
		select {
		case s.responses <- nil:
		case <-ctx.Done():
		}
		s.fire(consts.EventLost)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn("Disconnected from peer", "err", err)
		} else {
			log.Info("Peer closed the channel")
		}
		if !sleep(ctx, s.delay) {
			return nil
		}
	}
}

// serve runs the read loop for one connection. It returns nil on EOF.
func (s *Supervisor) serve(ctx context.Context, conn io.ReadWriteCloser, log logger.Logger) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	dec := frame.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drain(ctx, dec, log)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Supervisor) drain(ctx context.Context, dec *frame.Decoder, log logger.Logger) {
	for {
		payload, err := dec.Next()
		if errors.Is(err, frame.ErrNeedMoreData) {
			return
		}
		if err != nil {
			monitor.FramingErrorsTotal.Inc()
			log.Warn("Dropping malformed frame", "err", err)
			continue
		}
		env, err := protocol.Unmarshal(payload)
		if err != nil {
			monitor.FramingErrorsTotal.Inc()
			log.Warn("Dropping undecodable envelope", "err", err)
			continue
		}
		out := s.requests
		if env.Type.IsResponse() {
			out = s.responses
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) fire(event fsm.Event) {
	if !s.fsm.Can(event) {
		return
	}
	if err := s.fsm.Fire(event); err != nil {
		s.log.Error("State transition failed", "event", event, "err", err)
		return
	}
	monitor.SetConnectionState(s.State())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Personal.AI order the ending
