// Package configsync keeps the small shared config (port, API token) in step
// between the bridge, its durable store and the peer.
package configsync

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/tabbridge/internal/correlator"
	"github.com/turtacn/tabbridge/internal/monitor"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

// Peer is the channel config calls travel over.
type Peer interface {
	correlator.Sender
	WaitConnected(ctx context.Context) error
}

// Restarter moves the HTTP front door to another port.
type Restarter interface {
	Restart(ctx context.Context, port int) error
}

// FrontDoor is a Restarter that can also be started for the first time.
type FrontDoor interface {
	Restarter
	Start(port int) error
}

type Options struct {
	CallTimeout time.Duration
	Logger      logger.Logger
}

type Synchronizer struct {
	corr    *correlator.Correlator
	peer    Peer
	store   *Store
	timeout time.Duration
	log     logger.Logger

	// applyMu serializes accepted changes end to end
	applyMu   sync.Mutex
	restarter Restarter

	mu  sync.RWMutex
	cur protocol.Config
}

func New(corr *correlator.Correlator, peer Peer, store *Store, opts Options) *Synchronizer {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = consts.DefaultConfigCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	return &Synchronizer{
		corr:    corr,
		peer:    peer,
		store:   store,
		timeout: opts.CallTimeout,
		log:     opts.Logger.With("component", "configsync"),
		cur:     protocol.DefaultConfig(),
	}
}

// SetRestarter installs the front door once it exists. Port changes accepted
// before that only update the config.
func (s *Synchronizer) SetRestarter(r Restarter) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.restarter = r
}

// Attach starts fd on the current port and installs it as the restarter, both
// under the apply lock, so a change accepted between Bootstrap and Attach is
// what gets bound.
func (s *Synchronizer) Attach(fd FrontDoor) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	port := s.Current().Port
	if err := fd.Start(port); err != nil {
		return err
	}
	s.restarter = fd
	return nil
}

// Current returns a copy of the in-memory config.
func (s *Synchronizer) Current() protocol.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Synchronizer) set(c protocol.Config) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}

// Bootstrap establishes the startup config: the peer's copy if it answers in
// time, otherwise the stored one. Either way the result has every field.
func (s *Synchronizer) Bootstrap(ctx context.Context) protocol.Config {
	cfg, err := s.fetch(ctx)
	if err != nil {
		s.log.Warn("Could not get config from peer, using stored config", "err", err, "path", s.store.Path())
		monitor.ConfigSyncTotal.WithLabelValues("bootstrap", "fallback").Inc()
		cfg = s.loadStored()
	} else {
		monitor.ConfigSyncTotal.WithLabelValues("bootstrap", "ok").Inc()
		if err := s.store.Save(cfg); err != nil {
			s.log.Error("Persisting peer config failed", "err", err)
		}
	}
	s.set(cfg)
	s.log.Info("Config loaded", "port", cfg.Port, "auth", cfg.AuthEnabled())
	return cfg
}

func (s *Synchronizer) fetch(ctx context.Context) (protocol.Config, error) {
	if err := s.waitPeer(ctx); err != nil {
		return protocol.Config{}, err
	}
	env, err := s.corr.Call(ctx, s.peer, correlator.ConfigCall, s.timeout, protocol.NewGetConfig)
	if err != nil {
		return protocol.Config{}, err
	}
	if err := rejected(env); err != nil {
		return protocol.Config{}, err
	}
	cfg := protocol.DefaultConfig().Merge(env.Config)
	if err := cfg.Validate(); err != nil {
		return protocol.Config{}, err
	}
	return cfg, nil
}

func (s *Synchronizer) loadStored() protocol.Config {
	cfg := protocol.DefaultConfig()
	p, err := s.store.Load()
	if err != nil {
		s.log.Warn("Ignoring unreadable config file", "err", err)
		return cfg
	}
	cfg = cfg.Merge(p)
	if err := cfg.Validate(); err != nil {
		s.log.Warn("Stored port is invalid, using default", "err", err)
		cfg.Port = consts.DefaultPort
	}
	return cfg
}

// Migrate pushes the in-memory config to the peer. Peers that do not speak
// setConfig get the legacy fire-and-forget config message instead.
func (s *Synchronizer) Migrate(ctx context.Context) error {
	cfg := s.Current()
	err := s.waitPeer(ctx)
	if err == nil {
		var env *protocol.Envelope
		env, err = s.corr.Call(ctx, s.peer, correlator.ConfigCall, s.timeout, func(id int64) *protocol.Envelope {
			return protocol.NewSetConfig(id, cfg.Patch())
		})
		if err == nil {
			err = rejected(env)
		}
		if err == nil {
			monitor.ConfigSyncTotal.WithLabelValues("migrate", "ok").Inc()
			return nil
		}
	}

	s.log.Warn("setConfig not acknowledged, sending legacy config", "err", err)
	if err := s.peer.Send(ctx, protocol.NewLegacyConfig(cfg.Patch())); err != nil {
		monitor.ConfigSyncTotal.WithLabelValues("migrate", "error").Inc()
		return err
	}
	monitor.ConfigSyncTotal.WithLabelValues("migrate", "fallback").Inc()
	return nil
}

// HandlePeer serves a config request initiated by the peer.
func (s *Synchronizer) HandlePeer(ctx context.Context, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.KindGetConfig:
		monitor.ConfigSyncTotal.WithLabelValues("get", "ok").Inc()
		return s.peer.Send(ctx, protocol.NewConfigResponse(env.RequestID, s.Current(), nil))

	case protocol.KindSetConfig:
		cfg, err := s.Apply(ctx, env.Config)
		return s.peer.Send(ctx, protocol.NewConfigResponse(env.RequestID, cfg, err))

	case protocol.KindLegacyConfig:
		_, err := s.Apply(ctx, env.Config)
		return err
	}
	s.log.Warn("Ignoring unexpected request from peer", "type", env.Type, "request_id", env.RequestID)
	return nil
}

// Apply merges p into the current config. The change is validated, written
// to the store and, if the port moved, the front door is rebound, in that
// order. Any failure leaves the config, the file and the listener as they
// were, and the returned config is the unchanged one.
func (s *Synchronizer) Apply(ctx context.Context, p *protocol.ConfigPatch) (protocol.Config, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	old := s.Current()
	next := old.Merge(p)
	if err := next.Validate(); err != nil {
		s.log.Warn("Rejected config update", "err", err)
		monitor.ConfigSyncTotal.WithLabelValues("set", "rejected").Inc()
		return old, err
	}

	prev, existed, err := s.store.snapshot()
	if err == nil {
		err = s.store.Save(next)
	}
	if err != nil {
		s.log.Error("Persisting config failed", "err", err)
		monitor.ConfigSyncTotal.WithLabelValues("set", "error").Inc()
		return old, err
	}

	if next.Port != old.Port && s.restarter != nil {
		s.log.Info("Port changed, restarting server", "from", old.Port, "to", next.Port)
		if err := s.restarter.Restart(ctx, next.Port); err != nil {
			if rerr := s.store.restore(prev, existed); rerr != nil {
				s.log.Error("Restoring config file failed", "err", rerr)
			}
			monitor.ConfigSyncTotal.WithLabelValues("set", "error").Inc()
			return old, err
		}
	}

	s.set(next)
	if next.AuthEnabled() && !old.AuthEnabled() {
		s.log.Info("API token authentication is enabled")
	}
	monitor.ConfigSyncTotal.WithLabelValues("set", "ok").Inc()
	return next, nil
}

func (s *Synchronizer) waitPeer(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.peer.WaitConnected(wctx); err != nil {
		if ctx.Err() == nil {
			return pkgerrors.New(pkgerrors.ErrCodeNotConnected, "configsync", "peer did not connect in time", err)
		}
		return err
	}
	return nil
}

func rejected(env *protocol.Envelope) error {
	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = "peer rejected config request"
		}
		return pkgerrors.New(pkgerrors.ErrCodePeerRejected, "configsync", msg, nil)
	}
	return nil
}

// Personal.AI order the ending
