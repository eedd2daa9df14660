package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/tabbridge/internal/configsync"
	"github.com/turtacn/tabbridge/internal/correlator"
	"github.com/turtacn/tabbridge/internal/gateway"
	"github.com/turtacn/tabbridge/internal/monitor"
	"github.com/turtacn/tabbridge/internal/resource"
	"github.com/turtacn/tabbridge/internal/supervisor"
	"github.com/turtacn/tabbridge/internal/transport"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/fsm"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

type Engine struct {
	settings protocol.Settings
	log      logger.Logger

	corr     *correlator.Correlator
	sup      *supervisor.Supervisor
	cfgSync  *configsync.Synchronizer
	gw       *gateway.Server
	sockets  *resource.SocketManager
	registry *prometheus.Registry

	ready chan struct{} // closed once the front door is serving
}

// NewEngine wires the bridge. Settings must already carry a resolved
// StateDir.
func NewEngine(settings protocol.Settings, dialer transport.Dialer, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Log
	}
	corr := correlator.New(log)
	sup := supervisor.New(dialer, supervisor.Options{
		ReconnectDelay: settings.Peer.ReconnectDelay,
		Logger:         log,
	})
	syncer := configsync.New(corr, sup, configsync.NewStore(settings.StateDir), configsync.Options{
		CallTimeout: settings.Sync.CallTimeout,
		Logger:      log,
	})
	sockets := resource.NewSocketManager(log)
	gw := gateway.New(corr, sup, syncer, gateway.Options{
		DrainTimeout: settings.Server.DrainTimeout,
		Sockets:      sockets,
		Logger:       log,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := monitor.Register(reg); err != nil {
		log.Warn("Registering metrics failed", "err", err)
	}

	return &Engine{
		settings: settings,
		log:      log.With("component", "engine"),
		corr:     corr,
		sup:      sup,
		cfgSync:  syncer,
		gw:       gw,
		sockets:  sockets,
		registry: reg,
		ready:    make(chan struct{}),
	}
}

// Run serves until ctx is cancelled or the peer channel is exhausted, both
// of which end with a nil error. Failing to bind the front door at startup
// is the only fatal error.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	events, unsubscribe := e.sup.Subscribe(8)
	g.Go(func() error {
		defer unsubscribe()
		return e.watch(gctx, g, events)
	})
	g.Go(func() error {
		err := e.sup.Run(gctx)
		// stdio peers do not come back; nothing left to bridge
		cancel()
		return err
	})
	g.Go(func() error { return e.dispatchResponses(gctx) })
	g.Go(func() error { return e.dispatchRequests(gctx) })

	if addr := e.settings.Observability.MetricsAddr; addr != "" {
		g.Go(func() error {
			h := monitor.Handler(e.registry, e.sup.State)
			if err := monitor.Serve(gctx, addr, h, e.log); err != nil {
				e.log.Error("Metrics server failed", "err", err)
			}
			return nil
		})
	}

	e.cfgSync.Bootstrap(gctx)
	if err := e.cfgSync.Attach(e.gw); err != nil {
		e.log.Error("Cannot start HTTP server", "port", e.cfgSync.Current().Port, "err", err)
		cancel()
		e.sockets.Close()
		e.corr.FailAll(pkgerrors.ErrConnectionLost)
		_ = e.wait(g)
		return err
	}
	close(e.ready)

	g.Go(func() error {
		if err := e.cfgSync.Migrate(gctx); err != nil && gctx.Err() == nil {
			e.log.Warn("Pushing config to peer failed", "err", err)
		}
		return nil
	})

	<-gctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if err := e.gw.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("HTTP server shutdown incomplete", "err", err)
	}
	e.sockets.Close()
	e.corr.FailAll(pkgerrors.ErrConnectionLost)

	if err := e.wait(g); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.log.Info("Engine stopped")
	return nil
}

// wait gives the group shutdownGrace to finish. A peer read that cannot be
// interrupted must not keep the process alive.
func (e *Engine) wait(g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGrace):
		e.log.Warn("Workers still running after shutdown, leaving them behind", "grace", shutdownGrace)
		return nil
	}
}

// watch re-pushes the config after a reconnect.
func (e *Engine) watch(ctx context.Context, g *errgroup.Group, events <-chan fsm.Transition) error {
	connections := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-events:
			if tr.To == fsm.State(consts.StateConnected) {
				connections++
				if connections > 1 {
					g.Go(func() error {
						if err := e.cfgSync.Migrate(ctx); err != nil && ctx.Err() == nil {
							e.log.Warn("Re-pushing config after reconnect failed", "err", err)
						}
						return nil
					})
				}
			}
		}
	}
}

func (e *Engine) dispatchResponses(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-e.sup.Responses():
			if env == nil {
				// connection ended; its answers were all resolved above
				if n := e.corr.FailAll(pkgerrors.ErrConnectionLost); n > 0 {
					e.log.Warn("Peer connection lost with requests in flight", "failed", n)
				}
				continue
			}
			e.corr.Resolve(env.RequestID, correlator.KindOf(env.Type), env)
		}
	}
}

func (e *Engine) dispatchRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-e.sup.Requests():
			if err := e.cfgSync.HandlePeer(ctx, env); err != nil {
				e.log.Warn("Handling peer request failed", "type", env.Type, "request_id", env.RequestID, "err", err)
			}
		}
	}
}

// Ready is closed once the HTTP front door is serving.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Addr reports the front door's bound address.
func (e *Engine) Addr() string { return e.gw.Addr() }

// Config returns the current synchronized config.
func (e *Engine) Config() protocol.Config { return e.cfgSync.Current() }

// State returns the peer connection state.
func (e *Engine) State() consts.ConnectionState { return e.sup.State() }

// Personal.AI order the ending
