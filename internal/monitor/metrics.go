package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/tabbridge/pkg/consts"
	"github.com/turtacn/tabbridge/pkg/logger"
)

var (
	// RequestsTotal counts front door requests by route and response status.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabbridge_http_requests_total",
		Help: "HTTP requests handled by the front door",
	}, []string{"endpoint", "status"})
	// RequestDuration tracks the time from request arrival to response write.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabbridge_http_request_duration_seconds",
		Help:    "Front door request latency including the peer round trip",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabbridge_pending_requests",
		Help: "Requests waiting for a peer response",
	})
	// ConnectionState is 1 for the current peer connection state, 0 otherwise.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabbridge_peer_connection_state",
		Help: "Current peer connection state",
	}, []string{"state"})
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabbridge_peer_reconnects_total",
		Help: "Reconnect attempts after the peer connection was lost",
	})
	FramingErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabbridge_framing_errors_total",
		Help: "Inbound frames that could not be decoded",
	})
	UnmatchedResponsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabbridge_unmatched_responses_total",
		Help: "Peer responses with no pending request",
	})
	// ConfigSyncTotal counts config sub-protocol operations by outcome.
	ConfigSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabbridge_config_sync_total",
		Help: "Config synchronization operations",
	}, []string{"op", "outcome"})
	RestartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabbridge_frontdoor_restarts_total",
		Help: "Front door listener restarts, partitioned by result",
	}, []string{"result"})
)

var connectionStates = []consts.ConnectionState{
	consts.StateDisconnected,
	consts.StateConnecting,
	consts.StateConnected,
	consts.StateStopped,
}

// Collectors returns every metric owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal, RequestDuration, PendingRequests, ConnectionState,
		ReconnectsTotal, FramingErrorsTotal, UnmatchedResponsesTotal,
		ConfigSyncTotal, RestartTotal,
	}
}

// Register adds the bridge metrics to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// SetConnectionState flips the state gauge so exactly one label reads 1.
func SetConnectionState(state consts.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

// StateFunc reports the peer connection state for /healthz.
type StateFunc func() consts.ConnectionState

// Handler serves /metrics from g and /healthz from state.
func Handler(g prometheus.Gatherer, state StateFunc) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := state()
		w.Header().Set("Content-Type", "application/json")
		if s != consts.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"peer": string(s)})
	})
	return r
}

// Serve runs the metrics listener on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, log logger.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	log.Info("Metrics server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Personal.AI order the ending
