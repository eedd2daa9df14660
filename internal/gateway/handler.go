package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/turtacn/tabbridge/internal/correlator"
	"github.com/turtacn/tabbridge/internal/monitor"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

const (
	msgNotFound     = "Endpoint not found"
	msgUnauthorized = "Unauthorized: Invalid or missing API token"
)

var hopByHop = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"te":                  true,
	"trailer":             true,
	"upgrade":             true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(s.authenticate)

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Get("/windows", s.forward(nil))
	r.Get("/tabs", s.forward(nil))
	r.Post("/switch-tab", s.forward(tabIDRule))
	r.Post("/open-url", s.forward(openURLRule))
	r.Post("/close-tab", s.forward(tabIDRule))
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, msgNotFound)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		monitor.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		monitor.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.log.Debug("Request served", "method", r.Method, "path", r.URL.Path, "status", status, "duration", time.Since(start))
	})
}

// authenticate enforces the API token on every path, known or not, when one
// is configured. The token is read per request so changes apply at once.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Current()
		if cfg.AuthEnabled() {
			got := r.Header.Get(consts.HeaderAPIToken)
			if got == "" {
				got = r.Header.Get(consts.HeaderAuthorization)
			}
			want := consts.BearerPrefix + cfg.APIToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeText(w, http.StatusUnauthorized, msgUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// forward relays the request to the peer and writes back whatever comes of it.
func (s *Server) forward(rule *bodyRule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, consts.MaxRequestBody))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeText(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeText(w, http.StatusBadRequest, "Cannot read request body: "+err.Error())
			return
		}
		if rule != nil && !rule.check(body) {
			writeText(w, http.StatusBadRequest, rule.message)
			return
		}

		query := protocol.Values(r.URL.Query())
		headers := forwardHeaders(r)
		env, err := s.corr.Call(r.Context(), s.peer, correlator.HTTPCall, 0, func(id int64) *protocol.Envelope {
			return protocol.NewHTTPRequest(id, r.Method, r.URL.Path, query, headers, string(body))
		})
		s.respond(w, r, env, err)
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, env *protocol.Envelope, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			s.log.Debug("Client went away before the peer answered", "path", r.URL.Path)
			return
		}
		status := http.StatusInternalServerError
		switch pkgerrors.CodeOf(err) {
		case pkgerrors.ErrCodeNotConnected:
			status = http.StatusServiceUnavailable
		case pkgerrors.ErrCodeConnectionLost:
			status = http.StatusBadGateway
		case pkgerrors.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		}
		s.log.Warn("Request failed", "path", r.URL.Path, "status", status, "err", err)
		writeText(w, status, pkgerrors.Message(err))
		return
	}

	if env.Error != "" {
		writeText(w, http.StatusInternalServerError, "Internal Server Error: "+env.Error)
		return
	}
	res := env.Response
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	// 1xx is informational in net/http and would surface as an implicit 200
	if status < 200 || status > 999 {
		writeText(w, http.StatusBadGateway, "Bad Gateway: peer returned status "+strconv.Itoa(res.Status))
		return
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, res.Body)
}

// forwardHeaders lower-cases names and drops hop-by-hop headers, including
// any listed in Connection. Host is carried explicitly since net/http keeps
// it out of r.Header.
func forwardHeaders(r *http.Request) protocol.Values {
	drop := make(map[string]bool)
	for _, v := range r.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			drop[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	out := make(protocol.Values, len(r.Header)+1)
	for k, vv := range r.Header {
		lk := strings.ToLower(k)
		if hopByHop[lk] || drop[lk] {
			continue
		}
		out[lk] = append([]string(nil), vv...)
	}
	if r.Host != "" {
		out["host"] = []string{r.Host}
	}
	return out
}

// Personal.AI order the ending
