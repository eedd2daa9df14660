package protocol

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
)

// Kind is the mandatory discriminant of every envelope on the peer channel.
type Kind string

const (
	KindHTTPRequest    Kind = "httpRequest"
	KindHTTPResponse   Kind = "httpResponse"
	KindGetConfig      Kind = "getConfig"
	KindSetConfig      Kind = "setConfig"
	KindConfigResponse Kind = "configResponse"
	KindLegacyConfig   Kind = "config" // Fire-and-forget, no requestId, no reply
)

// IsResponse reports whether envelopes of this kind answer a request we sent.
func (k Kind) IsResponse() bool {
	return k == KindHTTPResponse || k == KindConfigResponse
}

// Envelope is the JSON document carried inside one frame.
type Envelope struct {
	Type      Kind  `json:"type"`
	RequestID int64 `json:"requestId,omitempty"`

	// httpRequest
	Method  string `json:"method,omitempty"`
	Path    string `json:"path,omitempty"`
	Query   Values `json:"query,omitempty"`
	Headers Values `json:"headers,omitempty"`
	Body    string `json:"body,omitempty"`

	// httpResponse
	Response *HTTPResult `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`

	// config sub-protocol
	Success *bool        `json:"success,omitempty"`
	Config  *ConfigPatch `json:"config,omitempty"`
}

// HTTPResult is what the peer wants written back to the HTTP client.
type HTTPResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

// MarshalJSON always emits body on bridging requests, even when empty.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	if e.Type == KindHTTPRequest {
		return json.Marshal(struct {
			alias
			Query   Values `json:"query"`
			Headers Values `json:"headers"`
			Body    string `json:"body"`
		}{alias(e), nonNil(e.Query), nonNil(e.Headers), e.Body})
	}
	return json.Marshal(alias(e))
}

func nonNil(v Values) Values {
	if v == nil {
		return Values{}
	}
	return v
}

// Marshal encodes e as JSON. The result is the payload of one frame.
func Marshal(e *Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, pkgerrors.New(pkgerrors.ErrCodeFraming, "protocol.Marshal", "envelope has no type", nil)
	}
	return json.Marshal(e)
}

// Unmarshal decodes one frame payload. Envelopes from older peers may omit
// type; those are classified here, once, so everything downstream switches
// on Type alone.
func Unmarshal(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, pkgerrors.New(pkgerrors.ErrCodeFraming, "protocol.Unmarshal", "invalid JSON payload", err)
	}
	if e.Type == "" {
		switch {
		case e.Method != "":
			e.Type = KindHTTPRequest
		case e.Response != nil || e.Error != "":
			e.Type = KindHTTPResponse
		default:
			return nil, pkgerrors.New(pkgerrors.ErrCodeFraming, "protocol.Unmarshal", "envelope has no type and no recognizable shape", nil)
		}
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	fail := func(msg string) error {
		return pkgerrors.New(pkgerrors.ErrCodeFraming, "protocol.Unmarshal", fmt.Sprintf("%s envelope: %s", e.Type, msg), nil)
	}
	switch e.Type {
	case KindHTTPRequest:
		if e.Method == "" || e.Path == "" {
			return fail("missing method or path")
		}
	case KindHTTPResponse:
		if e.Response == nil && e.Error == "" {
			return fail("needs response or error")
		}
	case KindConfigResponse:
		if e.Success == nil {
			return fail("missing success")
		}
	case KindGetConfig, KindSetConfig:
	case KindLegacyConfig:
		if e.Config == nil {
			return fail("missing config")
		}
		return nil
	default:
		return fail("unknown type")
	}
	if e.RequestID <= 0 {
		return fail("missing requestId")
	}
	return nil
}

// NewHTTPRequest builds a bridging request.
func NewHTTPRequest(id int64, method, path string, query, headers Values, body string) *Envelope {
	return &Envelope{
		Type:      KindHTTPRequest,
		RequestID: id,
		Method:    method,
		Path:      path,
		Query:     query,
		Headers:   headers,
		Body:      body,
	}
}

func NewGetConfig(id int64) *Envelope {
	return &Envelope{Type: KindGetConfig, RequestID: id}
}

func NewSetConfig(id int64, p *ConfigPatch) *Envelope {
	return &Envelope{Type: KindSetConfig, RequestID: id, Config: p}
}

// NewConfigResponse answers a peer's config request. A non-nil err marks the
// reply unsuccessful and carries its message.
func NewConfigResponse(id int64, c Config, err error) *Envelope {
	ok := err == nil
	e := &Envelope{Type: KindConfigResponse, RequestID: id, Success: &ok}
	if ok {
		e.Config = c.Patch()
	} else {
		e.Error = pkgerrors.Message(err)
	}
	return e
}

func NewLegacyConfig(p *ConfigPatch) *Envelope {
	return &Envelope{Type: KindLegacyConfig, Config: p}
}

// Values is a multi-map that serializes single values as plain strings and
// repeated values as arrays, the shape the peer's scripts expect.
type Values map[string][]string

func (v Values) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v))
	for k, vals := range v {
		if len(vals) == 1 {
			out[k] = vals[0]
		} else {
			out[k] = vals
		}
	}
	return json.Marshal(out)
}

func (v *Values) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for k, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var ss []string
		if err := json.Unmarshal(r, &ss); err != nil {
			return fmt.Errorf("value for %q: %w", k, err)
		}
		out[k] = ss
	}
	*v = out
	return nil
}

// Get returns the first value for key.
func (v Values) Get(key string) string {
	if vals := v[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Personal.AI order the ending
