package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
)

func TestHTTPRequest_WireShape(t *testing.T) {
	env := NewHTTPRequest(1, "POST", "/switch-tab",
		Values{"a": {"1"}, "b": {"x", "y"}},
		Values{"content-type": {"application/json"}},
		`{"tabId":42}`)

	b, err := Marshal(env)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "httpRequest", m["type"])
	assert.Equal(t, float64(1), m["requestId"])
	assert.Equal(t, "POST", m["method"])
	assert.Equal(t, "/switch-tab", m["path"])
	assert.Equal(t, `{"tabId":42}`, m["body"])
	assert.Equal(t, map[string]any{"a": "1", "b": []any{"x", "y"}}, m["query"])
	assert.Equal(t, map[string]any{"content-type": "application/json"}, m["headers"])
}

func TestHTTPRequest_EmptyFieldsStillPresent(t *testing.T) {
	b, err := Marshal(NewHTTPRequest(7, "GET", "/tabs", nil, nil, ""))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "body")
	assert.Equal(t, map[string]any{}, m["query"])
	assert.Equal(t, map[string]any{}, m["headers"])
}

func TestUnmarshal_UntypedResponseIsClassified(t *testing.T) {
	env, err := Unmarshal([]byte(`{"requestId":1,"response":{"status":200,"contentType":"text/plain","body":"Tab switched"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindHTTPResponse, env.Type)
	assert.True(t, env.Type.IsResponse())
	require.NotNil(t, env.Response)
	assert.Equal(t, 200, env.Response.Status)
	assert.Equal(t, "Tab switched", env.Response.Body)

	env, err = Unmarshal([]byte(`{"requestId":3,"error":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, KindHTTPResponse, env.Type)
	assert.Equal(t, "boom", env.Error)
}

func TestUnmarshal_TypeWinsOverShape(t *testing.T) {
	// a config response that happens to carry an error string must not be
	// mistaken for a bridging response
	env, err := Unmarshal([]byte(`{"type":"configResponse","requestId":2,"success":false,"error":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, KindConfigResponse, env.Type)
	assert.False(t, *env.Success)
}

func TestUnmarshal_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"requestId":`,
		"no shape":           `{"requestId":1}`,
		"unknown type":       `{"type":"launchMissiles","requestId":1}`,
		"response no id":     `{"type":"httpResponse","error":"x"}`,
		"config resp no ok":  `{"type":"configResponse","requestId":4}`,
		"legacy no config":   `{"type":"config"}`,
		"request no path":    `{"type":"httpRequest","requestId":1,"method":"GET"}`,
		"typed resp no body": `{"type":"httpResponse","requestId":1}`,
	}
	for name, in := range cases {
		_, err := Unmarshal([]byte(in))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, pkgerrors.ErrFraming), "%s: expected framing error, got %v", name, err)
	}
}

func TestUnmarshal_LegacyConfigWithoutID(t *testing.T) {
	env, err := Unmarshal([]byte(`{"type":"config","config":{"port":9090}}`))
	require.NoError(t, err)
	assert.Equal(t, KindLegacyConfig, env.Type)
	require.NotNil(t, env.Config.Port)
	assert.Equal(t, 9090, *env.Config.Port)
	assert.Nil(t, env.Config.APIToken)
}

func TestConfigResponse(t *testing.T) {
	ok := NewConfigResponse(5, Config{Version: 1, Port: 8090, APIToken: "s3cret"}, nil)
	b, err := Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"configResponse","requestId":5,"success":true,"config":{"version":1,"port":8090,"apiToken":"s3cret"}}`, string(b))

	bad := NewConfigResponse(6, Config{}, pkgerrors.New(pkgerrors.ErrCodeValidation, "setConfig", "port must be a number between 1024 and 65535, got 80", nil))
	b, err = Marshal(bad)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"configResponse","requestId":6,"success":false,"error":"port must be a number between 1024 and 65535, got 80"}`, string(b))
}

func TestMarshal_RequiresType(t *testing.T) {
	_, err := Marshal(&Envelope{RequestID: 1})
	assert.ErrorIs(t, err, pkgerrors.ErrFraming)
}

func TestValues_RoundTrip(t *testing.T) {
	var v Values
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1","b":["x","y"]}`), &v))
	assert.Equal(t, "1", v.Get("a"))
	assert.Equal(t, []string{"x", "y"}, v["b"])
	assert.Equal(t, "", v.Get("missing"))

	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
}
