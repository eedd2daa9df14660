package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/tabbridge/internal/supervisor"
	"github.com/turtacn/tabbridge/internal/transport"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

func run(t *testing.T, terminal bool, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&app{v: viper.New(), isTerminal: func() bool { return terminal }})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "tabbridge", root.Name())

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "config", "settings", "version"})
}

func TestSettings_Layering(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "tabbridge.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  drain_timeout: 5s
observability:
  metrics_addr: 127.0.0.1:9400
  log_level: warn
`), 0o600))
	t.Setenv("TABBRIDGE_PEER_MODE", "exec")

	out, err := run(t, false, "settings", "--config", file, "--log-level", "debug", "--state-dir", dir)
	require.NoError(t, err)

	var got protocol.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "exec", got.Peer.Mode)
	assert.Equal(t, 5*time.Second, got.Server.DrainTimeout)
	assert.Equal(t, "127.0.0.1:9400", got.Observability.MetricsAddr)
	assert.Equal(t, "debug", got.Observability.LogLevel, "flag beats file")
	assert.Equal(t, consts.DefaultConfigCallTimeout, got.Sync.CallTimeout)
	assert.Equal(t, consts.DefaultReconnectDelay, got.Peer.ReconnectDelay)
	assert.Equal(t, dir, got.StateDir)
}

func TestSettings_MissingExplicitFile(t *testing.T) {
	_, err := run(t, false, "settings", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, consts.ConfigFileName), []byte(`{
  // set by the extension
  "port": 9091,
}`), 0o600))

	out, err := run(t, false, "config", "show", "--state-dir", dir)
	require.NoError(t, err)

	var cfg protocol.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, protocol.Config{Version: consts.ConfigVersion, Port: 9091, APIToken: ""}, cfg)
}

func TestConfigShow_Defaults(t *testing.T) {
	out, err := run(t, false, "config", "show", "--state-dir", t.TempDir())
	require.NoError(t, err)

	var cfg protocol.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, protocol.DefaultConfig(), cfg)
}

func TestConfigPath(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, false, "config", "path", "--state-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, consts.ConfigFileName)+"\n", out)
}

func TestVersion(t *testing.T) {
	out, err := run(t, false, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tabbridge "+Version)
}

func TestHostMode_TerminalPrintsHelp(t *testing.T) {
	out, err := run(t, true, "chrome-extension://abc/", "--parent-window=0")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "native-messaging")
}

func TestServe_UnknownPeerMode(t *testing.T) {
	_, err := run(t, false, "serve", "--peer", "carrier-pigeon", "--state-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeConfigInvalid, pkgerrors.CodeOf(err))
}

func TestBuildDialer(t *testing.T) {
	tests := []struct {
		name    string
		peer    protocol.PeerSettings
		want    any
		wantErr bool
	}{
		{name: "default is stdio", peer: protocol.PeerSettings{}, want: &transport.StdioDialer{}},
		{name: "stdio", peer: protocol.PeerSettings{Mode: "stdio"}, want: &transport.StdioDialer{}},
		{name: "exec", peer: protocol.PeerSettings{Mode: "exec", Command: []string{"cat"}}, want: &supervisor.ProcessDialer{}},
		{name: "exec without command", peer: protocol.PeerSettings{Mode: "exec"}, wantErr: true},
		{name: "websocket", peer: protocol.PeerSettings{Mode: "websocket", URL: "ws://127.0.0.1:1/"}, want: &transport.WebSocketDialer{}},
		{name: "websocket without url", peer: protocol.PeerSettings{Mode: "websocket"}, wantErr: true},
		{name: "unknown", peer: protocol.PeerSettings{Mode: "pipe"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := buildDialer(tt.peer, logger.Discard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, d)
		})
	}
}
