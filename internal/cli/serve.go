package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/tabbridge/internal/supervisor"
	"github.com/turtacn/tabbridge/internal/transport"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge against a stdio, exec or websocket peer",
		Example: "  tabbridge serve --peer exec --peer-command node,extension-shim.js\n" +
			"  tabbridge serve --peer websocket --peer-url ws://127.0.0.1:9001/bridge",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			logger.InitLogger(s.Observability.LogLevel, s.Observability.LogFormat)
			d, err := buildDialer(s.Peer, logger.Log)
			if err != nil {
				return err
			}
			logger.Log.Info("Starting bridge", "peer", s.Peer.Mode, "state_dir", s.StateDir, "version", Version)
			return runBridge(cmd.Context(), s, d)
		},
	}

	f := cmd.Flags()
	f.String("peer", string(consts.PeerStdio), "peer binding: stdio, exec or websocket")
	f.StringSlice("peer-command", nil, "command and arguments started in exec mode")
	f.String("peer-url", "", "peer URL in websocket mode")
	f.Duration("reconnect-delay", consts.DefaultReconnectDelay, "pause between reconnect attempts")
	for flag, key := range map[string]string{
		"peer":            keyPeerMode,
		"peer-command":    keyPeerCommand,
		"peer-url":        keyPeerURL,
		"reconnect-delay": keyReconnectDelay,
	} {
		_ = a.v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

// buildDialer picks the duplex channel binding for the configured mode.
func buildDialer(p protocol.PeerSettings, log logger.Logger) (transport.Dialer, error) {
	switch consts.PeerMode(p.Mode) {
	case consts.PeerStdio, "":
		return transport.NewStdioDialer(os.Stdin, os.Stdout), nil
	case consts.PeerExec:
		if len(p.Command) == 0 {
			return nil, pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "cli.buildDialer", "exec peer needs --peer-command", nil)
		}
		return &supervisor.ProcessDialer{Command: p.Command, Env: p.Env, Log: log}, nil
	case consts.PeerWebSocket:
		if p.URL == "" {
			return nil, pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "cli.buildDialer", "websocket peer needs --peer-url", nil)
		}
		return &transport.WebSocketDialer{URL: p.URL}, nil
	default:
		return nil, pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "cli.buildDialer", fmt.Sprintf("unknown peer mode %q", p.Mode), nil)
	}
}

// Personal.AI order the ending
