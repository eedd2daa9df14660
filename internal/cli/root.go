package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/turtacn/tabbridge/internal/configsync"
	"github.com/turtacn/tabbridge/internal/orchestrator"
	"github.com/turtacn/tabbridge/internal/transport"
	"github.com/turtacn/tabbridge/pkg/consts"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// settings keys, shared by flags, env and the settings file
const (
	keyPeerMode       = "peer.mode"
	keyPeerCommand    = "peer.command"
	keyPeerEnv        = "peer.env"
	keyPeerURL        = "peer.url"
	keyReconnectDelay = "peer.reconnect_delay"
	keyCallTimeout    = "sync.call_timeout"
	keyDrainTimeout   = "server.drain_timeout"
	keyMetricsAddr    = "observability.metrics_addr"
	keyLogLevel       = "observability.log_level"
	keyLogFormat      = "observability.log_format"
	keyStateDir       = "state_dir"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	// isTerminal reports whether stdin is a human rather than a browser
	isTerminal func() bool
}

// NewRootCommand builds the command tree. Invoked with no subcommand it acts
// as a native-messaging host: the browser starts it with the manifest path
// and the extension ID as arguments and talks frames over stdin/stdout.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{
		v:          viper.New(),
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tabbridge [manifest] [extension-id]",
		Short: "tabbridge: HTTP front door for a browser extension over native messaging",
		Long: "tabbridge exposes a small local HTTP API (/windows, /tabs, /switch-tab, /open-url, /close-tab)\n" +
			"and relays every request to a browser extension over the native-messaging channel.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		// browsers append flags of their own, e.g. --parent-window on Windows
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig()
		},
		RunE: a.runHost,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "settings file (default ./tabbridge.yaml or ~/.tabbridge/tabbridge.yaml)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "json", "log format: json or text")
	f.String("state-dir", "", "directory holding config.json (default <UserConfigDir>/tabbridge)")
	f.String("metrics-addr", "", "address for /metrics and /healthz, empty disables it")
	f.Duration("call-timeout", consts.DefaultConfigCallTimeout, "timeout for config calls to the peer")
	f.Duration("drain-timeout", consts.DefaultDrainTimeout, "how long a moved listener may finish in-flight requests")

	for flag, key := range map[string]string{
		"log-level":     keyLogLevel,
		"log-format":    keyLogFormat,
		"state-dir":     keyStateDir,
		"metrics-addr":  keyMetricsAddr,
		"call-timeout":  keyCallTimeout,
		"drain-timeout": keyDrainTimeout,
	} {
		_ = a.v.BindPFlag(key, f.Lookup(flag))
	}

	// peer keys other than env are bound to serve's flags
	a.v.SetDefault(keyPeerMode, string(consts.PeerStdio))
	a.v.SetDefault(keyPeerEnv, []string{})
	a.v.SetDefault(keyReconnectDelay, consts.DefaultReconnectDelay)

	root.AddCommand(a.serveCommand(), a.configCommand(), a.settingsCommand(), versionCommand())
	return root
}

func (a *app) initConfig() error {
	a.v.SetEnvPrefix(consts.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading settings file: %w", err)
		}
		return nil
	}
	a.v.SetConfigName("tabbridge")
	a.v.SetConfigType("yaml")
	a.v.AddConfigPath(".")
	if home, _ := os.UserHomeDir(); home != "" {
		a.v.AddConfigPath(filepath.Join(home, ".tabbridge"))
	}
	if err := a.v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return fmt.Errorf("reading settings file: %w", err)
		}
	}
	return nil
}

// settings resolves the effective process settings.
func (a *app) settings() (protocol.Settings, error) {
	var s protocol.Settings
	if err := a.v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decoding settings: %w", err)
	}
	if s.StateDir == "" {
		dir, err := configsync.DefaultDir()
		if err != nil {
			return s, fmt.Errorf("locating config directory: %w", err)
		}
		s.StateDir = dir
	}
	return s, nil
}

func (a *app) runHost(cmd *cobra.Command, args []string) error {
	if a.isTerminal() {
		return cmd.Help()
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	s.Peer.Mode = string(consts.PeerStdio)
	logger.InitLogger(s.Observability.LogLevel, s.Observability.LogFormat)
	logger.Log.Info("Started as native-messaging host", "args", args, "version", Version)

	return runBridge(cmd.Context(), s, transport.NewStdioDialer(os.Stdin, os.Stdout))
}

// runBridge runs the engine until a signal arrives or the peer goes away.
func runBridge(ctx context.Context, s protocol.Settings, d transport.Dialer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := orchestrator.NewEngine(s, d, logger.Log)
	if err := engine.Run(ctx); err != nil {
		logger.Log.Error("Bridge stopped with error", "err", err)
		return err
	}
	return nil
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
