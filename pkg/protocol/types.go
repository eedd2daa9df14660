package protocol

import "time"

// Settings is the process-level configuration of the bridge itself. It is
// distinct from Config, which is the small document synchronized with the peer.
type Settings struct {
	Peer          PeerSettings          `yaml:"peer" mapstructure:"peer"`
	Sync          SyncSettings          `yaml:"sync" mapstructure:"sync"`
	Server        ServerSettings        `yaml:"server" mapstructure:"server"`
	Observability ObservabilitySettings `yaml:"observability" mapstructure:"observability"`
	StateDir      string                `yaml:"state_dir" mapstructure:"state_dir"` // Empty means <UserConfigDir>/tabbridge
}

type PeerSettings struct {
	Mode           string        `yaml:"mode" mapstructure:"mode"`       // stdio, exec or websocket
	Command        []string      `yaml:"command" mapstructure:"command"` // exec mode
	Env            []string      `yaml:"env" mapstructure:"env"`         // exec mode, appended to os.Environ
	URL            string        `yaml:"url" mapstructure:"url"`         // websocket mode
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
}

type SyncSettings struct {
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

type ServerSettings struct {
	DrainTimeout time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"`
}

type ObservabilitySettings struct {
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"` // Empty disables the metrics listener
	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat   string `yaml:"log_format" mapstructure:"log_format"`
}

// Personal.AI order the ending
