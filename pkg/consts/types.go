package consts

import "time"

// PeerMode selects the Duplex Channel binding used to reach the peer.
type PeerMode string

const (
	PeerStdio     PeerMode = "stdio"     // Native-messaging host: our own stdin/stdout
	PeerExec      PeerMode = "exec"      // Spawned child process stdin/stdout
	PeerWebSocket PeerMode = "websocket" // Dialed WebSocket, binary messages carry frame bytes
)

// ConnectionState is the lifecycle state of the peer connection owned by the
// Connection Supervisor.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateStopped      ConnectionState = "STOPPED" // Terminal: dialer exhausted or context cancelled
)

// Supervisor events.
const (
	EventDial      = "dial"
	EventConnected = "connected"
	EventDialFail  = "dial_failed"
	EventLost      = "lost"
	EventStop      = "stop"
)

// Synchronized config defaults and bounds.
const (
	DefaultPort     = 8090
	DefaultAPIToken = ""
	ConfigVersion   = 1
	MinPort         = 1024
	MaxPort         = 65535
	ListenHost      = "127.0.0.1"
)

// Timeouts and delays.
const (
	DefaultConfigCallTimeout = 5 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	MaxRequestBody           = 10 << 20
)

// Auth headers accepted by the HTTP front door.
const (
	HeaderAPIToken      = "X-API-Token"
	HeaderAuthorization = "Authorization"
	BearerPrefix        = "Bearer "
)

// Persisted config location.
const (
	AppDirName     = "tabbridge"
	ConfigFileName = "config.json"
	EnvPrefix      = "TABBRIDGE"
)

// Personal.AI order the ending
