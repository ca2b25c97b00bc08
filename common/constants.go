package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the service.
	AppName = "WireGuard Manager"
	// AppVersion is the release version reported by -version and the API.
	AppVersion = "1.2.0"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "wg-manager"
)

// File names used by the service.
const (
	ConfigFileName   = "config.yaml"
	DatabaseFileName = "wg-manager.db"
	LogFileName      = "wg-manager.log"
)

// Network defaults.
const (
	// DefaultInterfaceName is the WireGuard interface the service manages.
	DefaultInterfaceName = "wg0"
	// DefaultListenPort is the WireGuard UDP listen port.
	DefaultListenPort = 51820
	// DefaultSubnet is the peer address pool when none is configured.
	DefaultSubnet = "10.8.0.0/24"
	// DefaultMTU is the interface MTU handed to wg-quick.
	DefaultMTU = 1420
	// DefaultKeepalive is the persistent keepalive applied to new peers
	// when the request does not specify one, in seconds.
	DefaultKeepalive = 25
)

// Timeouts and policy windows.
const (
	// DriverTimeout bounds a single wg/wg-quick invocation. A reload that
	// does not complete within this window is reported as a failed mutation.
	DriverTimeout = 10 * time.Second
	// ConnectedWindow is how recent a handshake must be for a peer to be
	// considered connected. Overridable via configuration.
	ConnectedWindow = 3 * time.Minute
	// ShutdownTimeout is the grace period for draining HTTP connections.
	ShutdownTimeout = 5 * time.Second
)
