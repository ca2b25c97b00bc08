package wireguard

import (
	"net/netip"
	"time"
)

// Peer is one remote endpoint authorized to join the tunnel.
// Its key material and address are immutable after creation; key rotation
// requires delete and recreate.
type Peer struct {
	// ID is the registry-assigned identifier.
	ID int64 `json:"id"`
	// Name is a human-readable label for the peer.
	Name string `json:"name"`
	// PublicKey is the peer's base64-encoded Curve25519 public key.
	PublicKey string `json:"public_key"`
	// PrivateKey is the peer's private key. It is generated server-side,
	// stored so the client configuration can be re-rendered, and never
	// emitted into the driver-facing configuration file.
	PrivateKey string `json:"private_key,omitempty"`
	// PresharedKey is the optional symmetric secret for this peer.
	PresharedKey string `json:"preshared_key,omitempty"`
	// Address is the single host address assigned from the interface subnet.
	Address netip.Addr `json:"address"`
	// AllowedRanges are the address ranges the peer routes through the
	// tunnel. Empty means route everything (0.0.0.0/0) on the client side
	// and just the peer's own /32 on the server side.
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
	// Keepalive is the persistent keepalive interval in seconds, 0 = none.
	Keepalive int `json:"keepalive,omitempty"`
	// Enabled controls whether the peer is included in the rendered driver
	// configuration. Disabled peers keep their registry row and address.
	Enabled bool `json:"enabled"`
	// CreatedAt and UpdatedAt are registry timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InterfaceSettings is the local tunnel endpoint's own configuration.
// It is created once and holds the key pair plus the network parameters
// every rendered configuration derives from.
type InterfaceSettings struct {
	// PrivateKey and PublicKey are the host's own key pair.
	PrivateKey string `json:"private_key,omitempty"`
	PublicKey  string `json:"public_key"`
	// ListenPort is the WireGuard UDP port.
	ListenPort int `json:"listen_port"`
	// Subnet is the CIDR block peers are allocated from. The interface
	// itself claims the subnet's first host address.
	Subnet netip.Prefix `json:"subnet"`
	// MTU for the interface, 0 means the driver default.
	MTU int `json:"mtu,omitempty"`
	// Endpoint is the externally reachable host:port advertised to peers.
	Endpoint string `json:"endpoint,omitempty"`
	// DNS servers suggested to peers in their client configuration.
	DNS []string `json:"dns,omitempty"`
}

// Address returns the interface's own address, the subnet's first host.
func (s InterfaceSettings) Address() netip.Addr {
	return s.Subnet.Masked().Addr().Next()
}

// SessionStats holds the live per-peer counters reported by the driver.
// Counters are cumulative for the life of the driver process and reset
// when the driver restarts.
type SessionStats struct {
	// PublicKey identifies the peer this row belongs to.
	PublicKey string `json:"public_key"`
	// Endpoint is the last-seen source address, empty if never connected.
	Endpoint string `json:"endpoint,omitempty"`
	// LastHandshake is the time of the last completed handshake.
	// The zero value means the peer has never connected.
	LastHandshake time.Time `json:"last_handshake"`
	// BytesReceived and BytesSent are cumulative transfer counters.
	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
	// Keepalive is the persistent keepalive in seconds, 0 = off.
	Keepalive int `json:"keepalive,omitempty"`
	// AllowedRanges as reported by the driver.
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
	// HasPresharedKey reports whether a preshared key is set for the
	// session. The key itself is not retained.
	HasPresharedKey bool `json:"has_preshared_key,omitempty"`
}

// ConnectedAt reports whether the stats indicate a live session at the
// given instant: a handshake completed within the freshness window.
func (s SessionStats) ConnectedAt(now time.Time, window time.Duration) bool {
	if s.LastHandshake.IsZero() {
		return false
	}
	return now.Sub(s.LastHandshake) < window
}
