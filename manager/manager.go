package manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/store"
	"github.com/yllada/wg-manager/wireguard"
)

// Manager orchestrates registry mutations and driver reconciliation.
type Manager struct {
	mu sync.Mutex // serializes all mutating operations on the interface

	store      *store.Store
	driver     wireguard.Driver
	configPath string

	// connectedWindow is how recent a handshake must be for a peer to be
	// reported as connected.
	connectedWindow time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// PeerDraft is the caller-supplied portion of a new peer. Keys, id, and
// (unless explicitly requested) the address are filled by the manager.
type PeerDraft struct {
	// Name labels the peer. Required.
	Name string `json:"name"`
	// Address optionally pins the peer to a specific host address inside
	// the interface subnet instead of taking the next free one.
	Address string `json:"address,omitempty"`
	// AllowedRanges lists the CIDR ranges the peer routes through the
	// tunnel. Empty means route everything.
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
	// Keepalive is the persistent keepalive in seconds. Nil applies the
	// service default; an explicit 0 disables keepalive.
	Keepalive *int `json:"keepalive,omitempty"`
}

// InterfaceDraft is the caller-supplied portion of interface
// initialization. Zero values take their documented defaults.
type InterfaceDraft struct {
	// ListenPort is the WireGuard UDP port, default 51820.
	ListenPort int `json:"listen_port,omitempty"`
	// Subnet is the peer pool in CIDR form, default 10.8.0.0/24.
	Subnet string `json:"subnet,omitempty"`
	// MTU for the interface, default 1420.
	MTU int `json:"mtu,omitempty"`
	// Endpoint is the externally reachable host:port advertised to
	// peers. Required; reachability is not verified.
	Endpoint string `json:"endpoint"`
	// DNS servers suggested to peers.
	DNS []string `json:"dns,omitempty"`
	// PrivateKey optionally supplies the host key instead of generating
	// one. Supplying it for an already-initialized interface is an error.
	PrivateKey string `json:"private_key,omitempty"`
}

// New creates a Manager around the given registry and driver.
// configPath is the location of the rendered driver configuration,
// used when bootstrapping from a pre-existing file.
func New(st *store.Store, driver wireguard.Driver, configPath string, connectedWindow time.Duration) *Manager {
	if connectedWindow <= 0 {
		connectedWindow = common.ConnectedWindow
	}
	return &Manager{
		store:           st,
		driver:          driver,
		configPath:      configPath,
		connectedWindow: connectedWindow,
		now:             time.Now,
	}
}

// InitializeInterface creates the interface settings and brings the
// interface up with an empty peer set.
//
// Re-initialization is idempotent when the request carries no key
// material: the existing settings are returned unchanged. A request that
// tries to supply a key for an already-initialized interface is
// rejected, since the host key pair is immutable once issued.
func (m *Manager) InitializeInterface(ctx context.Context, draft InterfaceDraft) (*wireguard.InterfaceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetInterface(ctx)
	if err == nil {
		if draft.PrivateKey != "" {
			return nil, fmt.Errorf("%w: cannot change keys", common.ErrAlreadyInitialized)
		}
		return existing, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	settings, err := settingsFromDraft(draft)
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveInterface(ctx, settings); err != nil {
		return nil, err
	}

	common.LogInfo("interface initialized: subnet %s, port %d", settings.Subnet, settings.ListenPort)

	if err := m.syncDriver(ctx); err != nil {
		// Settings are committed; the interface comes up on the next sync.
		common.LogWarn("interface bring-up failed, registry is ahead of driver: %v", err)
		return settings, err
	}
	return settings, nil
}

// GetInterface returns the stored interface settings.
func (m *Manager) GetInterface(ctx context.Context) (*wireguard.InterfaceSettings, error) {
	settings, err := m.store.GetInterface(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotInitialized
	}
	return settings, err
}

// CreatePeer generates key material, allocates an address, persists the
// peer, and reloads the driver configuration.
//
// If the driver reload fails after the peer is persisted, the peer is
// returned together with the driver error: the registry is the durable
// source of truth and the live state lags until the next sync.
func (m *Manager) CreatePeer(ctx context.Context, draft PeerDraft) (*wireguard.Peer, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	settings, err := m.store.GetInterface(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}

	peer, err := m.createPeerLocked(ctx, draft, settings)
	if errors.Is(err, common.ErrConflict) && draft.Address == "" {
		// Another writer claimed the candidate address between our
		// snapshot and the insert. Recompute the allocation once.
		common.LogWarn("allocation conflict for peer %q, retrying once", draft.Name)
		peer, err = m.createPeerLocked(ctx, draft, settings)
	}
	if err != nil {
		return nil, err
	}

	common.LogInfo("peer %q created with address %s", peer.Name, peer.Address)

	if err := m.syncDriver(ctx); err != nil {
		common.LogWarn("driver reload failed after creating peer %q: %v", peer.Name, err)
		return peer, err
	}
	return peer, nil
}

// createPeerLocked performs one key-generate/allocate/persist attempt.
// Callers must hold m.mu.
func (m *Manager) createPeerLocked(ctx context.Context, draft PeerDraft, settings *wireguard.InterfaceSettings) (*wireguard.Peer, error) {
	privateKey, publicKey, err := wireguard.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	presharedKey, err := wireguard.GeneratePresharedKey()
	if err != nil {
		return nil, err
	}

	taken, err := m.store.TakenAddresses(ctx)
	if err != nil {
		return nil, err
	}

	var address netip.Addr
	if draft.Address != "" {
		address, err = m.validateExplicitAddress(draft.Address, settings, taken)
	} else {
		address, err = wireguard.AllocateAddress(settings.Subnet, taken)
	}
	if err != nil {
		return nil, err
	}

	keepalive := common.DefaultKeepalive
	if draft.Keepalive != nil {
		keepalive = *draft.Keepalive
	}

	peer := &wireguard.Peer{
		Name:          draft.Name,
		PrivateKey:    privateKey,
		PublicKey:     publicKey,
		PresharedKey:  presharedKey,
		Address:       address,
		AllowedRanges: draft.AllowedRanges,
		Keepalive:     keepalive,
		Enabled:       true,
	}
	if err := m.store.CreatePeer(ctx, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// validateExplicitAddress checks a caller-pinned address against the
// subnet, the reserved addresses, and the current allocation set.
func (m *Manager) validateExplicitAddress(raw string, settings *wireguard.InterfaceSettings, taken map[netip.Addr]bool) (netip.Addr, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad address %q", common.ErrValidation, raw)
	}
	if !settings.Subnet.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("%w: address %s outside subnet %s", common.ErrValidation, addr, settings.Subnet)
	}
	if addr == settings.Subnet.Masked().Addr() || addr == settings.Address() {
		return netip.Addr{}, fmt.Errorf("%w: address %s is reserved", common.ErrValidation, addr)
	}
	if taken[addr] {
		return netip.Addr{}, fmt.Errorf("%w: address %s already assigned", common.ErrConflict, addr)
	}
	return addr, nil
}

// GetPeer returns one peer by id.
func (m *Manager) GetPeer(ctx context.Context, id int64) (*wireguard.Peer, error) {
	return m.store.GetPeer(ctx, id)
}

// ListPeers returns all peers ordered by id.
func (m *Manager) ListPeers(ctx context.Context) ([]wireguard.Peer, error) {
	return m.store.ListPeers(ctx)
}

// DeletePeer removes a peer from the registry and reloads the driver
// configuration without it. The freed address is immediately eligible
// for reallocation.
func (m *Manager) DeletePeer(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, err := m.store.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeletePeer(ctx, id); err != nil {
		return err
	}

	common.LogInfo("peer %q deleted, address %s freed", peer.Name, peer.Address)

	if err := m.syncDriver(ctx); err != nil {
		common.LogWarn("driver reload failed after deleting peer %q: %v", peer.Name, err)
		return err
	}
	return nil
}

// PeerConfigText renders the client-side configuration for a peer,
// including its private key. This is the only read path that re-emits a
// peer private key. The suggested download filename is returned as well.
func (m *Manager) PeerConfigText(ctx context.Context, id int64) (text, filename string, err error) {
	peer, err := m.store.GetPeer(ctx, id)
	if err != nil {
		return "", "", err
	}
	settings, err := m.GetInterface(ctx)
	if err != nil {
		return "", "", err
	}

	text, err = wireguard.RenderClientConfig(*peer, *settings)
	if err != nil {
		return "", "", err
	}
	return text, fmt.Sprintf("wg-%s.conf", peer.Name), nil
}

// syncDriver re-renders the full configuration from registry state and
// instructs the driver to load it. Callers must hold m.mu.
func (m *Manager) syncDriver(ctx context.Context) error {
	settings, err := m.store.GetInterface(ctx)
	if err != nil {
		return err
	}
	peers, err := m.store.ListPeers(ctx)
	if err != nil {
		return err
	}

	text, err := wireguard.RenderConfig(*settings, peers)
	if err != nil {
		return err
	}
	return m.driver.Apply(ctx, text)
}

// settingsFromDraft validates an initialization request and produces the
// full interface settings, generating the key pair when not supplied.
func settingsFromDraft(draft InterfaceDraft) (*wireguard.InterfaceSettings, error) {
	port := draft.ListenPort
	if port == 0 {
		port = common.DefaultListenPort
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: listen port %d out of range", common.ErrValidation, port)
	}

	subnetRaw := draft.Subnet
	if subnetRaw == "" {
		subnetRaw = common.DefaultSubnet
	}
	subnet, err := netip.ParsePrefix(subnetRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subnet %q", common.ErrValidation, subnetRaw)
	}
	subnet = subnet.Masked()
	if subnet.Addr().Is4() && subnet.Bits() > 30 {
		return nil, fmt.Errorf("%w: subnet %s has no allocatable hosts", common.ErrValidation, subnet)
	}

	if draft.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint must not be empty", common.ErrValidation)
	}
	for _, server := range draft.DNS {
		if _, err := netip.ParseAddr(server); err != nil {
			return nil, fmt.Errorf("%w: bad DNS server %q", common.ErrValidation, server)
		}
	}

	mtu := draft.MTU
	if mtu == 0 {
		mtu = common.DefaultMTU
	}
	if mtu < 0 {
		return nil, fmt.Errorf("%w: negative MTU", common.ErrValidation)
	}

	privateKey := draft.PrivateKey
	var publicKey string
	if privateKey == "" {
		privateKey, publicKey, err = wireguard.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
	} else {
		publicKey, err = wireguard.DerivePublicKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
	}

	return &wireguard.InterfaceSettings{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		ListenPort: port,
		Subnet:     subnet,
		MTU:        mtu,
		Endpoint:   draft.Endpoint,
		DNS:        draft.DNS,
	}, nil
}

// validateDraft rejects malformed peer drafts before any mutation.
func validateDraft(draft PeerDraft) error {
	if draft.Name == "" {
		return fmt.Errorf("%w: peer name must not be empty", common.ErrValidation)
	}
	if draft.Keepalive != nil && *draft.Keepalive < 0 {
		return fmt.Errorf("%w: negative keepalive", common.ErrValidation)
	}
	for _, entry := range draft.AllowedRanges {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("%w: bad allowed range %q", common.ErrValidation, entry)
		}
	}
	return nil
}
