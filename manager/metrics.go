package manager

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/wireguard"
)

// PeerMetrics is the per-peer view of registry data joined with the
// live session counters the driver reports.
type PeerMetrics struct {
	// PeerID is zero for sessions the driver reports but the registry
	// does not know about.
	PeerID    int64  `json:"peer_id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	// Endpoint is the peer's last seen source address, empty if the peer
	// has never connected.
	Endpoint string `json:"endpoint,omitempty"`
	// LastHandshake is nil when the peer has never completed a handshake.
	LastHandshake *time.Time `json:"last_handshake,omitempty"`
	BytesReceived uint64     `json:"bytes_received"`
	BytesSent     uint64     `json:"bytes_sent"`
	ReceivedMiB   float64    `json:"received_mib"`
	SentMiB       float64    `json:"sent_mib"`
	Connected     bool       `json:"connected"`
}

// MetricsReport aggregates session metrics across all registered peers.
// The aggregate counts cover registered peers only; sessions unknown to
// the registry are listed at the end of Peers but not counted.
type MetricsReport struct {
	TotalPeers     int           `json:"total_peers"`
	EnabledPeers   int           `json:"enabled_peers"`
	ConnectedPeers int           `json:"connected_peers"`
	Peers          []PeerMetrics `json:"peers"`
}

// Metrics joins the registry with the driver's session dump. Every
// registered peer appears in the result; peers absent from the dump
// (never connected, or currently disabled) carry zero counters.
// Sessions the driver reports for public keys the registry does not
// hold are appended with a synthesized name and a zero id.
func (m *Manager) Metrics(ctx context.Context) (*MetricsReport, error) {
	peers, err := m.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	dump, err := m.driver.Dump(ctx)
	if err != nil {
		return nil, err
	}
	sessions := wireguard.ParseDump(dump)
	now := m.now()

	report := &MetricsReport{Peers: make([]PeerMetrics, 0, len(peers))}
	matched := make(map[string]bool, len(peers))
	for _, peer := range peers {
		report.TotalPeers++
		if peer.Enabled {
			report.EnabledPeers++
		}
		matched[peer.PublicKey] = true
		entry := joinPeerMetrics(peer, sessions, now, m.connectedWindow)
		if entry.Connected {
			report.ConnectedPeers++
		}
		report.Peers = append(report.Peers, entry)
	}

	foreign := make([]string, 0)
	for pub := range sessions {
		if !matched[pub] {
			foreign = append(foreign, pub)
		}
	}
	sort.Strings(foreign)
	for _, pub := range foreign {
		entry := sessionEntry(sessions[pub], now, m.connectedWindow)
		entry.Name = importedPeerName(pub)
		entry.PublicKey = pub
		report.Peers = append(report.Peers, entry)
	}

	return report, nil
}

// PeerSessionMetrics returns the metrics of a single peer.
func (m *Manager) PeerSessionMetrics(ctx context.Context, id int64) (*PeerMetrics, error) {
	peer, err := m.store.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	dump, err := m.driver.Dump(ctx)
	if err != nil {
		return nil, err
	}
	sessions := wireguard.ParseDump(dump)
	entry := joinPeerMetrics(*peer, sessions, m.now(), m.connectedWindow)
	return &entry, nil
}

func joinPeerMetrics(peer wireguard.Peer, sessions map[string]wireguard.SessionStats, now time.Time, window time.Duration) PeerMetrics {
	session, ok := sessions[peer.PublicKey]
	if !ok {
		return PeerMetrics{
			PeerID:    peer.ID,
			Name:      peer.Name,
			PublicKey: peer.PublicKey,
		}
	}
	entry := sessionEntry(session, now, window)
	entry.PeerID = peer.ID
	entry.Name = peer.Name
	entry.PublicKey = peer.PublicKey
	return entry
}

// sessionEntry fills the counter portion of a metrics entry from a dump
// row.
func sessionEntry(session wireguard.SessionStats, now time.Time, window time.Duration) PeerMetrics {
	entry := PeerMetrics{
		Endpoint:      session.Endpoint,
		BytesReceived: session.BytesReceived,
		BytesSent:     session.BytesSent,
		ReceivedMiB:   roundMiB(session.BytesReceived),
		SentMiB:       roundMiB(session.BytesSent),
		Connected:     session.ConnectedAt(now, window),
	}
	if !session.LastHandshake.IsZero() {
		handshake := session.LastHandshake
		entry.LastHandshake = &handshake
	}
	return entry
}

// roundMiB converts a byte count to mebibytes rounded to two decimals,
// matching how the counters are presented to operators.
func roundMiB(n uint64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}

// Sync re-renders the configuration from registry state and pushes it to
// the driver. It is the manual recovery path after a degraded mutation.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.syncDriver(ctx); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotInitialized
		}
		return err
	}
	return nil
}
