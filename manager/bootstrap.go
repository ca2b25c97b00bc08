package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/wireguard"
)

// Bootstrap reconciles on-disk state at startup.
//
// When the registry already holds interface settings, the configuration
// file is re-rendered from the registry and pushed to the driver: the
// registry is authoritative and any manual edits to the file are
// discarded. When the registry is empty but a configuration file exists,
// the file is imported once to seed the registry. With neither present,
// Bootstrap is a no-op and the service waits for initialization.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.store.GetInterface(ctx)
	if err == nil {
		common.LogInfo("registry present, reconciling driver state")
		if err := m.syncDriver(ctx); err != nil {
			common.LogWarn("startup reconcile failed: %v", err)
			return err
		}
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if !common.FileExists(m.configPath) {
		common.LogInfo("no interface configured yet")
		return nil
	}
	return m.importConfigLocked(ctx)
}

// importConfigLocked seeds the registry from a pre-existing
// configuration file. Imported peers have no private keys, so client
// configurations cannot be re-issued for them. Callers must hold m.mu.
func (m *Manager) importConfigLocked(ctx context.Context) error {
	raw, err := os.ReadFile(m.configPath)
	if err != nil {
		return common.WrapError(err, "reading existing configuration")
	}

	settings, peers, err := wireguard.ParseConfig(string(raw))
	if err != nil {
		return err
	}
	if err := m.store.SaveInterface(ctx, &settings); err != nil {
		return err
	}

	imported := 0
	for _, peer := range peers {
		peer := peer
		if !peer.Address.IsValid() {
			// No single-IP host route in AllowedIPs, so the peer's tunnel
			// address cannot be derived. Skip rather than persist a row the
			// registry could never scan back.
			common.LogWarn("skipping imported peer %s: no host address in AllowedIPs", peer.PublicKey)
			continue
		}
		if peer.Name == "" {
			peer.Name = importedPeerName(peer.PublicKey)
		}
		if err := m.store.CreatePeer(ctx, &peer); err != nil {
			if errors.Is(err, common.ErrConflict) {
				common.LogWarn("skipping duplicate imported peer %s: %v", peer.PublicKey, err)
				continue
			}
			return err
		}
		imported++
	}
	common.LogInfo("imported existing configuration: %d peer(s)", imported)

	return m.syncDriver(ctx)
}

// importedPeerName synthesizes a stable name from the key for peers
// imported from a file, which carries no labels.
func importedPeerName(publicKey string) string {
	short := publicKey
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("peer-%s", short)
}
