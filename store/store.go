// Package store implements the persistent peer registry backed by SQLite.
// It is the source of truth for peer identities, addresses, and keys; the
// rendered driver configuration is always a projection of this store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/wireguard"
)

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL,
	public_key     TEXT NOT NULL UNIQUE,
	private_key    TEXT NOT NULL,
	preshared_key  TEXT NOT NULL DEFAULT '',
	address        TEXT NOT NULL UNIQUE,
	allowed_ranges TEXT NOT NULL DEFAULT '',
	keepalive      INTEGER NOT NULL DEFAULT 0,
	enabled        INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS interface (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	private_key TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	listen_port INTEGER NOT NULL,
	subnet      TEXT NOT NULL,
	mtu         INTEGER NOT NULL DEFAULT 0,
	endpoint    TEXT NOT NULL DEFAULT '',
	dns         TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed registry of peers and interface settings.
// Uniqueness of peer public keys and addresses is enforced by the store's
// UNIQUE constraints, so a race between two concurrent creates is caught
// here even if callers fail to serialize.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes if needed) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// SQLite allows a single writer; funneling through one connection
	// avoids SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePeer inserts a new peer and fills its registry-assigned ID and
// timestamps. A collision on public key or address returns ErrConflict so
// the caller can recompute the allocation and retry. A peer without a
// valid address is rejected outright: the address column is UNIQUE and a
// sentinel string persisted there would make every later scan fail.
func (s *Store) CreatePeer(ctx context.Context, peer *wireguard.Peer) error {
	if !peer.Address.IsValid() {
		return fmt.Errorf("%w: peer %q has no valid address", common.ErrValidation, peer.Name)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (name, public_key, private_key, preshared_key,
			address, allowed_ranges, keepalive, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.Name, peer.PublicKey, peer.PrivateKey, peer.PresharedKey,
		peer.Address.String(), strings.Join(peer.AllowedRanges, ","),
		peer.Keepalive, boolToInt(peer.Enabled),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: peer address or public key already in use", common.ErrConflict)
		}
		return fmt.Errorf("failed to insert peer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted peer id: %w", err)
	}
	peer.ID = id
	peer.CreatedAt = now
	peer.UpdatedAt = now
	return nil
}

// GetPeer returns the peer with the given id, or ErrNotFound.
func (s *Store) GetPeer(ctx context.Context, id int64) (*wireguard.Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, public_key, private_key, preshared_key,
			address, allowed_ranges, keepalive, enabled, created_at, updated_at
		FROM peers WHERE id = ?`, id)

	peer, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("peer %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer %d: %w", id, err)
	}
	return peer, nil
}

// ListPeers returns all peers ordered by id, oldest first.
func (s *Store) ListPeers(ctx context.Context) ([]wireguard.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, public_key, private_key, preshared_key,
			address, allowed_ranges, keepalive, enabled, created_at, updated_at
		FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []wireguard.Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	return peers, rows.Err()
}

// DeletePeer removes the peer with the given id, freeing its address for
// the allocator's next scan. Returns ErrNotFound for an unknown id.
func (s *Store) DeletePeer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete peer %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("peer %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// TakenAddresses returns the set of addresses currently assigned to peers.
func (s *Store) TakenAddresses(ctx context.Context) (map[netip.Addr]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("failed to read taken addresses: %w", err)
	}
	defer rows.Close()

	taken := make(map[netip.Addr]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt address %q in registry: %w", raw, err)
		}
		taken[addr] = true
	}
	return taken, rows.Err()
}

// GetInterface returns the stored interface settings, or ErrNotFound if
// the interface has not been initialized.
func (s *Store) GetInterface(ctx context.Context) (*wireguard.InterfaceSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT private_key, public_key, listen_port, subnet, mtu, endpoint, dns
		FROM interface WHERE id = 1`)

	var (
		settings wireguard.InterfaceSettings
		subnet   string
		dns      string
	)
	err := row.Scan(&settings.PrivateKey, &settings.PublicKey, &settings.ListenPort,
		&subnet, &settings.MTU, &settings.Endpoint, &dns)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("interface settings: %w", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load interface settings: %w", err)
	}

	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("corrupt subnet %q in registry: %w", subnet, err)
	}
	settings.Subnet = prefix
	settings.DNS = splitList(dns)
	return &settings, nil
}

// SaveInterface stores the interface settings. The table holds a single
// row; attempting to store a second set returns ErrAlreadyInitialized.
func (s *Store) SaveInterface(ctx context.Context, settings *wireguard.InterfaceSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interface (id, private_key, public_key, listen_port, subnet, mtu, endpoint, dns)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		settings.PrivateKey, settings.PublicKey, settings.ListenPort,
		settings.Subnet.String(), settings.MTU, settings.Endpoint,
		strings.Join(settings.DNS, ","),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrAlreadyInitialized
		}
		return fmt.Errorf("failed to store interface settings: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanPeer.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row scanner) (*wireguard.Peer, error) {
	var (
		peer      wireguard.Peer
		address   string
		ranges    string
		enabled   int
		createdAt string
		updatedAt string
	)
	err := row.Scan(&peer.ID, &peer.Name, &peer.PublicKey, &peer.PrivateKey,
		&peer.PresharedKey, &address, &ranges, &peer.Keepalive, &enabled,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("corrupt address %q: %w", address, err)
	}
	peer.Address = addr
	peer.AllowedRanges = splitList(ranges)
	peer.Enabled = enabled != 0
	if peer.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at %q: %w", createdAt, err)
	}
	if peer.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at %q: %w", updatedAt, err)
	}
	return &peer, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
