package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/store"
	"github.com/yllada/wg-manager/wireguard"
)

// fakeDriver records every applied configuration and serves a canned
// session dump.
type fakeDriver struct {
	mu       sync.Mutex
	applied  []string
	applyErr error
	dump     string
	dumpErr  error
}

func (d *fakeDriver) Apply(ctx context.Context, configText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applyErr != nil {
		return d.applyErr
	}
	d.applied = append(d.applied, configText)
	return nil
}

func (d *fakeDriver) Dump(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dump, d.dumpErr
}

func (d *fakeDriver) lastApplied(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.applied) == 0 {
		t.Fatal("driver received no configuration")
	}
	return d.applied[len(d.applied)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	driver := &fakeDriver{}
	configPath := filepath.Join(t.TempDir(), "wg0.conf")
	return New(st, driver, configPath, 3*time.Minute), driver
}

func initTestInterface(t *testing.T, m *Manager, subnet string) *wireguard.InterfaceSettings {
	t.Helper()
	settings, err := m.InitializeInterface(context.Background(), InterfaceDraft{
		Subnet:   subnet,
		Endpoint: "vpn.example.com:51820",
		DNS:      []string{"1.1.1.1"},
	})
	if err != nil {
		t.Fatalf("InitializeInterface() error = %v", err)
	}
	return settings
}

func TestInitializeInterface(t *testing.T) {
	m, driver := newTestManager(t)
	settings := initTestInterface(t, m, "10.8.0.0/24")

	if settings.ListenPort != common.DefaultListenPort {
		t.Errorf("ListenPort = %d, want %d", settings.ListenPort, common.DefaultListenPort)
	}
	if settings.MTU != common.DefaultMTU {
		t.Errorf("MTU = %d, want %d", settings.MTU, common.DefaultMTU)
	}
	if settings.PrivateKey == "" || settings.PublicKey == "" {
		t.Error("InitializeInterface() should generate a key pair")
	}

	text := driver.lastApplied(t)
	if !strings.Contains(text, "Address = 10.8.0.1/24") {
		t.Errorf("applied config missing interface address:\n%s", text)
	}
	if strings.Contains(text, "[Peer]") {
		t.Errorf("fresh interface should carry no peers:\n%s", text)
	}
}

func TestInitializeInterface_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	first := initTestInterface(t, m, "10.8.0.0/24")

	again, err := m.InitializeInterface(context.Background(), InterfaceDraft{
		Endpoint: "other.example.com:51820",
	})
	if err != nil {
		t.Fatalf("second InitializeInterface() error = %v", err)
	}
	if again.PublicKey != first.PublicKey {
		t.Error("re-initialization should not rotate keys")
	}
}

func TestInitializeInterface_RejectsKeyChange(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")

	priv, _, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.InitializeInterface(context.Background(), InterfaceDraft{
		Endpoint:   "vpn.example.com:51820",
		PrivateKey: priv,
	})
	if !errors.Is(err, common.ErrAlreadyInitialized) {
		t.Errorf("error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitializeInterface_Validation(t *testing.T) {
	tests := []struct {
		name  string
		draft InterfaceDraft
	}{
		{"missing endpoint", InterfaceDraft{Subnet: "10.8.0.0/24"}},
		{"bad subnet", InterfaceDraft{Subnet: "not-a-subnet", Endpoint: "e:1"}},
		{"tiny subnet", InterfaceDraft{Subnet: "10.8.0.0/31", Endpoint: "e:1"}},
		{"bad port", InterfaceDraft{ListenPort: 70000, Subnet: "10.8.0.0/24", Endpoint: "e:1"}},
		{"bad dns", InterfaceDraft{Subnet: "10.8.0.0/24", Endpoint: "e:1", DNS: []string{"nope"}}},
		{"bad key", InterfaceDraft{Subnet: "10.8.0.0/24", Endpoint: "e:1", PrivateKey: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			if _, err := m.InitializeInterface(context.Background(), tt.draft); !errors.Is(err, common.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreatePeer_AllocatesSequentially(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	a, err := m.CreatePeer(ctx, PeerDraft{Name: "laptop"})
	if err != nil {
		t.Fatalf("CreatePeer(laptop) error = %v", err)
	}
	if got := a.Address.String(); got != "10.8.0.2" {
		t.Errorf("first peer address = %s, want 10.8.0.2", got)
	}
	if a.PrivateKey == "" || a.PublicKey == "" || a.PresharedKey == "" {
		t.Error("CreatePeer() should generate full key material")
	}
	if a.Keepalive != common.DefaultKeepalive {
		t.Errorf("Keepalive = %d, want %d", a.Keepalive, common.DefaultKeepalive)
	}

	b, err := m.CreatePeer(ctx, PeerDraft{Name: "phone"})
	if err != nil {
		t.Fatalf("CreatePeer(phone) error = %v", err)
	}
	if got := b.Address.String(); got != "10.8.0.3" {
		t.Errorf("second peer address = %s, want 10.8.0.3", got)
	}

	if err := m.DeletePeer(ctx, a.ID); err != nil {
		t.Fatalf("DeletePeer() error = %v", err)
	}

	c, err := m.CreatePeer(ctx, PeerDraft{Name: "tablet"})
	if err != nil {
		t.Fatalf("CreatePeer(tablet) error = %v", err)
	}
	if got := c.Address.String(); got != "10.8.0.2" {
		t.Errorf("freed address should be reused, got %s", got)
	}

	text := driver.lastApplied(t)
	if strings.Contains(text, a.PublicKey) {
		t.Error("deleted peer still present in applied config")
	}
	for _, pub := range []string{b.PublicKey, c.PublicKey} {
		if !strings.Contains(text, pub) {
			t.Errorf("applied config missing peer %s", pub)
		}
	}
	if strings.Contains(text, c.PrivateKey) || strings.Contains(text, b.PrivateKey) {
		t.Error("peer private keys must never appear in the driver config")
	}
}

func TestCreatePeer_ExplicitAddress(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	peer, err := m.CreatePeer(ctx, PeerDraft{Name: "pinned", Address: "10.8.0.50"})
	if err != nil {
		t.Fatalf("CreatePeer() error = %v", err)
	}
	if got := peer.Address.String(); got != "10.8.0.50" {
		t.Errorf("address = %s, want 10.8.0.50", got)
	}

	tests := []struct {
		name    string
		address string
		want    error
	}{
		{"outside subnet", "192.168.1.5", common.ErrValidation},
		{"network address", "10.8.0.0", common.ErrValidation},
		{"interface address", "10.8.0.1", common.ErrValidation},
		{"already taken", "10.8.0.50", common.ErrConflict},
		{"not an address", "10.8.0.999", common.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreatePeer(ctx, PeerDraft{Name: "dup", Address: tt.address})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreatePeer_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	neg := -1
	tests := []struct {
		name  string
		draft PeerDraft
	}{
		{"empty name", PeerDraft{}},
		{"negative keepalive", PeerDraft{Name: "x", Keepalive: &neg}},
		{"bad allowed range", PeerDraft{Name: "x", AllowedRanges: []string{"10.0.0.0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CreatePeer(ctx, tt.draft); !errors.Is(err, common.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreatePeer_NotInitialized(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreatePeer(context.Background(), PeerDraft{Name: "early"})
	if !errors.Is(err, common.ErrNotInitialized) {
		t.Errorf("error = %v, want ErrNotInitialized", err)
	}
}

func TestCreatePeer_PoolExhausted(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/30")
	ctx := context.Background()

	// A /30 has a single allocatable host: .2 (network .0, interface .1,
	// broadcast .3).
	if _, err := m.CreatePeer(ctx, PeerDraft{Name: "only"}); err != nil {
		t.Fatalf("CreatePeer() error = %v", err)
	}
	_, err := m.CreatePeer(ctx, PeerDraft{Name: "overflow"})
	if !errors.Is(err, common.ErrPoolExhausted) {
		t.Errorf("error = %v, want ErrPoolExhausted", err)
	}
}

func TestCreatePeer_DegradedOnDriverFailure(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	driver.applyErr = fmt.Errorf("%w: device gone", common.ErrDriverFailure)
	peer, err := m.CreatePeer(ctx, PeerDraft{Name: "laptop"})
	if !errors.Is(err, common.ErrDriverFailure) {
		t.Fatalf("error = %v, want ErrDriverFailure", err)
	}
	if peer == nil {
		t.Fatal("degraded create should still return the persisted peer")
	}

	// The peer survived the failed reload and is picked up by the next
	// successful sync.
	driver.applyErr = nil
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !strings.Contains(driver.lastApplied(t), peer.PublicKey) {
		t.Error("persisted peer missing from config after recovery sync")
	}
}

func TestCreatePeer_Concurrent(t *testing.T) {
	m, _ := newTestManager(t)
	// A /29 allocates .2 through .6, exactly one per worker.
	initTestInterface(t, m, "10.8.0.0/29")
	ctx := context.Background()

	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	peers := make([]*wireguard.Peer, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peers[i], errs[i] = m.CreatePeer(ctx, PeerDraft{Name: fmt.Sprintf("w%d", i)})
		}(i)
	}
	wg.Wait()

	seen := map[string]string{}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("CreatePeer(w%d) error = %v", i, errs[i])
		}
		addr := peers[i].Address.String()
		if prev, dup := seen[addr]; dup {
			t.Errorf("address %s assigned to both %s and %s", addr, prev, peers[i].Name)
		}
		seen[addr] = peers[i].Name
	}
}

func TestCreatePeer_ConcurrentSingleSlot(t *testing.T) {
	m, _ := newTestManager(t)
	// A /30 has exactly one allocatable host.
	initTestInterface(t, m, "10.8.0.0/30")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.CreatePeer(ctx, PeerDraft{Name: fmt.Sprintf("c%d", i)})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, common.ErrPoolExhausted) && !errors.Is(err, common.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestDeletePeer_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	if err := m.DeletePeer(context.Background(), 42); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPeerConfigText(t *testing.T) {
	m, _ := newTestManager(t)
	settings := initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	peer, err := m.CreatePeer(ctx, PeerDraft{Name: "laptop"})
	if err != nil {
		t.Fatalf("CreatePeer() error = %v", err)
	}

	text, filename, err := m.PeerConfigText(ctx, peer.ID)
	if err != nil {
		t.Fatalf("PeerConfigText() error = %v", err)
	}
	if filename != "wg-laptop.conf" {
		t.Errorf("filename = %q, want wg-laptop.conf", filename)
	}
	for _, want := range []string{
		"PrivateKey = " + peer.PrivateKey,
		"PublicKey = " + settings.PublicKey,
		"Endpoint = vpn.example.com:51820",
		"DNS = 1.1.1.1",
		"AllowedIPs = 0.0.0.0/0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("client config missing %q:\n%s", want, text)
		}
	}
}

func TestMetrics(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	active, err := m.CreatePeer(ctx, PeerDraft{Name: "active"})
	if err != nil {
		t.Fatal(err)
	}
	idle, err := m.CreatePeer(ctx, PeerDraft{Name: "idle"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	driver.dump = strings.Join([]string{
		"priv\tpub\t51820\toff",
		fmt.Sprintf("%s\t(none)\t203.0.113.9:52000\t10.8.0.2/32\t%d\t5242880\t1048576\t25",
			active.PublicKey, now.Add(-time.Minute).Unix()),
	}, "\n") + "\n"

	report, err := m.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if report.TotalPeers != 2 || report.EnabledPeers != 2 {
		t.Errorf("totals = %d/%d, want 2/2", report.TotalPeers, report.EnabledPeers)
	}
	if report.ConnectedPeers != 1 {
		t.Errorf("ConnectedPeers = %d, want 1", report.ConnectedPeers)
	}
	if len(report.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(report.Peers))
	}

	got := report.Peers[0]
	if got.PeerID != active.ID || !got.Connected {
		t.Errorf("active peer not reported connected: %+v", got)
	}
	if got.Endpoint != "203.0.113.9:52000" {
		t.Errorf("Endpoint = %q", got.Endpoint)
	}
	if got.ReceivedMiB != 5 || got.SentMiB != 1 {
		t.Errorf("MiB = %v/%v, want 5/1", got.ReceivedMiB, got.SentMiB)
	}
	if got.LastHandshake == nil {
		t.Error("active peer should carry a handshake time")
	}

	quiet := report.Peers[1]
	if quiet.PeerID != idle.ID {
		t.Fatalf("unexpected peer order: %+v", quiet)
	}
	if quiet.Connected || quiet.BytesReceived != 0 || quiet.Endpoint != "" {
		t.Errorf("never-connected peer should carry zero counters: %+v", quiet)
	}
	if quiet.LastHandshake != nil {
		t.Errorf("never-connected peer handshake = %v, want nil", quiet.LastHandshake)
	}
}

func TestMetrics_ListsUnregisteredSessions(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	ctx := context.Background()

	known, err := m.CreatePeer(ctx, PeerDraft{Name: "known"})
	if err != nil {
		t.Fatal(err)
	}
	_, foreignPub, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	driver.dump = strings.Join([]string{
		"priv\tpub\t51820\toff",
		fmt.Sprintf("%s\t(none)\t203.0.113.9:52000\t10.8.0.2/32\t%d\t1024\t2048\t25",
			known.PublicKey, now.Add(-time.Minute).Unix()),
		fmt.Sprintf("%s\t(none)\t203.0.113.77:40000\t10.8.0.200/32\t%d\t4096\t8192\t25",
			foreignPub, now.Add(-time.Minute).Unix()),
	}, "\n") + "\n"

	report, err := m.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}

	// The unknown session is listed after the registered peers but keeps
	// the aggregates registry-scoped.
	if report.TotalPeers != 1 || report.ConnectedPeers != 1 {
		t.Errorf("aggregates = %d/%d, want 1/1", report.TotalPeers, report.ConnectedPeers)
	}
	if len(report.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(report.Peers))
	}

	stray := report.Peers[1]
	if stray.PeerID != 0 {
		t.Errorf("PeerID = %d, want 0", stray.PeerID)
	}
	if want := "peer-" + foreignPub[:8]; stray.Name != want {
		t.Errorf("Name = %q, want %q", stray.Name, want)
	}
	if stray.PublicKey != foreignPub || !stray.Connected || stray.BytesReceived != 4096 {
		t.Errorf("unexpected session entry: %+v", stray)
	}
}

func TestPeerSessionMetrics_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	if _, err := m.PeerSessionMetrics(context.Background(), 99); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMetrics_DriverFailure(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	driver.dumpErr = fmt.Errorf("%w: interface down", common.ErrDriverFailure)

	if _, err := m.Metrics(context.Background()); !errors.Is(err, common.ErrDriverFailure) {
		t.Errorf("error = %v, want ErrDriverFailure", err)
	}
}

func TestBootstrap_EmptyIsNoOp(t *testing.T) {
	m, driver := newTestManager(t)
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.applied) != 0 {
		t.Error("Bootstrap() with no state should not touch the driver")
	}
}

func TestBootstrap_RegistryAuthoritative(t *testing.T) {
	m, driver := newTestManager(t)
	initTestInterface(t, m, "10.8.0.0/24")
	peer, err := m.CreatePeer(context.Background(), PeerDraft{Name: "laptop"})
	if err != nil {
		t.Fatal(err)
	}

	driver.mu.Lock()
	driver.applied = nil
	driver.mu.Unlock()

	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if !strings.Contains(driver.lastApplied(t), peer.PublicKey) {
		t.Error("startup reconcile should re-apply registry state")
	}
}

func TestBootstrap_SkipsPeersWithoutHostRoute(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	priv, _, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, widePub, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, hostPub, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	// The first peer routes only a wide range, so no tunnel address can
	// be derived for it. It must be skipped, not stored with a zero
	// address that would break every later registry scan.
	text := strings.Join([]string{
		"[Interface]",
		"Address = 10.8.0.1/24",
		"ListenPort = 51820",
		"PrivateKey = " + priv,
		"",
		"[Peer]",
		"AllowedIPs = 10.8.0.0/24",
		"PublicKey = " + widePub,
		"",
		"[Peer]",
		"AllowedIPs = 10.8.0.2/32",
		"PublicKey = " + hostPub,
		"",
	}, "\n")
	if err := os.WriteFile(m.configPath, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	peers, err := m.ListPeers(ctx)
	if err != nil {
		t.Fatalf("ListPeers() after import error = %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].PublicKey != hostPub {
		t.Errorf("imported peer key = %s, want %s", peers[0].PublicKey, hostPub)
	}

	// The registry stays fully writable after the partial import.
	created, err := m.CreatePeer(ctx, PeerDraft{Name: "fresh"})
	if err != nil {
		t.Fatalf("CreatePeer() after import error = %v", err)
	}
	if got := created.Address.String(); got != "10.8.0.3" {
		t.Errorf("address = %s, want 10.8.0.3", got)
	}
}

func TestBootstrap_ImportsExistingConfig(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	priv, pub, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, peerPub, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	text := strings.Join([]string{
		"[Interface]",
		"Address = 10.8.0.1/24",
		"ListenPort = 51820",
		"PrivateKey = " + priv,
		"",
		"[Peer]",
		"AllowedIPs = 10.8.0.2/32",
		"PublicKey = " + peerPub,
		"",
	}, "\n")
	if err := os.WriteFile(m.configPath, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	settings, err := m.GetInterface(ctx)
	if err != nil {
		t.Fatalf("GetInterface() error = %v", err)
	}
	if settings.PublicKey != pub {
		t.Errorf("imported public key = %s, want %s", settings.PublicKey, pub)
	}

	peers, err := m.ListPeers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].PublicKey != peerPub {
		t.Errorf("imported peer key = %s, want %s", peers[0].PublicKey, peerPub)
	}
	if want := "peer-" + peerPub[:8]; peers[0].Name != want {
		t.Errorf("imported peer name = %q, want %q", peers[0].Name, want)
	}
	if !strings.Contains(driver.lastApplied(t), peerPub) {
		t.Error("imported state should be synced to the driver")
	}
}
