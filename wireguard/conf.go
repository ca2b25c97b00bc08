package wireguard

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/yllada/wg-manager/common"
)

// RenderConfig renders the interface settings and peer set into the
// driver's configuration file grammar.
//
// Peer private keys are never emitted: the file carries the private half
// only for the local interface and the public half for every peer.
// Fields within a block are emitted in lexicographic order so repeated
// renders of unchanged state are byte-identical. Disabled peers are
// excluded from the output but keep their registry row and address.
func RenderConfig(settings InterfaceSettings, peers []Peer) (string, error) {
	if settings.PrivateKey == "" {
		return "", fmt.Errorf("%w: interface private key is empty", common.ErrConfigRender)
	}
	if !settings.Subnet.IsValid() {
		return "", fmt.Errorf("%w: interface subnet is invalid", common.ErrConfigRender)
	}
	if settings.ListenPort < 1 || settings.ListenPort > 65535 {
		return "", fmt.Errorf("%w: listen port %d out of range", common.ErrConfigRender, settings.ListenPort)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", settings.Address(), settings.Subnet.Bits())
	fmt.Fprintf(&b, "ListenPort = %d\n", settings.ListenPort)
	if settings.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", settings.MTU)
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", settings.PrivateKey)

	for _, peer := range peers {
		if !peer.Enabled {
			continue
		}
		if peer.PublicKey == "" {
			return "", fmt.Errorf("%w: peer %q has no public key", common.ErrConfigRender, peer.Name)
		}

		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(serverAllowedIPs(peer), ", "))
		if peer.Keepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.Keepalive)
		}
		if peer.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
		}
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
	}

	return b.String(), nil
}

// serverAllowedIPs returns the ranges routed to the peer on the server
// side: the configured ranges, or just the peer's own /32.
func serverAllowedIPs(peer Peer) []string {
	if len(peer.AllowedRanges) > 0 {
		return peer.AllowedRanges
	}
	return []string{peer.Address.String() + "/32"}
}

// RenderClientConfig renders the configuration a peer imports into its
// own WireGuard client, including the peer's private key. This is the
// only rendering path that re-emits a peer private key.
func RenderClientConfig(peer Peer, settings InterfaceSettings) (string, error) {
	if peer.PrivateKey == "" {
		return "", fmt.Errorf("%w: peer %q has no stored private key", common.ErrConfigRender, peer.Name)
	}
	if settings.PublicKey == "" {
		return "", fmt.Errorf("%w: interface public key is empty", common.ErrConfigRender)
	}

	allowed := peer.AllowedRanges
	if len(allowed) == 0 {
		// Route everything through the tunnel by default.
		allowed = []string{"0.0.0.0/0"}
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/32\n", peer.Address)
	if len(settings.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(settings.DNS, ", "))
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)

	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	if settings.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", settings.Endpoint)
	}
	if peer.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.Keepalive)
	}
	if peer.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
	}
	fmt.Fprintf(&b, "PublicKey = %s\n", settings.PublicKey)

	return b.String(), nil
}

// ParseConfig parses a driver configuration file produced by RenderConfig
// back into structured form. It tolerates blank lines and comment lines.
//
// Parsing is used only to bootstrap from a pre-existing file when the
// registry is empty; on any conflict the registry is authoritative and
// the file is re-rendered, never the reverse. Unknown fields and missing
// required fields are errors: the codec never guesses a value.
func ParseConfig(text string) (InterfaceSettings, []Peer, error) {
	var (
		settings     InterfaceSettings
		peers        []Peer
		current      *Peer
		inInterface  bool
		sawInterface bool
	)

	finishPeer := func() error {
		if current == nil {
			return nil
		}
		if current.PublicKey == "" {
			return fmt.Errorf("%w: peer block missing PublicKey", common.ErrConfigParse)
		}
		if len(current.AllowedRanges) == 0 {
			return fmt.Errorf("%w: peer block missing AllowedIPs", common.ErrConfigParse)
		}
		peers = append(peers, *current)
		current = nil
		return nil
	}

	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		switch strings.ToLower(line) {
		case "[interface]":
			if err := finishPeer(); err != nil {
				return InterfaceSettings{}, nil, err
			}
			inInterface = true
			sawInterface = true
			continue
		case "[peer]":
			if err := finishPeer(); err != nil {
				return InterfaceSettings{}, nil, err
			}
			inInterface = false
			current = &Peer{Enabled: true}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return InterfaceSettings{}, nil, fmt.Errorf("%w: line %d is not a field", common.ErrConfigParse, lineNo+1)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch {
		case inInterface:
			err = parseInterfaceField(&settings, key, value)
		case current != nil:
			err = parsePeerField(current, key, value)
		default:
			err = fmt.Errorf("%w: field %q outside any block", common.ErrConfigParse, key)
		}
		if err != nil {
			return InterfaceSettings{}, nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
	}

	if err := finishPeer(); err != nil {
		return InterfaceSettings{}, nil, err
	}
	if !sawInterface {
		return InterfaceSettings{}, nil, fmt.Errorf("%w: missing [Interface] block", common.ErrConfigParse)
	}
	if settings.PrivateKey == "" {
		return InterfaceSettings{}, nil, fmt.Errorf("%w: interface block missing PrivateKey", common.ErrConfigParse)
	}
	if !settings.Subnet.IsValid() {
		return InterfaceSettings{}, nil, fmt.Errorf("%w: interface block missing Address", common.ErrConfigParse)
	}

	publicKey, err := DerivePublicKey(settings.PrivateKey)
	if err != nil {
		return InterfaceSettings{}, nil, fmt.Errorf("%w: %v", common.ErrConfigParse, err)
	}
	settings.PublicKey = publicKey

	return settings, peers, nil
}

func parseInterfaceField(settings *InterfaceSettings, key, value string) error {
	switch key {
	case "Address":
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return fmt.Errorf("%w: bad Address %q", common.ErrConfigParse, value)
		}
		settings.Subnet = prefix.Masked()
	case "ListenPort":
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: bad ListenPort %q", common.ErrConfigParse, value)
		}
		settings.ListenPort = port
	case "MTU":
		mtu, err := strconv.Atoi(value)
		if err != nil || mtu <= 0 {
			return fmt.Errorf("%w: bad MTU %q", common.ErrConfigParse, value)
		}
		settings.MTU = mtu
	case "PrivateKey":
		if err := ValidateKey(value); err != nil {
			return fmt.Errorf("%w: bad PrivateKey", common.ErrConfigParse)
		}
		settings.PrivateKey = value
	default:
		return fmt.Errorf("%w: unknown interface field %q", common.ErrConfigParse, key)
	}
	return nil
}

func parsePeerField(peer *Peer, key, value string) error {
	switch key {
	case "AllowedIPs":
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return fmt.Errorf("%w: bad AllowedIPs entry %q", common.ErrConfigParse, entry)
			}
			peer.AllowedRanges = append(peer.AllowedRanges, entry)
			// A host route names the peer's assigned address.
			if !peer.Address.IsValid() && prefix.IsSingleIP() {
				peer.Address = prefix.Addr()
			}
		}
	case "PersistentKeepalive":
		keepalive, err := strconv.Atoi(value)
		if err != nil || keepalive < 0 {
			return fmt.Errorf("%w: bad PersistentKeepalive %q", common.ErrConfigParse, value)
		}
		peer.Keepalive = keepalive
	case "PresharedKey":
		if err := ValidateKey(value); err != nil {
			return fmt.Errorf("%w: bad PresharedKey", common.ErrConfigParse)
		}
		peer.PresharedKey = value
	case "PublicKey":
		if err := ValidateKey(value); err != nil {
			return fmt.Errorf("%w: bad PublicKey", common.ErrConfigParse)
		}
		peer.PublicKey = value
	default:
		return fmt.Errorf("%w: unknown peer field %q", common.ErrConfigParse, key)
	}
	return nil
}
