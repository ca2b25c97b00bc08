// Package cli provides command-line access to the peer registry and
// session metrics. It talks to the manager directly, without going
// through the HTTP API, so it works whenever the service's data
// directory is readable.
package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/manager"
)

// CLI wraps the manager for terminal use.
type CLI struct {
	manager *manager.Manager
}

// New creates a new CLI instance around an existing manager.
func New(m *manager.Manager) *CLI {
	return &CLI{manager: m}
}

// ListPeers prints all registered peers as a table.
func (c *CLI) ListPeers(ctx context.Context) error {
	peers, err := c.manager.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}

	if len(peers) == 0 {
		fmt.Println("No peers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPUBLIC KEY\tENABLED")
	fmt.Fprintln(w, "--\t----\t-------\t----------\t-------")

	for _, peer := range peers {
		enabled := "No"
		if peer.Enabled {
			enabled = "Yes"
		}

		// Truncate the key for display
		shortKey := peer.PublicKey
		if len(shortKey) > 16 {
			shortKey = shortKey[:16] + "..."
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			peer.ID, peer.Name, peer.Address, shortKey, enabled)
	}

	w.Flush()
	return nil
}

// Metrics prints the live session metrics for all peers.
func (c *CLI) Metrics(ctx context.Context) error {
	report, err := c.manager.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect metrics: %w", err)
	}

	fmt.Printf("Peers: %d total, %d enabled, %d connected\n\n",
		report.TotalPeers, report.EnabledPeers, report.ConnectedPeers)

	if len(report.Peers) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENDPOINT\tLAST HANDSHAKE\tRX (MiB)\tTX (MiB)\tCONNECTED")
	fmt.Fprintln(w, "----\t--------\t--------------\t--------\t--------\t---------")

	for _, entry := range report.Peers {
		endpoint := entry.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}

		handshake := "never"
		if entry.LastHandshake != nil {
			handshake = formatAge(time.Since(*entry.LastHandshake))
		}

		connected := "No"
		if entry.Connected {
			connected = "Yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
			entry.Name, endpoint, handshake, entry.ReceivedMiB, entry.SentMiB, connected)
	}

	w.Flush()
	return nil
}

// InitInterface initializes the WireGuard interface from the terminal.
func (c *CLI) InitInterface(ctx context.Context, endpoint, subnet string, port int) error {
	settings, err := c.manager.InitializeInterface(ctx, manager.InterfaceDraft{
		Endpoint:   endpoint,
		Subnet:     subnet,
		ListenPort: port,
	})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	fmt.Printf("Interface initialized.\n")
	fmt.Printf("  Public key:  %s\n", settings.PublicKey)
	fmt.Printf("  Subnet:      %s\n", settings.Subnet)
	fmt.Printf("  Listen port: %d\n", settings.ListenPort)
	fmt.Printf("  Endpoint:    %s\n", settings.Endpoint)
	return nil
}

// formatAge formats a duration since the last handshake.
func formatAge(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm ago", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds ago", minutes, seconds)
	}
	return fmt.Sprintf("%ds ago", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Printf(`%s - WireGuard peer management service

Usage:
  wg-manager [OPTIONS]

Options:
  --version          Show version and exit
  --verbose          Enable verbose logging
  --config PATH      Path to the service configuration file
  --list             List all registered peers
  --metrics          Show live session metrics
  --init             Initialize the WireGuard interface
  --endpoint HOST    Public endpoint for --init (host:port)
  --subnet CIDR      Peer subnet for --init (default %s)
  --port N           Listen port for --init (default %d)
  --help             Show this help message

Examples:
  wg-manager --init --endpoint vpn.example.com:51820
  wg-manager --list
  wg-manager --metrics

Run without options to start the HTTP API service.
`, common.AppName, common.DefaultSubnet, common.DefaultListenPort)
}
