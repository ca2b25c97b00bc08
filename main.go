// Package main provides the entry point for wg-manager.
// wg-manager is a headless control plane for a WireGuard interface: it
// keeps a durable registry of peers, hands out tunnel addresses, renders
// the interface configuration, and exposes peers and live session
// metrics over a JSON REST API.
//
// Usage:
//
//	wg-manager [options]
//
// Environment:
//
//	The service requires the wg and wg-quick tools to be installed and
//	must run with enough privilege to manage the interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/yllada/wg-manager/api"
	"github.com/yllada/wg-manager/cli"
	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/config"
	"github.com/yllada/wg-manager/manager"
	"github.com/yllada/wg-manager/store"
	"github.com/yllada/wg-manager/wireguard"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = common.AppVersion
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Path to the service configuration file")

	// CLI flags
	listPeers     = flag.Bool("list", false, "List all registered peers")
	showMetrics   = flag.Bool("metrics", false, "Show live session metrics")
	initInterface = flag.Bool("init", false, "Initialize the WireGuard interface")
	initEndpoint  = flag.String("endpoint", "", "Public endpoint for --init (host:port)")
	initSubnet    = flag.String("subnet", "", "Peer subnet for --init")
	initPort      = flag.Int("port", 0, "Listen port for --init")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("wg-manager v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:      logLevel,
		EnableFile: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !checkWireGuardInstalled(cfg) {
		common.LogError("WireGuard tools are not installed on the system")
		fmt.Fprintln(os.Stderr, "Error: wg and wg-quick are required but not found in PATH.")
		os.Exit(1)
	}

	m, cleanup, err := buildManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if *listPeers || *showMetrics || *initInterface {
		runCLI(ctx, m)
		return
	}

	runService(ctx, cfg, m)
}

// loadConfig loads the service configuration, honoring the -config flag.
func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

// buildManager wires the registry, the driver, and the manager together.
// The returned cleanup closes the registry database.
func buildManager(cfg *config.Config) (*manager.Manager, func(), error) {
	dbPath, err := cfg.ResolveDatabasePath()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open registry: %w", err)
	}

	driver := wireguard.NewExecDriver(cfg.InterfaceName, cfg.DriverConfigPath(), cfg.WgBinary, cfg.WgQuickBinary)
	m := manager.New(st, driver, cfg.DriverConfigPath(), cfg.ConnectedWindow)
	return m, func() { st.Close() }, nil
}

// runService starts the HTTP API after reconciling startup state, and
// blocks until the context is cancelled.
func runService(ctx context.Context, cfg *config.Config, m *manager.Manager) {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	if err := m.Bootstrap(ctx); err != nil {
		// The registry may still be ahead of the interface; the service
		// can serve reads and retry on the next mutation.
		common.LogWarn("startup reconciliation incomplete: %v", err)
	}

	server := api.NewServer(cfg.ListenAddr, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		common.LogInfo("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			common.LogWarn("shutdown incomplete: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			common.LogError("http server failed: %v", err)
			os.Exit(1)
		}
	}
}

// runCLI handles command-line operations against the local registry.
func runCLI(ctx context.Context, m *manager.Manager) {
	cliApp := cli.New(m)

	select {
	case <-ctx.Done():
		common.LogInfo("Operation cancelled before execution")
		return
	default:
	}

	var cliErr error
	switch {
	case *initInterface:
		cliErr = cliApp.InitInterface(ctx, *initEndpoint, *initSubnet, *initPort)
	case *listPeers:
		cliErr = cliApp.ListPeers(ctx)
	case *showMetrics:
		cliErr = cliApp.Metrics(ctx)
	}

	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		os.Exit(1)
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}

// checkWireGuardInstalled verifies that the configured wg and wg-quick
// binaries are available in the system PATH.
func checkWireGuardInstalled(cfg *config.Config) bool {
	if _, err := exec.LookPath(cfg.WgBinary); err != nil {
		return false
	}
	if _, err := exec.LookPath(cfg.WgQuickBinary); err != nil {
		return false
	}
	return true
}
