package wireguard

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/yllada/wg-manager/common"
)

// Driver is the narrow port through which the running interface is
// controlled. Production uses ExecDriver; tests substitute a fake so the
// reconciler can be exercised without a kernel tunnel present.
type Driver interface {
	// Apply writes the rendered configuration and loads it into the
	// running interface, bringing the interface up if necessary.
	Apply(ctx context.Context, configText string) error
	// Dump returns the raw per-peer session dump of the running interface.
	Dump(ctx context.Context) (string, error)
}

// ExecDriver controls the interface by shelling out to wg and wg-quick.
type ExecDriver struct {
	// InterfaceName is the WireGuard interface to control.
	InterfaceName string
	// ConfigPath is where the rendered configuration file is written.
	ConfigPath string
	// WgBinary and WgQuickBinary name the executables to invoke.
	WgBinary      string
	WgQuickBinary string
}

// NewExecDriver returns a driver for the named interface using the given
// executables and configuration file location.
func NewExecDriver(ifaceName, configPath, wgBinary, wgQuickBinary string) *ExecDriver {
	return &ExecDriver{
		InterfaceName: ifaceName,
		ConfigPath:    configPath,
		WgBinary:      wgBinary,
		WgQuickBinary: wgQuickBinary,
	}
}

// Apply writes the configuration file and syncs it into the running
// interface without dropping live sessions. If the sync fails (typically
// because the interface is not up yet), it falls back to a full
// wg-quick down/up cycle.
func (d *ExecDriver) Apply(ctx context.Context, configText string) error {
	if err := d.writeConfigFile(configText); err != nil {
		return err
	}

	if err := d.syncConf(ctx); err != nil {
		common.LogWarn("syncconf failed, restarting interface %s: %v", d.InterfaceName, err)
		return d.restart(ctx)
	}
	return nil
}

// Dump runs `wg show <iface> dump` and returns its raw output.
func (d *ExecDriver) Dump(ctx context.Context) (string, error) {
	out, err := d.run(ctx, d.WgBinary, "show", d.InterfaceName, "dump")
	if err != nil {
		return "", err
	}
	return out, nil
}

// writeConfigFile writes the configuration atomically with permissions
// restricted to root, matching what wg-quick expects.
func (d *ExecDriver) writeConfigFile(configText string) error {
	dir := filepath.Dir(d.ConfigPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", common.ErrDriverFailure, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.ConfigPath)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(configText); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	if err := os.Rename(tmpName, d.ConfigPath); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	return nil
}

// syncConf updates the running interface in place via
// `wg syncconf <iface> <stripped config>`.
func (d *ExecDriver) syncConf(ctx context.Context) error {
	stripped, err := d.run(ctx, d.WgQuickBinary, "strip", d.ConfigPath)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", d.InterfaceName+".strip*")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(stripped); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", common.ErrDriverFailure, err)
	}
	tmp.Close()

	_, err = d.run(ctx, d.WgBinary, "syncconf", d.InterfaceName, tmp.Name())
	return err
}

// restart brings the interface down and back up from the config file.
// The down call is allowed to fail since the interface may not be up.
func (d *ExecDriver) restart(ctx context.Context) error {
	if _, err := d.run(ctx, d.WgQuickBinary, "down", d.ConfigPath); err != nil {
		common.LogDebug("wg-quick down ignored: %v", err)
	}
	_, err := d.run(ctx, d.WgQuickBinary, "up", d.ConfigPath)
	return err
}

// run executes one driver command, bounding it with the driver timeout.
// A non-zero exit is surfaced as ErrDriverFailure with stderr attached.
func (d *ExecDriver) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, common.DriverTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s %v: %v: %s",
			common.ErrDriverFailure, name, args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
