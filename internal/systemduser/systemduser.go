// Package systemduser installs gitdrive as a systemd user service.
package systemduser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"

	"github.com/schaermu/gitdrive/internal/shell"
)

// UnitName is the name of the installed user unit.
const UnitName = "gitdrive.service"

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// EnableNow enables unit and starts it
	EnableNow(ctx context.Context, unit string) error
	// DisableNow stops unit and disables it
	DisableNow(ctx context.Context, unit string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by running systemctl --user through a shell.
type Client struct {
	sh shell.Runner
}

// NewClient creates a new systemd client
func NewClient(sh shell.Runner) *Client {
	return &Client{sh: sh}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	if _, err := c.sh.Run(ctx, "systemctl --user daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w", err)
	}
	return nil
}

// EnableNow enables and starts unit
func (c *Client) EnableNow(ctx context.Context, unit string) error {
	if _, err := c.sh.Run(ctx, "systemctl --user enable --now "+shell.Quote(unit)); err != nil {
		return fmt.Errorf("systemctl enable failed: %w", err)
	}
	return nil
}

// DisableNow stops and disables unit
func (c *Client) DisableNow(ctx context.Context, unit string) error {
	if _, err := c.sh.Run(ctx, "systemctl --user disable --now "+shell.Quote(unit)); err != nil {
		return fmt.Errorf("systemctl disable failed: %w", err)
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	_, err := c.sh.Run(ctx, "systemctl --user status")
	if err == nil {
		return true, nil
	}
	// systemctl status exits 1-3 on degraded systems, which still work.
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode <= 3 {
		return true, nil
	}
	return false, fmt.Errorf("systemctl --user not available: %w", err)
}

// UnitDir returns $XDG_CONFIG_HOME/systemd/user
func UnitDir() string {
	return filepath.Join(xdg.ConfigHome, "systemd", "user")
}

// Unit describes the service to install.
type Unit struct {
	Binary     string // absolute path of the gitdrive executable
	ConfigPath string // configuration file passed to watch
}

// Render returns the unit file content.
func (u Unit) Render() string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=gitdrive replica synchronization\n")
	b.WriteString("Wants=network-online.target\n")
	b.WriteString("After=network-online.target\n\n")
	b.WriteString("[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s watch --config %s\n", escapeArg(u.Binary), escapeArg(u.ConfigPath))
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=30s\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// escapeArg quotes a command line argument for systemd when needed.
func escapeArg(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// Installer writes, enables and removes the user unit.
type Installer struct {
	systemd Systemd
	fs      afero.Fs
	dir     string
	logger  *slog.Logger
}

// NewInstaller creates an installer placing the unit in dir.
func NewInstaller(systemd Systemd, fs afero.Fs, dir string, logger *slog.Logger) *Installer {
	return &Installer{systemd: systemd, fs: fs, dir: dir, logger: logger}
}

// Path returns where the unit file is installed.
func (i *Installer) Path() string {
	return filepath.Join(i.dir, UnitName)
}

// Install writes the unit, reloads systemd and starts the service.
func (i *Installer) Install(ctx context.Context, u Unit) error {
	if err := i.fs.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := afero.WriteFile(i.fs, i.Path(), []byte(u.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}
	i.logger.Info("wrote unit file", "path", i.Path())

	if err := i.systemd.DaemonReload(ctx); err != nil {
		return err
	}
	if err := i.systemd.EnableNow(ctx, UnitName); err != nil {
		return err
	}
	i.logger.Info("service enabled and started", "unit", UnitName)
	return nil
}

// Uninstall stops the service and removes the unit. A unit that is not
// installed is not an error.
func (i *Installer) Uninstall(ctx context.Context) error {
	exists, err := afero.Exists(i.fs, i.Path())
	if err != nil {
		return fmt.Errorf("failed to check unit file: %w", err)
	}
	if !exists {
		i.logger.Info("unit not installed", "path", i.Path())
		return nil
	}

	if err := i.systemd.DisableNow(ctx, UnitName); err != nil {
		i.logger.Warn("failed to disable service", "error", err)
	}
	if err := i.fs.Remove(i.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	i.logger.Info("removed unit file", "path", i.Path())
	return i.systemd.DaemonReload(ctx)
}
