// Package desktop hands shortcut creation for installed packages to the
// host's desktop integration.
package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Shortcut describes an installed package to expose on the desktop.
type Shortcut struct {
	InstallPath string
	Title       string
}

// Integrator creates desktop shortcuts.
type Integrator interface {
	// CreateShortcut exposes the package installed at s.InstallPath.
	CreateShortcut(ctx context.Context, s Shortcut) error
}

// HookClient implements Integrator by running a configured external
// command. The placeholders {install_path} and {title} are substituted in
// every argument.
type HookClient struct {
	command []string
	logger  *slog.Logger
}

// NewHookClient creates a HookClient. An empty command makes
// CreateShortcut a logged no-op.
func NewHookClient(command []string, logger *slog.Logger) *HookClient {
	return &HookClient{command: command, logger: logger}
}

// CreateShortcut runs the hook command.
func (c *HookClient) CreateShortcut(ctx context.Context, s Shortcut) error {
	if len(c.command) == 0 {
		c.logger.Warn("desktop shortcut requested but no shortcut command configured, skipping",
			"install_path", s.InstallPath)
		return nil
	}

	args := Expand(c.command, s)
	c.logger.Info("creating desktop shortcut", "command", args[0], "install_path", s.InstallPath)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shortcut command %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsAvailable reports whether the hook command can be found.
func (c *HookClient) IsAvailable() bool {
	if len(c.command) == 0 {
		return false
	}
	_, err := exec.LookPath(c.command[0])
	return err == nil
}

// Expand substitutes the shortcut placeholders in argv.
func Expand(argv []string, s Shortcut) []string {
	r := strings.NewReplacer("{install_path}", s.InstallPath, "{title}", s.Title)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
