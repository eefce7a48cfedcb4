package client

import (
	"context"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// CollectEnvironment reports the environment of the current process. Fields
// that cannot be read are left nil so the server counts them as failed.
func CollectEnvironment(ctx context.Context) (domain.EnvironmentReport, error) {
	tty := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	display := os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	report := domain.EnvironmentReport{
		HasTTY:     &tty,
		DisplaySet: &display,
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		secs := float64(up)
		report.UptimeSeconds = &secs
	}

	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return report, nil
	}
	if conns, err := self.ConnectionsWithContext(ctx); err == nil {
		n := len(conns)
		report.OpenConnections = &n
	}
	if ppid, err := self.PpidWithContext(ctx); err == nil {
		if parent, err := process.NewProcessWithContext(ctx, ppid); err == nil {
			if name, err := parent.NameWithContext(ctx); err == nil {
				report.ParentProcess = strings.ToLower(name)
			}
		}
	}
	return report, nil
}
