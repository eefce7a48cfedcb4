package stage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// EnvironmentPolicy configures stage 3.
type EnvironmentPolicy struct {
	Timeout   time.Duration
	MinChecks int
}

// DefaultEnvironmentPolicy returns the stage 3 defaults: 4 of 5 checks.
func DefaultEnvironmentPolicy() EnvironmentPolicy {
	return EnvironmentPolicy{Timeout: 5 * time.Second, MinChecks: 4}
}

// Environment check names, in evaluation order.
const (
	CheckNoTTY           = "has_tty"
	CheckNoDisplay       = "display_set"
	CheckUptime          = "uptime_seconds"
	CheckOpenConnections = "open_connections"
	CheckParentProcess   = "parent_process"
)

// EnvironmentFields lists the report fields a client must submit.
var EnvironmentFields = []string{
	CheckNoTTY, CheckNoDisplay, CheckUptime, CheckOpenConnections, CheckParentProcess,
}

// interactiveShells is the fixed set of parents that indicate a human at a prompt.
var interactiveShells = map[string]struct{}{
	"bash": {}, "zsh": {}, "sh": {}, "fish": {}, "dash": {}, "ksh": {},
	"csh": {}, "tcsh": {}, "cmd": {}, "powershell": {}, "pwsh": {},
}

// IsInteractiveShell reports whether a parent process name is a known
// interactive shell. Paths, login-shell dashes and .exe suffixes are ignored.
func IsInteractiveShell(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	n = filepath.Base(strings.ReplaceAll(n, `\`, "/"))
	n = strings.TrimPrefix(n, "-")
	n = strings.TrimSuffix(n, ".exe")
	_, ok := interactiveShells[n]
	return ok
}

// EnvCheck is the result of one environment check.
type EnvCheck struct {
	Name   string
	Passed bool
}

// EnvironmentChecks runs the five independent checks against a report.
func EnvironmentChecks(r domain.EnvironmentReport) []EnvCheck {
	parent := strings.TrimSpace(r.ParentProcess)
	return []EnvCheck{
		{CheckNoTTY, r.HasTTY != nil && !*r.HasTTY},
		{CheckNoDisplay, r.DisplaySet != nil && !*r.DisplaySet},
		{CheckUptime, r.UptimeSeconds != nil && *r.UptimeSeconds >= 0},
		{CheckOpenConnections, r.OpenConnections != nil && *r.OpenConnections >= 0},
		{CheckParentProcess, parent != "" && !IsInteractiveShell(parent)},
	}
}

// EvaluateEnvironment decides stage 3.
func EvaluateEnvironment(p EnvironmentPolicy, r domain.EnvironmentReport) Outcome {
	checks := EnvironmentChecks(r)
	passed := 0
	var failed []string
	for _, c := range checks {
		if c.Passed {
			passed++
		} else {
			failed = append(failed, c.Name)
		}
	}
	detail := map[string]any{
		"checks_passed":  passed,
		"checks_total":   len(checks),
		"parent_process": r.ParentProcess,
	}
	if len(failed) > 0 {
		detail["failed_checks"] = failed
	}
	if passed < p.MinChecks {
		return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage3Insufficient, detail)
	}
	return pass(detail)
}
