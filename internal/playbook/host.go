package playbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hostmedic/internal/logging"
	"hostmedic/internal/tactile"
)

// Host reads live unit state and evaluates checks through the command layer.
type Host struct {
	exec         tactile.Executor
	packageQuery []string
}

// NewHost returns a Host. packageQuery is the argv prefix that exits zero
// when a package is installed, for example ["pacman", "-Q"].
func NewHost(exec tactile.Executor, packageQuery []string) *Host {
	return &Host{exec: exec, packageQuery: append([]string(nil), packageQuery...)}
}

func systemctl(user bool, args ...string) tactile.Command {
	argv := sysctl(user, args...)
	return tactile.Command{Binary: argv[0], Arguments: argv[1:]}
}

// UnitExists implements SystemState.
func (h *Host) UnitExists(ctx context.Context, unit string, user bool) (bool, error) {
	res, err := h.exec.Execute(ctx, systemctl(user, "show", "-p", "LoadState", "--value", unit))
	if err != nil {
		return false, err
	}
	if !res.Success || res.Killed {
		return false, fmt.Errorf("systemctl show %s: %s", unit, res.Summary())
	}
	return strings.TrimSpace(res.Stdout) == "loaded", nil
}

// UnitActive implements SystemState.
func (h *Host) UnitActive(ctx context.Context, unit string, user bool) (bool, error) {
	res, err := h.exec.Execute(ctx, systemctl(user, "is-active", "--quiet", unit))
	if err != nil {
		return false, err
	}
	if !res.Success || res.Killed {
		return false, fmt.Errorf("systemctl is-active %s: %s", unit, res.Summary())
	}
	return res.ExitCode == 0, nil
}

// PackageCheck implements PackageResolver. It reports false when no package
// query is configured.
func (h *Host) PackageCheck(name string) (Check, bool) {
	if len(h.packageQuery) == 0 || name == "" {
		return Check{}, false
	}
	args := append(append([]string(nil), h.packageQuery[1:]...), name)
	return Check{
		Description: "package " + name + " is installed",
		Command:     tactile.Command{Binary: h.packageQuery[0], Arguments: args},
	}, true
}

// Evaluate runs a check and judges its result.
func (h *Host) Evaluate(ctx context.Context, c Check) CheckResult {
	out := CheckResult{Description: c.Description, Command: c.Command.CommandString(), ExitCode: -1}
	start := time.Now()
	res, err := h.exec.Execute(ctx, c.Command)
	out.Duration = time.Since(start)

	switch {
	case err != nil:
		out.Details = err.Error()
	case !res.Success || res.Killed:
		out.Details = res.Summary()
	default:
		out.ExitCode = res.ExitCode
		out.Passed, out.Details = judge(c, res)
	}
	logging.Get(logging.CategoryPlanner).Debug("check %q -> passed=%v (%s)", c.Description, out.Passed, out.Details)
	return out
}

func judge(c Check, res *tactile.ExecutionResult) (bool, string) {
	if c.ExpectNonZero {
		if res.ExitCode == 0 {
			return false, "expected a non-zero exit, got 0"
		}
	} else if res.ExitCode != c.ExpectExit {
		return false, fmt.Sprintf("exit %d, expected %d", res.ExitCode, c.ExpectExit)
	}
	if c.ExpectOutput != "" && !strings.Contains(res.Stdout, c.ExpectOutput) {
		return false, fmt.Sprintf("output does not contain %q", c.ExpectOutput)
	}
	return true, "ok"
}
