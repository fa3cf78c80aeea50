package doctor

import (
	"context"
	"fmt"
	"path/filepath"

	"hostmedic/internal/config"
	"hostmedic/internal/evidence"
	"hostmedic/internal/executor"
	"hostmedic/internal/ledger"
	"hostmedic/internal/logging"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/registry"
	"hostmedic/internal/reliability"
	"hostmedic/internal/tactile"
)

// LockFileName is the mutation lock inside the state directory.
const LockFileName = "mutation.lock"

// Instance is a booted Doctor plus the resources it owns.
type Instance struct {
	*Doctor
	watcher *registry.Watcher
}

// Boot wires a Doctor against the live host as described by cfg.
// This is the one place components are constructed, so the CLI and tests
// see identical wiring.
func Boot(ctx context.Context, cfg *config.Config) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Command layer and host state
	cmds := tactile.NewDirectExecutorWithConfig(tactile.ConfigFrom(cfg))
	host := playbook.NewHost(cmds, cfg.Execution.PackageQuery)
	planner := playbook.NewPlanner(host,
		playbook.WithEditRoots(cfg.Execution.AllowedEditRoots...),
		playbook.WithStepTimeout(cfg.GetStepTimeout()),
	)

	// 2. Specialist registry, optionally hot-reloaded
	reg, err := registry.Open(cfg.RegistryPath(), planner.Known)
	if err != nil {
		return nil, fmt.Errorf("failed to load specialists: %w", err)
	}
	inst := &Instance{}
	if cfg.Registry.Watch {
		w, err := registry.NewWatcher(reg, cfg.RegistryPath())
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Specialist hot reload disabled: %v", err)
		} else {
			inst.watcher = w
		}
	}

	// 3. Risk policy
	store, err := policy.LoadStore(cfg.PolicyPath())
	if err != nil {
		inst.stopWatcher()
		return nil, fmt.Errorf("failed to load risk policy: %w", err)
	}
	gate := policy.NewGate(store)

	// 4. Evidence probes: recorded fixture or live commands
	var probes []evidence.Probe
	if cfg.Evidence.Fixture != "" {
		set, err := evidence.LoadFixtures(cfg.Evidence.Fixture)
		if err != nil {
			inst.stopWatcher()
			return nil, err
		}
		probes = set.Probes()
		logging.Boot("Evidence from fixture %s (%d probes)", cfg.Evidence.Fixture, len(probes))
	} else {
		probes = evidence.LiveProbes(cmds)
	}
	collector := evidence.NewCollector(cfg.GetProbeTimeout(), cfg.Evidence.Retries, probes...)

	// 5. Case ledger
	led, err := ledger.Open(cfg.CasesDir(), cfg.LedgerDBPath())
	if err != nil {
		inst.stopWatcher()
		return nil, fmt.Errorf("failed to open case ledger: %w", err)
	}

	// 6. Executor with the process-wide mutation lock
	lock := executor.NewFileLock(filepath.Join(cfg.StateDir, LockFileName))
	exec := executor.New(gate, cmds, host, lock, executor.WithConfirmTimeout(cfg.GetConfirmTimeout()))

	d, err := New(Components{
		Registry:    reg,
		Collector:   collector,
		Planner:     planner,
		Gate:        gate,
		Executor:    exec,
		Reliability: reliability.NewGate(cfg.Reliability),
		Ledger:      led,
	})
	if err != nil {
		_ = led.Shutdown()
		inst.stopWatcher()
		return nil, err
	}
	inst.Doctor = d
	logging.Boot("Doctor ready: %d specialists (registry v%d), state %s",
		len(reg.Snapshot().Enabled()), reg.Snapshot().Version(), cfg.StateDir)
	return inst, nil
}

func (i *Instance) stopWatcher() {
	if i.watcher != nil {
		i.watcher.Stop()
		i.watcher = nil
	}
}

// Shutdown stops the registry watcher and closes the ledger.
func (i *Instance) Shutdown() error {
	i.stopWatcher()
	if i.Doctor == nil {
		return nil
	}
	return i.ledger.Shutdown()
}
