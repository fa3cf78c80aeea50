package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func exit(code int, stdout string) *tactile.ExecutionResult {
	return &tactile.ExecutionResult{Success: true, ExitCode: code, Stdout: stdout}
}

// systemd simulates unit state for systemctl invocations.
type systemd struct {
	mu        sync.Mutex
	active    map[string]bool
	fail      map[string]bool // "verb unit"
	sticky    map[string]bool // units that never come up
	noop      map[string]bool // "verb unit" that exits 0 and changes nothing
	onRestart func()
}

func newSystemd(units map[string]bool) *systemd {
	return &systemd{active: units, fail: map[string]bool{}, sticky: map[string]bool{}, noop: map[string]bool{}}
}

func (s *systemd) handle(cmd tactile.Command) (*tactile.ExecutionResult, bool) {
	if cmd.Binary != "systemctl" {
		return nil, false
	}
	args := cmd.Arguments
	if len(args) > 0 && args[0] == "--user" {
		args = args[1:]
	}
	verb, unit := args[0], args[len(args)-1]

	s.mu.Lock()
	hook := s.onRestart
	if s.fail[verb+" "+unit] {
		s.mu.Unlock()
		return exit(1, ""), true
	}
	if s.noop[verb+" "+unit] {
		s.mu.Unlock()
		return exit(0, ""), true
	}
	_, known := s.active[unit]
	var res *tactile.ExecutionResult
	switch verb {
	case "show":
		if known {
			res = exit(0, "loaded\n")
		} else {
			res = exit(0, "not-found\n")
		}
	case "is-active":
		if s.active[unit] {
			res = exit(0, "")
		} else {
			res = exit(3, "")
		}
	case "restart":
		if !known {
			res = exit(5, "")
			break
		}
		s.active[unit] = !s.sticky[unit]
		res = exit(0, "")
	case "stop":
		s.active[unit] = false
		res = exit(0, "")
	}
	s.mu.Unlock()

	if verb == "restart" && hook != nil {
		hook()
	}
	return res, res != nil
}

// files implements cp, cmp and test against the real filesystem.
func files(cmd tactile.Command) (*tactile.ExecutionResult, bool) {
	switch cmd.Binary {
	case "cmp":
		n := len(cmd.Arguments)
		a, errA := os.ReadFile(cmd.Arguments[n-2])
		b, errB := os.ReadFile(cmd.Arguments[n-1])
		if errA != nil || errB != nil {
			return exit(2, ""), true
		}
		if string(a) != string(b) {
			return exit(1, ""), true
		}
		return exit(0, ""), true
	case "cp":
		n := len(cmd.Arguments)
		data, err := os.ReadFile(cmd.Arguments[n-2])
		if err != nil {
			return exit(1, ""), true
		}
		if err := os.WriteFile(cmd.Arguments[n-1], data, 0o644); err != nil {
			return exit(1, ""), true
		}
		return exit(0, ""), true
	case "test":
		info, err := os.Stat(cmd.Arguments[1])
		if err != nil || (cmd.Arguments[0] == "-s" && info.Size() == 0) {
			return exit(1, ""), true
		}
		return exit(0, ""), true
	}
	return nil, false
}

type rig struct {
	cmds    *tactile.ScriptedExecutor
	planner *playbook.Planner
	exec    *Executor
	lock    *MemoryLock
}

func newRig(t *testing.T, sd *systemd, opts ...Option) *rig {
	t.Helper()
	cmds := tactile.NewScriptedExecutor()
	cmds.Handler = func(cmd tactile.Command) (*tactile.ExecutionResult, bool) {
		if res, ok := sd.handle(cmd); ok {
			return res, true
		}
		return files(cmd)
	}
	host := playbook.NewHost(cmds, nil)
	lock := NewMemoryLock()
	return &rig{
		cmds:    cmds,
		planner: playbook.NewPlanner(host, playbook.WithEditRoots(os.TempDir())),
		exec:    New(policy.NewGate(policy.DefaultStore()), cmds, host, lock, opts...),
		lock:    lock,
	}
}

func (r *rig) plan(t *testing.T, id string, target playbook.Target) *playbook.Plan {
	t.Helper()
	p, err := r.planner.Plan(context.Background(), id, target)
	require.NoError(t, err)
	return p
}

func (r *rig) mutations() []string {
	var out []string
	for _, line := range r.cmds.CommandLines() {
		if strings.Contains(line, " restart ") || strings.Contains(line, " stop ") || strings.HasPrefix(line, "cp ") {
			out = append(out, line)
		}
	}
	return out
}

func states(run *Run) []State {
	out := make([]State, len(run.History))
	for i, tr := range run.History {
		out[i] = tr.To
	}
	return out
}

func TestExecute_RestartWirePlumberVerifies(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false, "pipewire.service": false}))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})

	var prompted Prompt
	confirmer := ConfirmerFunc(func(_ context.Context, p Prompt) (string, error) {
		prompted = p
		return "I CONFIRM (low risk)", nil
	})
	run, err := r.exec.Execute(context.Background(), plan, confirmer)
	require.NoError(t, err)

	assert.Equal(t, StateVerifiedOK, run.State)
	assert.Equal(t, OutcomeSuccess, run.Outcome())
	assert.Equal(t, []State{StatePreflightOK, StateConfirmed, StateApplied, StateVerifiedOK}, states(run))
	assert.Equal(t, "I CONFIRM (low risk)", prompted.Phrase)
	assert.Contains(t, prompted.Preview, "restart wireplumber.service")

	require.Len(t, run.PostcheckResults, 1)
	assert.Equal(t, "WirePlumber running", run.PostcheckResults[0].Description)
	assert.True(t, run.PostcheckResults[0].Passed)
	assert.False(t, run.RollbackPerformed)
	assert.Equal(t, []string{"systemctl --user restart wireplumber.service"}, r.mutations())
	assert.Empty(t, r.lock.Holder(), "lock released at terminal state")
}

func TestExecute_ConfirmationMismatchReturnsToPlanned(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})

	run, err := r.exec.Execute(context.Background(), plan, Answer("i confirm (low risk)"))
	assert.True(t, types.IsKind(err, types.KindConfirmationMismatch))
	assert.Equal(t, StatePlanned, run.State)
	assert.Equal(t, OutcomeAborted, run.Outcome())
	assert.Empty(t, r.mutations())
	assert.Empty(t, r.lock.Holder())

	// The same run can be confirmed again.
	ctx := context.Background()
	require.NoError(t, r.exec.Preflight(ctx, run))
	decision := policy.NewGate(policy.DefaultStore()).Evaluate(plan)
	require.NoError(t, r.exec.Confirm(ctx, run, decision, Answer("I CONFIRM (low risk)")))
	assert.Equal(t, "restart_wireplumber", r.lock.Holder())
	require.NoError(t, r.exec.Apply(ctx, run))
	assert.Equal(t, StateVerifiedOK, run.State)
}

func TestExecute_ConfirmationTimeout(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}), WithConfirmTimeout(20*time.Millisecond))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})

	wait := ConfirmerFunc(func(ctx context.Context, _ Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	run, err := r.exec.Execute(context.Background(), plan, wait)
	assert.True(t, types.IsKind(err, types.KindConfirmationTimeout))
	assert.Equal(t, StatePlanned, run.State)
	assert.Empty(t, r.mutations())
}

func TestExecute_PolicyBlockedRunsNothing(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"display-manager.service": true}))
	plan := r.plan(t, "restart_display_manager", playbook.Target{})
	before := len(r.cmds.Calls())

	asked := false
	confirmer := ConfirmerFunc(func(context.Context, Prompt) (string, error) {
		asked = true
		return "I CONFIRM (high risk)", nil
	})
	run, err := r.exec.Execute(context.Background(), plan, confirmer)

	assert.True(t, types.IsKind(err, types.KindPolicyBlocked))
	assert.True(t, run.Blocked)
	assert.Equal(t, OutcomeBlocked, run.Outcome())
	assert.False(t, asked, "no prompt for a blocked plan")
	assert.Len(t, r.cmds.Calls(), before, "no command of any kind runs")
	assert.Empty(t, run.ExecutedSteps)
}

func TestExecute_LockHeldRejectsImmediately(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})
	before := len(r.cmds.Calls())
	require.True(t, r.lock.TryAcquire("flush_dns"))

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindChangeInProgress))
	assert.Contains(t, err.Error(), "a change is already in progress")
	assert.Equal(t, StatePlanned, run.State)
	assert.Len(t, r.cmds.Calls(), before)
	assert.Equal(t, "flush_dns", r.lock.Holder())
}

func TestExecute_ConcurrentMutationRejected(t *testing.T) {
	sd := newSystemd(map[string]bool{"wireplumber.service": false, "xdg-desktop-portal.service": false})
	r := newRig(t, sd)
	first := r.plan(t, "restart_wireplumber", playbook.Target{})
	second := r.plan(t, "restart_portals", playbook.Target{})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	sd.onRestart = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.exec.Execute(context.Background(), first, Answer("I CONFIRM (low risk)"))
		done <- err
	}()
	<-entered

	_, err := r.exec.Execute(context.Background(), second, Answer("I CONFIRM (low risk)"))
	assert.True(t, types.IsKind(err, types.KindChangeInProgress))

	close(proceed)
	require.NoError(t, <-done)
	assert.Empty(t, r.lock.Holder())
}

func TestExecute_ConfigEditPostcheckFailureRestoresFile(t *testing.T) {
	root, err := os.MkdirTemp("", "medic-edit-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })
	path := filepath.Join(root, "journald.conf")
	original := "[Journal]\nStorage=auto\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	r := newRig(t, newSystemd(map[string]bool{}))
	plan := r.plan(t, "edit_config", playbook.Target{Path: path, Content: []byte{}, StageDir: t.TempDir()})
	require.Equal(t, types.RiskMedium, plan.Risk)

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (medium risk)"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPostcheckFailed))
	assert.False(t, types.IsFatal(err))

	assert.Equal(t, StateRolledBack, run.State)
	assert.Equal(t, OutcomeRolledBack, run.Outcome())
	assert.True(t, run.RollbackPerformed)
	assert.True(t, run.RollbackOK)
	require.Len(t, run.RollbackSteps, 1)
	assert.Equal(t, "cp --preserve=mode "+plan.Target.Backup+" "+plan.Target.Path, run.RollbackSteps[0].Command)

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))
}

func TestExecute_HaltsAtFirstFailedStep(t *testing.T) {
	sd := newSystemd(map[string]bool{"pipewire.service": false, "pipewire-pulse.service": false})
	sd.fail["restart pipewire.service"] = true
	r := newRig(t, sd)
	plan := r.plan(t, "restart_pipewire", playbook.Target{})
	require.Len(t, plan.Steps, 2)

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	assert.True(t, types.IsKind(err, types.KindExecutionFailed))
	require.Len(t, run.ExecutedSteps, 1)
	assert.False(t, run.ExecutedSteps[0].Ok)
	assert.Empty(t, run.PostcheckResults, "no verification after a failed step")
	assert.Equal(t, StateRolledBack, run.State)
	assert.Equal(t, []string{
		"systemctl --user restart pipewire.service",
		"systemctl --user stop pipewire.service",
	}, r.mutations(), "the second step never runs")
}

func TestExecute_RollbackFailureIsFatal(t *testing.T) {
	sd := newSystemd(map[string]bool{"wireplumber.service": false})
	sd.sticky["wireplumber.service"] = true
	sd.fail["stop wireplumber.service"] = true
	r := newRig(t, sd)
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, "systemctl --user stop wireplumber.service", types.RecoveryOf(err))
	assert.Equal(t, StateRolledBack, run.State)
	assert.False(t, run.RollbackOK)
	assert.Equal(t, types.KindRollbackFailed, run.ErrorKind)
	assert.Equal(t, "systemctl --user stop wireplumber.service", run.ManualRecovery)
	assert.Len(t, run.RollbackSteps, 1, "rollback is attempted exactly once")
}

func TestExecute_RollbackThatLeavesUnitActiveIsFatal(t *testing.T) {
	sd := newSystemd(map[string]bool{"pipewire.service": false, "pipewire-pulse.service": false})
	sd.fail["restart pipewire-pulse.service"] = true
	sd.noop["stop pipewire.service"] = true
	r := newRig(t, sd)
	plan := r.plan(t, "restart_pipewire", playbook.Target{})
	require.Equal(t, "inactive", plan.PriorState["pipewire.service"])

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Contains(t, err.Error(), "pipewire.service is inactive again")
	assert.Equal(t, plan.ManualRecovery(), types.RecoveryOf(err))

	for _, rb := range run.RollbackSteps {
		assert.True(t, rb.Ok, "every rollback command exited 0: %s", rb.Command)
	}
	assert.False(t, run.RollbackOK)
	assert.Equal(t, types.KindRollbackFailed, run.ErrorKind)
	assert.True(t, sd.active["pipewire.service"], "unit is still running")
}

func TestExecute_RollbackChecksPriorActiveState(t *testing.T) {
	sd := newSystemd(map[string]bool{"wireplumber.service": true})
	sd.sticky["wireplumber.service"] = true
	r := newRig(t, sd)
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})
	require.Equal(t, "systemctl --user restart wireplumber.service", plan.Steps[0].Rollback.CommandString())
	require.NotNil(t, plan.Steps[0].RestoreCheck)
	assert.False(t, plan.Steps[0].RestoreCheck.ExpectNonZero)

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	assert.True(t, types.IsFatal(err))
	assert.False(t, run.RollbackOK)
	require.NotEmpty(t, run.RollbackChecks)
	assert.Equal(t, "wireplumber.service is active again", run.RollbackChecks[0].Description)
	assert.False(t, run.RollbackChecks[0].Passed)
	assert.Equal(t, "systemctl --user restart wireplumber.service", run.ManualRecovery)
}

func TestExecute_ConfigRollbackMustMatchBackup(t *testing.T) {
	root, err := os.MkdirTemp("", "medic-edit-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })
	path := filepath.Join(root, "journald.conf")
	require.NoError(t, os.WriteFile(path, []byte("[Journal]\nStorage=auto\n"), 0o644))

	r := newRig(t, newSystemd(map[string]bool{}))
	plan := r.plan(t, "edit_config", playbook.Target{Path: path, Content: []byte{}, StageDir: t.TempDir()})
	require.NotNil(t, plan.Steps[0].RestoreCheck)
	assert.Equal(t, "cmp -s "+plan.Target.Backup+" "+plan.Target.Path, plan.Steps[0].RestoreCheck.Command.CommandString())

	restore := "cp --preserve=mode " + plan.Target.Backup + " " + plan.Target.Path
	r.cmds.Handler = func(cmd tactile.Command) (*tactile.ExecutionResult, bool) {
		if cmd.CommandString() == restore {
			return exit(0, ""), true
		}
		return files(cmd)
	}

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (medium risk)"))
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Contains(t, err.Error(), "matches the backup")
	assert.Equal(t, restore, types.RecoveryOf(err))
	require.Len(t, run.RollbackSteps, 1)
	assert.True(t, run.RollbackSteps[0].Ok)
	assert.False(t, run.RollbackOK)
}

func TestExecute_RollbackIgnoresCancellation(t *testing.T) {
	sd := newSystemd(map[string]bool{"wireplumber.service": false})
	r := newRig(t, sd)
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd.onRestart = cancel

	run, err := r.exec.Execute(ctx, plan, Answer("I CONFIRM (low risk)"))
	assert.True(t, types.IsKind(err, types.KindPostcheckFailed))
	assert.Equal(t, StateRolledBack, run.State)
	assert.True(t, run.RollbackOK)
	require.Len(t, run.RollbackSteps, 1)
	assert.True(t, run.RollbackSteps[0].Ok)
}

func TestApply_RequiresConfirmation(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}))
	run := NewRun(r.plan(t, "restart_wireplumber", playbook.Target{}), time.Now())

	err := r.exec.Apply(context.Background(), run)
	assert.True(t, types.IsKind(err, types.KindInternal))
	assert.Empty(t, r.mutations())
}

func TestAbandonReleasesLock(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})
	run := NewRun(plan, time.Now())
	ctx := context.Background()

	require.NoError(t, r.exec.Preflight(ctx, run))
	decision := policy.NewGate(policy.DefaultStore()).Evaluate(plan)
	require.NoError(t, r.exec.Confirm(ctx, run, decision, Answer(decision.Phrase)))
	require.NotEmpty(t, r.lock.Holder())

	r.exec.Abandon(run)
	assert.Empty(t, r.lock.Holder())
	assert.Equal(t, StatePlanned, run.State)
}

func TestPreflightFailureChangesNothing(t *testing.T) {
	r := newRig(t, newSystemd(map[string]bool{"wireplumber.service": false}))
	plan := r.plan(t, "restart_wireplumber", playbook.Target{})
	var calls atomic.Int32
	r.cmds.Handler = func(cmd tactile.Command) (*tactile.ExecutionResult, bool) {
		calls.Add(1)
		return exit(0, "masked\n"), true
	}

	run, err := r.exec.Execute(context.Background(), plan, Answer("I CONFIRM (low risk)"))
	assert.True(t, types.IsKind(err, types.KindPreflightFailed))
	assert.Contains(t, err.Error(), "wireplumber.service is installed")
	assert.Equal(t, StatePlanned, run.State)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutation.lock")
	a, b := NewFileLock(path), NewFileLock(path)

	require.True(t, a.TryAcquire("restart_wireplumber"))
	assert.False(t, b.TryAcquire("flush_dns"))
	assert.Equal(t, "restart_wireplumber", b.Holder())

	a.Release()
	assert.Empty(t, b.Holder())
	require.True(t, b.TryAcquire("flush_dns"))
	b.Release()

	require.NoError(t, os.WriteFile(path, []byte("999999999 crashed\n"), 0o600))
	assert.Empty(t, a.Holder(), "a dead owner does not hold the lock")
	assert.True(t, a.TryAcquire("restart_portals"))
	a.Release()
}
