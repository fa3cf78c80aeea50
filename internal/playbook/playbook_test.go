package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

type fakeState struct {
	units  map[string]bool // unit -> active
	errFor string
}

func (f *fakeState) UnitExists(_ context.Context, unit string, _ bool) (bool, error) {
	if unit == f.errFor {
		return false, assert.AnError
	}
	_, ok := f.units[unit]
	return ok, nil
}

func (f *fakeState) UnitActive(_ context.Context, unit string, _ bool) (bool, error) {
	return f.units[unit], nil
}

func lines(cmds []tactile.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.CommandString()
	}
	return out
}

func TestPlan_RestartWirePlumberFromStoppedState(t *testing.T) {
	p := NewPlanner(&fakeState{units: map[string]bool{"wireplumber.service": false}})
	plan, err := p.Plan(context.Background(), "restart_wireplumber", Target{})
	require.NoError(t, err)

	assert.Equal(t, types.RiskLow, plan.Risk)
	assert.False(t, plan.Escalated())
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "systemctl --user restart wireplumber.service", plan.Steps[0].Forward.CommandString())
	assert.Equal(t, "systemctl --user stop wireplumber.service", plan.Steps[0].Rollback.CommandString(),
		"a unit that was stopped is stopped again on rollback")
	assert.Equal(t, map[string]string{"wireplumber.service": "inactive"}, plan.PriorState)
	assert.Equal(t, DefaultStepTimeout, plan.Steps[0].Timeout)

	require.Len(t, plan.Postchecks, 1)
	assert.Equal(t, "WirePlumber running", plan.Postchecks[0].Description)
	assert.Equal(t, "systemctl --user is-active --quiet wireplumber.service", plan.Postchecks[0].Command.CommandString())
	assert.Equal(t, "wireplumber.service is installed", plan.Preflight[0].Description)
}

func TestPlan_RestartActiveUnitRestartsOnRollback(t *testing.T) {
	p := NewPlanner(&fakeState{units: map[string]bool{"pipewire.service": true, "pipewire-pulse.service": false}})
	plan, err := p.Plan(context.Background(), "restart_pipewire", Target{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"systemctl --user stop pipewire-pulse.service",
		"systemctl --user restart pipewire.service",
	}, lines(plan.Rollback), "rollback runs in reverse step order")
}

func TestPlan_MissingUnitFailsPreflight(t *testing.T) {
	p := NewPlanner(&fakeState{units: map[string]bool{}})
	_, err := p.Plan(context.Background(), "restart_wireplumber", Target{})
	assert.True(t, types.IsKind(err, types.KindPreflightFailed))

	p = NewPlanner(&fakeState{errFor: "wireplumber.service"})
	_, err = p.Plan(context.Background(), "restart_wireplumber", Target{})
	assert.True(t, types.IsKind(err, types.KindPreflightFailed))
}

func TestPlan_NoRollbackEscalatesToHigh(t *testing.T) {
	p := NewPlanner(&fakeState{})
	for _, id := range []string{"flush_dns", "clean_cache"} {
		plan, err := p.Plan(context.Background(), id, Target{})
		require.NoError(t, err)
		assert.Equal(t, types.RiskHigh, plan.Risk, id)
		assert.Equal(t, types.RiskLow, plan.DeclaredRisk, id)
		assert.Contains(t, plan.EscalationReason, "no rollback")
		assert.Empty(t, plan.Rollback)
	}
}

func TestPlan_EveryBuiltinStepBelowHighHasRollback(t *testing.T) {
	state := &fakeState{units: map[string]bool{}}
	for _, id := range IDs() {
		tmpl, _ := Lookup(id)
		if tmpl.Unit != "" {
			state.units[tmpl.Unit] = true
		}
	}
	state.units["pipewire-pulse.service"] = true
	state.units["foo.service"] = true

	p := NewPlanner(state)
	for _, id := range IDs() {
		tmpl, _ := Lookup(id)
		if tmpl.Target == TargetFile {
			continue
		}
		plan, err := p.Plan(context.Background(), id, Target{Unit: "foo"})
		require.NoError(t, err, id)
		if plan.Risk.Rank() < types.RiskHigh.Rank() {
			for _, s := range plan.Steps {
				assert.True(t, s.HasRollback(), "%s: %s", id, s.Description)
			}
		}
	}
}

func TestPlan_UnitTargetValidation(t *testing.T) {
	p := NewPlanner(&fakeState{units: map[string]bool{"cups.service": false}})
	plan, err := p.Plan(context.Background(), "restart_service", Target{Unit: "cups"})
	require.NoError(t, err)
	assert.Equal(t, "cups.service", plan.Target.Unit)
	assert.Equal(t, "systemctl restart cups.service", plan.Steps[0].Forward.CommandString())

	for _, bad := range []string{"", "--now", "a b", "x;rm"} {
		_, err := p.Plan(context.Background(), "restart_service", Target{Unit: bad})
		assert.True(t, types.IsKind(err, types.KindInvalidInput), "unit %q", bad)
	}
}

func TestPlan_UnknownPlaybook(t *testing.T) {
	_, err := NewPlanner(&fakeState{}).Plan(context.Background(), "reinstall_os", Target{})
	assert.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestPlan_EditConfigStagesAndBacksUp(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "journald.conf")
	require.NoError(t, os.WriteFile(path, []byte("[Journal]\nStorage=auto\n"), 0o644))
	stage := filepath.Join(t.TempDir(), "staged")

	p := NewPlanner(&fakeState{}, WithEditRoots(root))
	plan, err := p.Plan(context.Background(), "edit_config", Target{
		Path:     path,
		Content:  []byte("[Journal]\nStorage=volatile\n"),
		StageDir: stage,
	})
	require.NoError(t, err)

	assert.Equal(t, types.RiskMedium, plan.Risk)
	backup, err := os.ReadFile(plan.Target.Backup)
	require.NoError(t, err)
	assert.Equal(t, "[Journal]\nStorage=auto\n", string(backup))
	staged, err := os.ReadFile(plan.Target.Staged)
	require.NoError(t, err)
	assert.Equal(t, "[Journal]\nStorage=volatile\n", string(staged))

	assert.Equal(t, []string{"cp", "--preserve=mode", plan.Target.Staged, path},
		append([]string{plan.Steps[0].Forward.Binary}, plan.Steps[0].Forward.Arguments...))
	assert.Equal(t, []string{"cp", "--preserve=mode", plan.Target.Backup, path},
		append([]string{plan.Steps[0].Rollback.Binary}, plan.Steps[0].Rollback.Arguments...))
	assert.Equal(t, []string{"test", "-f", path},
		append([]string{plan.Preflight[0].Command.Binary}, plan.Preflight[0].Command.Arguments...))
}

func TestPlan_EditConfigScope(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	p := NewPlanner(&fakeState{}, WithEditRoots(root))
	_, err := p.Plan(context.Background(), "edit_config", Target{Path: outside, Content: []byte("y"), StageDir: t.TempDir()})
	assert.True(t, types.IsKind(err, types.KindPreflightFailed))

	_, err = p.Plan(context.Background(), "edit_config", Target{Path: filepath.Join(root, "missing.conf"), Content: []byte("y"), StageDir: t.TempDir()})
	assert.True(t, types.IsKind(err, types.KindPreflightFailed))

	_, err = p.Plan(context.Background(), "edit_config", Target{Path: "relative.conf", Content: []byte("y"), StageDir: t.TempDir()})
	assert.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestPreview(t *testing.T) {
	p := NewPlanner(&fakeState{units: map[string]bool{"wireplumber.service": false}})
	plan, err := p.Plan(context.Background(), "restart_wireplumber", Target{})
	require.NoError(t, err)

	out := plan.Preview("I CONFIRM (low risk)")
	assert.Contains(t, out, "Risk: low")
	assert.Contains(t, out, "run:  systemctl --user restart wireplumber.service")
	assert.Contains(t, out, "undo: systemctl --user stop wireplumber.service")
	assert.Contains(t, out, `Type exactly "I CONFIRM (low risk)" to proceed.`)

	plan.PolicyBlocked, plan.BlockReason = true, "nope"
	assert.Contains(t, plan.Preview("I CONFIRM (low risk)"), "BLOCKED by policy: nope")
	assert.NotContains(t, plan.Preview("I CONFIRM (low risk)"), "Type exactly")
}

func TestInfer(t *testing.T) {
	id, ok := Infer("Please restart my display manager!", nil)
	require.True(t, ok)
	assert.Equal(t, "restart_display_manager", id)

	id, ok = Infer("could you restart wireplumber", func(id string) bool { return id != "restart_wireplumber" })
	assert.False(t, ok)
	assert.Empty(t, id)

	_, ok = Infer("no sound", nil)
	assert.False(t, ok)
}

func TestHost(t *testing.T) {
	exec := tactile.NewScriptedExecutor().
		On("systemctl --user show -p LoadState --value wireplumber.service", 0, "loaded\n").
		On("systemctl --user show -p LoadState --value ghost.service", 0, "not-found\n").
		On("systemctl --user is-active --quiet wireplumber.service", 3, "").
		On("pacman -Q pipewire", 0, "pipewire 1:1.2.0-1\n").
		On("systemctl is-enabled --quiet NetworkManager-wait-online.service", 1, "")
	h := NewHost(exec, []string{"pacman", "-Q"})
	ctx := context.Background()

	ok, err := h.UnitExists(ctx, "wireplumber.service", true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.UnitExists(ctx, "ghost.service", true)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := h.UnitActive(ctx, "wireplumber.service", true)
	require.NoError(t, err)
	assert.False(t, active)

	pkg, ok := h.PackageCheck("pipewire")
	require.True(t, ok)
	assert.Equal(t, "pacman -Q pipewire", pkg.Command.CommandString())
	assert.True(t, h.Evaluate(ctx, pkg).Passed)
	pkg, _ = h.PackageCheck("pulseaudio")
	assert.False(t, h.Evaluate(ctx, pkg).Passed, "unscripted query exits 127")
	_, ok = NewHost(exec, nil).PackageCheck("pipewire")
	assert.False(t, ok)

	res := h.Evaluate(ctx, Check{
		Description:   "disabled",
		Command:       systemctl(false, "is-enabled", "--quiet", "NetworkManager-wait-online.service"),
		ExpectNonZero: true,
	})
	assert.True(t, res.Passed)

	res = h.Evaluate(ctx, Check{Description: "running", Command: systemctl(true, "is-active", "--quiet", "wireplumber.service")})
	assert.False(t, res.Passed)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Details, "exit 3")
}

func TestPlan_PackagePreflight(t *testing.T) {
	exec := tactile.NewScriptedExecutor().
		On("systemctl --user show -p LoadState --value wireplumber.service", 0, "loaded\n").
		On("systemctl --user is-active --quiet wireplumber.service", 3, "").
		On("systemctl --user show -p LoadState --value display-manager.service", 0, "loaded\n").
		On("systemctl is-active --quiet display-manager.service", 0, "")
	ctx := context.Background()

	plan, err := NewPlanner(NewHost(exec, []string{"pacman", "-Q"})).Plan(ctx, "restart_wireplumber", Target{})
	require.NoError(t, err)
	require.Len(t, plan.Preflight, 2)
	assert.Equal(t, "package wireplumber is installed", plan.Preflight[0].Description)
	assert.Equal(t, "pacman -Q wireplumber", plan.Preflight[0].Command.CommandString())
	assert.Equal(t, DefaultStepTimeout, plan.Preflight[0].Command.Timeout)

	plan, err = NewPlanner(NewHost(exec, nil)).Plan(ctx, "restart_wireplumber", Target{})
	require.NoError(t, err)
	assert.Len(t, plan.Preflight, 1, "no package query configured")

	for _, id := range []string{"restart_wireplumber", "restart_pipewire", "restart_portals", "restart_networkmanager", "btrfs_scrub", "btrfs_balance"} {
		tmpl, _ := Lookup(id)
		assert.NotEmpty(t, tmpl.Package, id)
	}
}

func TestDraft_DoesNotTouchTheHost(t *testing.T) {
	exec := tactile.NewScriptedExecutor()
	p := NewPlanner(NewHost(exec, []string{"pacman", "-Q"}))

	draft, err := p.Draft("restart_display_manager", Target{})
	require.NoError(t, err)
	assert.Equal(t, types.RiskHigh, draft.Risk)
	assert.Equal(t, CategoryDisplayManagerRestart, draft.Category)
	assert.Equal(t, "systemctl restart display-manager.service", draft.Steps[0].Forward.CommandString())
	assert.Nil(t, draft.Steps[0].Rollback, "restore verb depends on host state")

	draft, err = p.Draft("restart_wireplumber", Target{})
	require.NoError(t, err)
	assert.Equal(t, types.RiskLow, draft.Risk)
	assert.False(t, draft.Escalated(), "a restorable step is not a missing rollback")

	draft, err = p.Draft("edit_config", Target{Path: "/etc/../etc/fstab"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/fstab", draft.Target.Path)
	assert.Empty(t, draft.Target.Backup)

	_, err = p.Draft("edit_config", Target{Path: "fstab"})
	assert.True(t, types.IsKind(err, types.KindInvalidInput))

	draft, err = p.Draft("flush_dns", Target{})
	require.NoError(t, err)
	assert.True(t, draft.Escalated())

	assert.Empty(t, exec.Calls())
}
