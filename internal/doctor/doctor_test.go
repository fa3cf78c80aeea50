package doctor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hostmedic/internal/config"
	ev "hostmedic/internal/evidence"
	"hostmedic/internal/executor"
	"hostmedic/internal/ledger"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/registry"
	"hostmedic/internal/reliability"
	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"))
}

func exit(code int, stdout string) *tactile.ExecutionResult {
	return &tactile.ExecutionResult{Success: true, ExitCode: code, Stdout: stdout}
}

// systemd simulates unit state for systemctl invocations.
type systemd struct {
	mu     sync.Mutex
	active map[string]bool
	sticky map[string]bool // units that never come up
	fail   map[string]bool // "verb unit"
}

func newSystemd(units map[string]bool) *systemd {
	return &systemd{active: units, sticky: map[string]bool{}, fail: map[string]bool{}}
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
	defer s.mu.Unlock()
	if s.fail[verb+" "+unit] {
		return exit(1, ""), true
	}
	_, known := s.active[unit]
	switch verb {
	case "show":
		if known {
			return exit(0, "loaded\n"), true
		}
		return exit(0, "not-found\n"), true
	case "is-active":
		if s.active[unit] {
			return exit(0, ""), true
		}
		return exit(3, ""), true
	case "restart":
		if !known {
			return exit(5, ""), true
		}
		s.active[unit] = !s.sticky[unit]
		return exit(0, ""), true
	case "stop":
		s.active[unit] = false
		return exit(0, ""), true
	}
	return nil, false
}

// countingProbe records how often evidence was collected.
type countingProbe struct {
	ev.StaticProbe
	calls *atomic.Int32
}

func (p countingProbe) Collect(ctx context.Context) (ev.Item, error) {
	p.calls.Add(1)
	return p.StaticProbe.Collect(ctx)
}

func item(topic ev.Topic, facts map[string]string) ev.Item {
	return ev.Item{Topic: topic, SummaryHuman: string(topic), Facts: facts}
}

// wireplumberDown is PipeWire socket-activated, WirePlumber stopped.
func wireplumberDown() []ev.Item {
	return []ev.Item{
		item(ev.TopicPipewireStatus, map[string]string{"service_active": "false", "socket_active": "true", "pulse_active": "false"}),
		item(ev.TopicWireplumberStatus, map[string]string{"active": "false"}),
		item(ev.TopicAudioDevices, map[string]string{"cards": "1", "sinks": "0"}),
		item(ev.TopicDefaultSink, map[string]string{"name": ""}),
		item(ev.TopicPulseaudioStatus, map[string]string{"active": "false"}),
		item(ev.TopicBluetoothStatus, map[string]string{"active": "true", "audio_devices": "0"}),
	}
}

// audioStackDown is PipeWire and WirePlumber both stopped, socket included.
func audioStackDown() []ev.Item {
	items := wireplumberDown()
	items[0] = item(ev.TopicPipewireStatus, map[string]string{"service_active": "false", "socket_active": "false", "pulse_active": "false"})
	return items
}

type rig struct {
	doctor    *Doctor
	ledger    *ledger.Ledger
	cmds      *tactile.ScriptedExecutor
	sd        *systemd
	collected *atomic.Int32
}

func newRig(t *testing.T, items []ev.Item) *rig {
	t.Helper()
	sd := newSystemd(map[string]bool{
		"wireplumber.service":     false,
		"pipewire.service":        false,
		"pipewire-pulse.service":  false,
		"display-manager.service": true,
	})
	cmds := tactile.NewScriptedExecutor()
	cmds.Handler = sd.handle

	collected := &atomic.Int32{}
	probes := make([]ev.Probe, 0, len(items))
	for _, it := range items {
		probes = append(probes, countingProbe{StaticProbe: ev.StaticProbe{Item: it}, calls: collected})
	}

	host := playbook.NewHost(cmds, nil)
	planner := playbook.NewPlanner(host)
	reg, err := registry.NewDefault(planner.Known)
	require.NoError(t, err)
	gate := policy.NewGate(policy.DefaultStore())

	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "cases"), filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Shutdown() })

	d, err := New(Components{
		Registry:    reg,
		Collector:   ev.NewCollector(time.Second, 0, probes...),
		Planner:     planner,
		Gate:        gate,
		Executor:    executor.New(gate, cmds, host, executor.NewMemoryLock(), executor.WithConfirmTimeout(time.Second)),
		Reliability: reliability.NewGate(config.DefaultReliabilityConfig()),
		Ledger:      led,
	})
	require.NoError(t, err)
	return &rig{doctor: d, ledger: led, cmds: cmds, sd: sd, collected: collected}
}

func (r *rig) mutations() []string {
	var out []string
	for _, line := range r.cmds.CommandLines() {
		if strings.Contains(line, " restart ") || strings.Contains(line, " stop ") {
			out = append(out, line)
		}
	}
	return out
}

func (r *rig) stages(t *testing.T, runID string) []string {
	t.Helper()
	rec, err := r.ledger.Get(runID)
	require.NoError(t, err)
	out := make([]string, len(rec.Timings))
	for i, tm := range rec.Timings {
		out[i] = tm.Stage
	}
	return out
}

func TestHandle_NoSoundRestartsWirePlumber(t *testing.T) {
	r := newRig(t, wireplumberDown())

	var prompts []executor.Prompt
	confirmer := executor.ConfirmerFunc(func(_ context.Context, p executor.Prompt) (string, error) {
		prompts = append(prompts, p)
		return "I CONFIRM (low risk)", nil
	})
	res, err := r.doctor.Handle(context.Background(), Request{Text: "no sound", Fix: true, Confirmer: confirmer})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.NotNil(t, res.Selection)
	assert.Equal(t, "audio", res.Selection.Primary.ID)
	assert.Contains(t, res.Selection.MatchedSymptoms, "no sound")

	require.NotEmpty(t, res.Hypotheses)
	top := res.Hypotheses[0]
	assert.Equal(t, "WirePlumber not running", top.Summary)
	assert.Equal(t, 90, top.Confidence)
	assert.Equal(t, "restart_wireplumber", top.SuggestedPlaybook)

	require.NotNil(t, res.Plan)
	assert.Equal(t, types.RiskLow, res.Plan.Risk)
	require.Len(t, prompts, 1)
	assert.Equal(t, "I CONFIRM (low risk)", prompts[0].Phrase)

	require.NotNil(t, res.Mutation)
	assert.Equal(t, reliability.Deliver, res.Mutation.Verdict)
	assert.Equal(t, executor.StateVerifiedOK, res.Run.State)
	assert.Equal(t, ledger.OutcomeSuccess, res.Outcome)
	assert.Equal(t, []string{"systemctl --user restart wireplumber.service"}, r.mutations())

	rec, err := r.ledger.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "audio_doctor.json", filepath.Base(res.CasePath))
	assert.Equal(t, ledger.OutcomeSuccess, rec.Outcome)
	assert.NotNil(t, rec.ClosedAt)
	assert.Len(t, rec.Evidence, 6)
	assert.NotEmpty(t, rec.Findings)
	require.NotNil(t, rec.MutationRun)
	assert.False(t, rec.RollbackPerformed())
	assert.Equal(t, []string{
		ledger.StageSelect, ledger.StageCollectEvidence, ledger.StageDiagnose, ledger.StageRank,
		ledger.StagePlan, ledger.StageGate, ledger.StageExecute, ledger.StageClose,
	}, r.stages(t, res.RunID))
	assert.NoError(t, r.ledger.Verify(res.RunID))

	status, err := r.doctor.Status()
	require.NoError(t, err)
	assert.Equal(t, res.RunID, status.LastRunID)
	assert.Equal(t, ledger.OutcomeSuccess, status.LastOutcome)
	assert.Equal(t, 1, status.Attempted)
	assert.Equal(t, 1, status.Succeeded)
}

func TestHandle_DisplayManagerRestartIsBlockedBeforePrompt(t *testing.T) {
	r := newRig(t, nil)

	prompted := false
	confirmer := executor.ConfirmerFunc(func(context.Context, executor.Prompt) (string, error) {
		prompted = true
		return "I CONFIRM (high risk)", nil
	})
	res, err := r.doctor.Handle(context.Background(), Request{Text: "restart my display manager", Confirmer: confirmer})
	require.NoError(t, err)

	assert.Equal(t, "graphics", res.Selection.Primary.ID)
	require.NotNil(t, res.Plan)
	assert.Equal(t, "restart_display_manager", res.Plan.PlaybookID)
	assert.Equal(t, types.RiskHigh, res.Plan.Risk)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.Blocked)
	assert.True(t, types.IsKind(res.Err, types.KindPolicyBlocked))
	assert.Equal(t, ledger.OutcomeBlocked, res.Outcome)

	assert.False(t, prompted)
	assert.Nil(t, res.Run)
	assert.Empty(t, r.mutations())

	rec, err := r.ledger.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.KindPolicyBlocked, rec.ErrorKind)
	assert.Contains(t, rec.Error, "allow_display_manager_restart")
}

func TestHandle_NoSoundWithWholeAudioStackStopped(t *testing.T) {
	r := newRig(t, audioStackDown())

	res, err := r.doctor.Handle(context.Background(), Request{
		Text: "no sound", Fix: true, Confirmer: executor.Answer("I CONFIRM (low risk)"),
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.GreaterOrEqual(t, len(res.Hypotheses), 2)
	assert.Equal(t, "WirePlumber not running", res.Hypotheses[0].Summary)
	assert.Equal(t, 90, res.Hypotheses[0].Confidence)
	assert.Equal(t, "restart_wireplumber", res.Hypotheses[0].SuggestedPlaybook)
	assert.Less(t, res.Hypotheses[1].Confidence, res.Hypotheses[0].Confidence)

	require.NotNil(t, res.Plan)
	assert.Equal(t, "restart_wireplumber", res.Plan.PlaybookID)
	assert.Equal(t, types.RiskLow, res.Plan.Risk)
	assert.Equal(t, executor.StateVerifiedOK, res.Run.State)
	assert.Equal(t, ledger.OutcomeSuccess, res.Outcome)
	assert.Equal(t, []string{"systemctl --user restart wireplumber.service"}, r.mutations())
}

func TestHandle_BlockedPlaybookNeedsNoHostLookup(t *testing.T) {
	r := newRig(t, nil)
	r.sd.mu.Lock()
	delete(r.sd.active, "display-manager.service")
	r.sd.mu.Unlock()

	res, err := r.doctor.Handle(context.Background(), Request{
		Text: "restart my display manager", Confirmer: executor.Answer("I CONFIRM (high risk)"),
	})
	require.NoError(t, err)

	assert.True(t, types.IsKind(res.Err, types.KindPolicyBlocked), "got %v", res.Err)
	assert.Equal(t, ledger.OutcomeBlocked, res.Outcome)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.Blocked)
	assert.Empty(t, r.cmds.Calls(), "the host is never queried for a blocked playbook")

	rec, err := r.ledger.Get(res.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec.ChosenPlan)
	assert.True(t, rec.ChosenPlan.PolicyBlocked)
	assert.Contains(t, rec.Error, "allow_display_manager_restart")
}

func TestHandle_PostcheckFailureRollsBack(t *testing.T) {
	r := newRig(t, wireplumberDown())
	r.sd.sticky["wireplumber.service"] = true

	res, err := r.doctor.Handle(context.Background(), Request{
		Text: "no sound", Fix: true, Confirmer: executor.Answer("I CONFIRM (low risk)"),
	})
	require.NoError(t, err, "a clean rollback is not fatal")
	assert.True(t, types.IsKind(res.Err, types.KindPostcheckFailed))
	assert.Equal(t, ledger.OutcomeRolledBack, res.Outcome)
	assert.Equal(t, []string{
		"systemctl --user restart wireplumber.service",
		"systemctl --user stop wireplumber.service",
	}, r.mutations())

	rec, err := r.ledger.Get(res.RunID)
	require.NoError(t, err)
	assert.True(t, rec.RollbackPerformed())
	assert.True(t, rec.MutationRun.RollbackOK)

	status, err := r.doctor.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.RolledBack)
}

func TestHandle_FailedRollbackIsFatal(t *testing.T) {
	r := newRig(t, wireplumberDown())
	r.sd.sticky["wireplumber.service"] = true
	r.sd.fail["stop wireplumber.service"] = true

	res, err := r.doctor.Handle(context.Background(), Request{
		Text: "no sound", Fix: true, Confirmer: executor.Answer("I CONFIRM (low risk)"),
	})
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, "systemctl --user stop wireplumber.service", types.RecoveryOf(err))

	rec, getErr := r.ledger.Get(res.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, types.KindRollbackFailed, rec.ErrorKind)
	assert.Equal(t, "systemctl --user stop wireplumber.service", rec.ManualRecovery)
	assert.NotNil(t, rec.ClosedAt)
}

func TestHandle_NoMatchAsksForClarification(t *testing.T) {
	r := newRig(t, wireplumberDown())

	res, err := r.doctor.Handle(context.Background(), Request{Text: "my system feels weird", Fix: true})
	require.NoError(t, err)

	assert.True(t, types.IsKind(res.Err, types.KindNoMatchingSpecialist))
	assert.Equal(t, ledger.OutcomeNoMatch, res.Outcome)
	assert.Nil(t, res.Selection)
	assert.Contains(t, res.Clarification, "Audio Doctor")
	assert.Zero(t, r.collected.Load(), "no evidence collected speculatively")
	assert.Empty(t, r.cmds.Calls())

	rec, err := r.ledger.Get(res.RunID)
	require.NoError(t, err)
	assert.Empty(t, rec.Evidence)
	assert.Equal(t, ledger.DefaultCaseFile, rec.CaseFile)
}

func TestHandle_MissingEvidenceRefusesMutation(t *testing.T) {
	var items []ev.Item
	for _, it := range wireplumberDown() {
		if it.Topic != ev.TopicWireplumberStatus {
			items = append(items, it)
		}
	}
	r := newRig(t, items)

	res, err := r.doctor.Handle(context.Background(), Request{
		Text: "no sound", Playbook: "restart_wireplumber", Confirmer: executor.Answer("I CONFIRM (low risk)"),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeRefused, res.Outcome)
	assert.True(t, types.IsKind(res.Err, types.KindReliabilityBelowThreshold))
	require.NotNil(t, res.Mutation)
	assert.Equal(t, reliability.Refuse, res.Mutation.Verdict)
	assert.Contains(t, res.Mutation.Advice, "collect audio/wireplumber_status")
	assert.Nil(t, res.Run)
	assert.Empty(t, r.mutations())
}

func TestHandle_DiagnosisOnly(t *testing.T) {
	r := newRig(t, wireplumberDown())

	res, err := r.doctor.Handle(context.Background(), Request{Text: "no sound"})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, ledger.OutcomeDiagnosed, res.Outcome)
	assert.Nil(t, res.Plan)
	require.NotNil(t, res.Diagnosis)
	assert.Equal(t, reliability.KindRecommendation, res.Diagnosis.Kind)
	assert.Empty(t, r.mutations())
	assert.Equal(t, []string{
		ledger.StageSelect, ledger.StageCollectEvidence, ledger.StageDiagnose, ledger.StageRank, ledger.StageClose,
	}, r.stages(t, res.RunID))
}

func TestHandle_PlaybookOutsideSpecialistIsRejected(t *testing.T) {
	r := newRig(t, wireplumberDown())

	res, err := r.doctor.Handle(context.Background(), Request{Text: "no sound", Playbook: "flush_dns"})
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
	assert.True(t, types.IsKind(res.Err, types.KindInvalidInput))
	assert.Empty(t, r.mutations())
}

func TestHandle_ConcurrentDiagnosesAreIndependent(t *testing.T) {
	r := newRig(t, wireplumberDown())

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.doctor.Handle(context.Background(), Request{Text: fmt.Sprintf("no sound #%d", i)})
			if assert.NoError(t, err) {
				assert.Equal(t, ledger.OutcomeDiagnosed, res.Outcome)
				ids[i] = res.RunID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	status, err := r.doctor.Status()
	require.NoError(t, err)
	assert.Equal(t, n, status.Cases)
	assert.Zero(t, status.Attempted)
}

func TestHandle_RejectsEmptyRequest(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.doctor.Handle(context.Background(), Request{Text: "   "})
	assert.True(t, types.IsKind(err, types.KindInvalidInput))
}
