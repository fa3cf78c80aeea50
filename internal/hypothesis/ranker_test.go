package hypothesis

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostmedic/internal/diagnosis"
	ev "hostmedic/internal/evidence"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

func fail(step string, causes ...string) types.Finding {
	return types.Finding{StepName: step, Result: types.ResultFail, EvidenceRefs: []string{"audio/" + step}, Causes: causes}
}

func partial(step string, causes ...string) types.Finding {
	return types.Finding{StepName: step, Result: types.ResultPartial, EvidenceRefs: []string{"audio/" + step}, Causes: causes}
}

func pass(step string, refutes ...string) types.Finding {
	return types.Finding{StepName: step, Result: types.ResultPass, Refutes: refutes}
}

func TestRank_GroupsCorrelatedFindings(t *testing.T) {
	hs := NewRanker().Rank([]types.Finding{
		pass("stack", "audio.pipewire_down"),
		fail("services", "audio.wireplumber_down"),
		partial("devices", "audio.wireplumber_down"),
		fail("default", "audio.wireplumber_down"),
		pass("conflicts", "audio.pulseaudio_conflict"),
	})
	require.Len(t, hs, 1)
	h := hs[0]
	assert.Equal(t, "WirePlumber not running", h.Summary)
	assert.Equal(t, 90, h.Confidence)
	assert.Equal(t, "restart_wireplumber", h.SuggestedPlaybook)
	assert.Equal(t, []string{"audio/default", "audio/devices", "audio/services"}, h.EvidenceRefs)
	assert.Equal(t, []string{"services", "devices", "default"}, h.SupportingSteps)
	assert.NotEmpty(t, h.ConfirmOrRefuteTest)
}

func TestRank_DirectnessAndContradiction(t *testing.T) {
	hs := NewRanker().Rank([]types.Finding{
		partial("volume", "audio.muted"),
		fail("sink", "audio.no_default_sink"),
		fail("pulse", "audio.pulseaudio_conflict"),
		pass("pulse-again", "audio.pulseaudio_conflict"),
	})
	require.Len(t, hs, 3)
	assert.Equal(t, "audio.no_default_sink", hs[0].CauseID)
	assert.Equal(t, DirectBase, hs[0].Confidence)
	assert.Equal(t, "audio.muted", hs[1].CauseID)
	assert.Equal(t, IndirectBase, hs[1].Confidence)
	assert.Equal(t, "audio.pulseaudio_conflict", hs[2].CauseID)
	assert.Equal(t, DirectBase-ContradictionPenalty, hs[2].Confidence)
}

func TestRank_CapsAtThreeAndStaysSorted(t *testing.T) {
	var findings []types.Finding
	for i := 0; i < 6; i++ {
		cause := fmt.Sprintf("test.cause_%d", i)
		for j := 0; j <= i%3; j++ {
			findings = append(findings, fail(fmt.Sprintf("s%d_%d", i, j), cause))
		}
	}
	hs := NewRanker().Rank(findings)
	require.Len(t, hs, types.MaxHypotheses)
	assert.True(t, sort.SliceIsSorted(hs, func(i, j int) bool { return hs[i].Confidence > hs[j].Confidence }))
	assert.Equal(t, 90, hs[0].Confidence)
	assert.Equal(t, "test.cause_2", hs[0].CauseID, "equal confidence and support fall back to id order")
	assert.Equal(t, "test.cause_5", hs[1].CauseID)
}

func TestRank_DiscardsFullyRefutedCause(t *testing.T) {
	hs := NewRanker().Rank([]types.Finding{
		partial("a", "audio.no_sinks"),
		pass("b", "audio.no_sinks"),
		pass("c", "audio.no_sinks"),
	})
	assert.Empty(t, hs)
}

func TestRank_AllowedPlaybooksFilter(t *testing.T) {
	r := NewRanker().WithAllowedPlaybooks(func(id string) bool { return id != "restart_wireplumber" })
	hs := r.Rank([]types.Finding{fail("services", "audio.wireplumber_down")})
	require.Len(t, hs, 1)
	assert.Empty(t, hs[0].SuggestedPlaybook)
}

func TestRank_UnknownCauseKeepsId(t *testing.T) {
	hs := NewRanker().Rank([]types.Finding{fail("x", "custom.thing")})
	require.Len(t, hs, 1)
	assert.Equal(t, "custom.thing", hs[0].Summary)
	assert.Empty(t, hs[0].SuggestedPlaybook)
}

func TestRank_FromDiagnosis(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(topic ev.Topic, facts map[string]string) ev.Item {
		return ev.Item{Topic: topic, CollectedAt: at, Facts: facts}
	}
	b := ev.NewBundle(types.DomainAudio, at,
		mk(ev.TopicPipewireStatus, map[string]string{"service_active": "false", "socket_active": "true"}),
		mk(ev.TopicWireplumberStatus, map[string]string{"active": "false"}),
		mk(ev.TopicAudioDevices, map[string]string{"cards": "1", "sinks": "0"}),
		mk(ev.TopicDefaultSink, map[string]string{"name": ""}),
	)
	snap, err := registry.NewSnapshot(registry.DefaultDefinitions())
	require.NoError(t, err)
	def, _ := snap.Get("audio")

	report, err := diagnosis.NewEngine().Diagnose(context.Background(), def, b)
	require.NoError(t, err)
	hs := NewRanker().WithAllowedPlaybooks(def.AllowsPlaybook).Rank(report.Findings)
	require.Len(t, hs, 1)
	assert.Equal(t, "WirePlumber not running", hs[0].Summary)
	assert.Equal(t, 90, hs[0].Confidence)
	assert.Equal(t, "restart_wireplumber", hs[0].SuggestedPlaybook)
}
