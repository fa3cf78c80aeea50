package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostmedic/internal/config"
	"hostmedic/internal/evidence"
	"hostmedic/internal/playbook"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

func audioDef(t *testing.T) registry.Definition {
	t.Helper()
	snap, err := registry.NewSnapshot(registry.DefaultDefinitions())
	require.NoError(t, err)
	def, ok := snap.Get("audio")
	require.True(t, ok)
	return def
}

func item(topic evidence.Topic) evidence.Item {
	return evidence.Item{Topic: topic, SummaryHuman: string(topic)}
}

func fullBundle() *evidence.Bundle {
	return evidence.NewBundle(types.DomainAudio, time.Unix(1700000000, 0),
		item(evidence.TopicPipewireStatus),
		item(evidence.TopicWireplumberStatus),
		item(evidence.TopicAudioDevices),
		item(evidence.TopicDefaultSink),
		item(evidence.TopicPulseaudioStatus),
		item(evidence.TopicBluetoothStatus),
	)
}

func findings() []types.Finding {
	return []types.Finding{
		{StepName: "Identify Stack", Result: types.ResultPass, EvidenceRefs: []string{"audio/pipewire_status"}},
		{StepName: "Verify Services", Result: types.ResultFail, Details: "WirePlumber inactive",
			EvidenceRefs: []string{"audio/pipewire_status", "audio/wireplumber_status"}},
		{StepName: "Check Default Output", Result: types.ResultFail, Details: "no default sink",
			EvidenceRefs: []string{"audio/default_sink", "audio/wireplumber_status"}},
	}
}

func wireplumberDown() types.Hypothesis {
	return types.Hypothesis{
		CauseID:           "audio.wireplumber_down",
		Summary:           "WirePlumber not running",
		Confidence:        90,
		EvidenceRefs:      []string{"audio/default_sink", "audio/pipewire_status", "audio/wireplumber_status"},
		SuggestedPlaybook: "restart_wireplumber",
	}
}

func TestScore_FullyGroundedRunDelivers(t *testing.T) {
	g := NewGate(config.DefaultReliabilityConfig())
	in := Input{Specialist: audioDef(t), Bundle: fullBundle(), Findings: findings(), Hypotheses: []types.Hypothesis{wireplumberDown()}}

	diag := g.ScoreDiagnosis(in)
	assert.Equal(t, 100, diag.Value)
	assert.Empty(t, diag.UncitedClaims)
	assert.Empty(t, diag.MissingTopics)
	assert.Contains(t, diag.Rationale(), "every claim cited")

	mut := g.ScoreMutation(in, &playbook.Plan{PlaybookID: "restart_wireplumber"})
	assert.Equal(t, 100, mut.Value)
	assert.Equal(t, 3, mut.CitedEvidence)

	d := g.Decide(KindMutation, types.DomainAudio, mut)
	assert.Equal(t, Deliver, d.Verdict)
	assert.Equal(t, 90, d.Threshold)
	assert.NoError(t, d.Err())
}

func TestScore_MutationWithoutCitedEvidenceNeverPasses(t *testing.T) {
	h := wireplumberDown()
	h.EvidenceRefs = nil
	in := Input{Specialist: audioDef(t), Bundle: fullBundle(), Findings: findings(), Hypotheses: []types.Hypothesis{h}}

	lenient := config.DefaultReliabilityConfig()
	lenient.Recommendation, lenient.Mutation = 10, 10
	for _, cfg := range []config.ReliabilityConfig{config.DefaultReliabilityConfig(), lenient} {
		g := NewGate(cfg)
		s := g.ScoreMutation(in, &playbook.Plan{PlaybookID: "restart_wireplumber"})
		assert.LessOrEqual(t, s.Value, UncitedMutationCeiling)
		assert.Zero(t, s.CitedEvidence)
		assert.Contains(t, s.UncitedClaims, `hypothesis "WirePlumber not running"`)

		d := g.Decide(KindMutation, types.DomainAudio, s)
		assert.Equal(t, Refuse, d.Verdict, "threshold %d", d.Threshold)
		assert.True(t, types.IsKind(d.Err(), types.KindReliabilityBelowThreshold))
	}
}

func TestScore_PlanNotSuggestedByAnyHypothesis(t *testing.T) {
	g := NewGate(config.DefaultReliabilityConfig())
	in := Input{Specialist: audioDef(t), Bundle: fullBundle(), Findings: findings(), Hypotheses: []types.Hypothesis{wireplumberDown()}}

	s := g.ScoreMutation(in, &playbook.Plan{PlaybookID: "restart_pipewire"})
	assert.Contains(t, s.UncitedClaims, "plan restart_pipewire is not suggested by any hypothesis")
	assert.Equal(t, Refuse, g.Decide(KindMutation, types.DomainAudio, s).Verdict)
}

func TestScore_MissingEvidenceDowngradesAnswersAndRefusesMutations(t *testing.T) {
	b := evidence.NewBundle(types.DomainAudio, time.Unix(1700000000, 0),
		item(evidence.TopicPipewireStatus),
		item(evidence.TopicAudioDevices),
		evidence.Item{Topic: evidence.TopicWireplumberStatus, Skipped: true, SkipReason: "probe timed out"},
	)
	fs := []types.Finding{
		{StepName: "Identify Stack", Result: types.ResultPass, EvidenceRefs: []string{"audio/pipewire_status"}},
		{StepName: "Verify Services", Result: types.ResultSkipped},
		{StepName: "Confirm Devices", Result: types.ResultPartial, Details: "no sinks", EvidenceRefs: []string{"audio/audio_devices"}},
		{StepName: "Check Default Output", Result: types.ResultSkipped},
	}
	h := wireplumberDown()
	h.EvidenceRefs = []string{"audio/audio_devices", "audio/wireplumber_status"}
	in := Input{Specialist: audioDef(t), Bundle: b, Findings: fs, Hypotheses: []types.Hypothesis{h}}
	g := NewGate(config.DefaultReliabilityConfig())

	s := g.ScoreDiagnosis(in)
	assert.InDelta(t, 0.5, s.Evidence, 1e-9)
	assert.InDelta(t, 0.5, s.Coverage, 1e-9)
	assert.InDelta(t, 0.5, s.Reasoning, 1e-9)
	assert.Equal(t, 50, s.Value)
	assert.Equal(t, []string{
		"audio/bluetooth_status", "audio/default_sink", "audio/pulseaudio_status", "audio/wireplumber_status",
	}, s.MissingTopics)

	answer := g.Decide(KindRecommendation, types.DomainAudio, s)
	assert.Equal(t, DeliverWithDisclaimer, answer.Verdict)
	assert.Contains(t, answer.Disclaimer, "Low confidence (50%, below 80%)")
	assert.NoError(t, answer.Err())

	mut := g.Decide(KindMutation, types.DomainAudio, g.ScoreMutation(in, &playbook.Plan{PlaybookID: "restart_wireplumber"}))
	assert.Equal(t, Refuse, mut.Verdict)
	assert.Contains(t, mut.Advice, "collect audio/default_sink")
	assert.Contains(t, mut.Advice, "collect audio/wireplumber_status")
	assert.Contains(t, mut.Err().Error(), "collect audio/default_sink")
}

func TestScore_UncitedFindingIsPenaltyNotBlock(t *testing.T) {
	fs := append(findings(), types.Finding{StepName: "Check Conflicts", Result: types.ResultPartial, Details: "guessing"})
	in := Input{Specialist: audioDef(t), Bundle: fullBundle(), Findings: fs, Hypotheses: []types.Hypothesis{wireplumberDown()}}
	g := NewGate(config.DefaultReliabilityConfig())

	s := g.ScoreDiagnosis(in)
	assert.Equal(t, 100-UncitedPenalty, s.Value)
	require.Len(t, s.UncitedClaims, 1)
	assert.Contains(t, s.UncitedClaims[0], "Check Conflicts")
	assert.Equal(t, Deliver, g.Decide(KindRecommendation, types.DomainAudio, s).Verdict)
}

func TestScore_HealthyDiagnosis(t *testing.T) {
	fs := []types.Finding{
		{StepName: "Identify Stack", Result: types.ResultPass, EvidenceRefs: []string{"audio/pipewire_status"}},
		{StepName: "Verify Services", Result: types.ResultPass, EvidenceRefs: []string{"audio/wireplumber_status"}},
	}
	s := NewGate(config.DefaultReliabilityConfig()).ScoreDiagnosis(Input{Specialist: audioDef(t), Bundle: fullBundle(), Findings: fs})
	assert.Equal(t, 100, s.Value)
}

func TestThresholds(t *testing.T) {
	g := NewGate(config.DefaultReliabilityConfig())
	assert.Equal(t, 70, g.Threshold(KindAnswer, types.DomainAudio))
	assert.Equal(t, 80, g.Threshold(KindRecommendation, types.DomainStorage))
	assert.Equal(t, 90, g.Threshold(KindMutation, types.DomainNetwork))
	assert.Equal(t, 95, g.Threshold(KindMutation, types.DomainStorage))
	assert.Equal(t, 95, g.Threshold(KindMutation, types.DomainBoot))
}
