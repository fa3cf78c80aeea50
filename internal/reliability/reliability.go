// Package reliability scores a run independently of the components that
// produced it. It re-derives support from the evidence bundle and the raw
// findings instead of trusting hypothesis confidences, and enforces the
// minimum thresholds before an answer is delivered or a mutation executes.
package reliability

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"hostmedic/internal/config"
	"hostmedic/internal/evidence"
	"hostmedic/internal/logging"
	"hostmedic/internal/playbook"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

// Weights of the three components; they sum to 1.
const (
	EvidenceWeight  = 0.40
	ReasoningWeight = 0.35
	CoverageWeight  = 0.25

	// UncitedPenalty is subtracted per uncited claim.
	UncitedPenalty = 10
	// UncitedMutationCeiling caps a mutation score when the plan rests on no
	// collected evidence at all.
	UncitedMutationCeiling = 60
)

// ReasonCode identifies why a score is below 100.
type ReasonCode string

const (
	ReasonEvidenceMissing ReasonCode = "evidence_missing"
	ReasonChecksSkipped   ReasonCode = "checks_skipped"
	ReasonNotGrounded     ReasonCode = "not_grounded"
	ReasonUncitedClaim    ReasonCode = "uncited_claim"
	ReasonPlanUnsupported ReasonCode = "plan_unsupported"
	ReasonNoCitedEvidence ReasonCode = "no_cited_evidence"
)

// Reason is one scored deduction.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Details string     `json:"details"`
}

// Score is the independent confidence in a run.
type Score struct {
	Value     int     `json:"value"`
	Evidence  float64 `json:"evidence"`
	Reasoning float64 `json:"reasoning"`
	Coverage  float64 `json:"coverage"`
	// CitedEvidence counts distinct collected evidence refs the conclusion rests on.
	CitedEvidence int      `json:"cited_evidence"`
	UncitedClaims []string `json:"uncited_claims,omitempty"`
	Reasons       []Reason `json:"reasons,omitempty"`
	// MissingTopics are refs of topics that were absent or skipped.
	MissingTopics []string `json:"missing_topics,omitempty"`
}

// Rationale renders the reasons as one sentence.
func (s Score) Rationale() string {
	if len(s.Reasons) == 0 {
		return fmt.Sprintf("%d/100: all required evidence present and every claim cited", s.Value)
	}
	parts := make([]string, len(s.Reasons))
	for i, r := range s.Reasons {
		parts[i] = r.Details
	}
	return fmt.Sprintf("%d/100: %s", s.Value, strings.Join(parts, "; "))
}

// Kind selects the threshold a score is held to.
type Kind string

const (
	KindAnswer         Kind = "answer"
	KindRecommendation Kind = "recommendation"
	KindMutation       Kind = "mutation"
)

// Verdict is what the caller may do with the result.
type Verdict string

const (
	Deliver               Verdict = "deliver"
	DeliverWithDisclaimer Verdict = "deliver_with_disclaimer"
	Refuse                Verdict = "refuse"
)

// Decision is the gate's ruling on one score.
type Decision struct {
	Kind       Kind    `json:"kind"`
	Threshold  int     `json:"threshold"`
	Verdict    Verdict `json:"verdict"`
	Score      Score   `json:"score"`
	Disclaimer string  `json:"disclaimer,omitempty"`
	// Advice lists what additional evidence would raise confidence.
	Advice []string `json:"advice,omitempty"`
}

// Err converts a refusal into a classified error.
func (d Decision) Err() error {
	if d.Verdict != Refuse {
		return nil
	}
	msg := fmt.Sprintf("reliability %d is below the %s threshold %d", d.Score.Value, d.Kind, d.Threshold)
	if len(d.Advice) > 0 {
		msg += "; " + strings.Join(d.Advice, "; ")
	}
	return types.NewError(types.KindReliabilityBelowThreshold, "reliability", "%s", msg)
}

// Gate scores runs and applies the configured thresholds.
type Gate struct {
	cfg config.ReliabilityConfig
}

// NewGate returns a gate with the given thresholds.
func NewGate(cfg config.ReliabilityConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Input is everything the gate re-examines.
type Input struct {
	Specialist registry.Definition
	Bundle     *evidence.Bundle
	Findings   []types.Finding
	Hypotheses []types.Hypothesis
}

// ScoreDiagnosis scores a read-only diagnosis.
func (g *Gate) ScoreDiagnosis(in Input) Score {
	s, _ := g.score(in)
	s.Value = clamp(s.Value)
	logging.Reliability("Diagnosis score for %s: %s", in.Specialist.ID, s.Rationale())
	return s
}

// ScoreMutation scores a diagnosis together with the plan it led to. Only
// hypotheses that nominate the plan's playbook count as its support.
func (g *Gate) ScoreMutation(in Input, plan *playbook.Plan) Score {
	s, cited := g.score(in)

	supported := 0
	planRefs := make(map[string]struct{})
	for _, h := range in.Hypotheses {
		if h.SuggestedPlaybook != plan.PlaybookID {
			continue
		}
		supported++
		for _, ref := range h.EvidenceRefs {
			if _, ok := cited[ref]; ok {
				planRefs[ref] = struct{}{}
			}
		}
	}
	if supported == 0 {
		claim := fmt.Sprintf("plan %s is not suggested by any hypothesis", plan.PlaybookID)
		s.UncitedClaims = append(s.UncitedClaims, claim)
		s.Reasons = append(s.Reasons, Reason{Code: ReasonPlanUnsupported, Details: claim})
		s.Value -= UncitedPenalty
	}
	s.CitedEvidence = len(planRefs)
	if s.CitedEvidence == 0 {
		s.Reasons = append(s.Reasons, Reason{
			Code:    ReasonNoCitedEvidence,
			Details: fmt.Sprintf("%s rests on no collected evidence; capped at %d", plan.PlaybookID, UncitedMutationCeiling),
		})
		if s.Value > UncitedMutationCeiling {
			s.Value = UncitedMutationCeiling
		}
	}
	s.Value = clamp(s.Value)
	logging.Reliability("Mutation score for %s: %s", plan.PlaybookID, s.Rationale())
	return s
}

// score computes the shared components and returns the set of valid cited refs.
func (g *Gate) score(in Input) (Score, map[string]struct{}) {
	var s Score
	b := in.Bundle

	// Evidence: share of required topics actually present.
	required := in.Specialist.RequiredEvidence
	missing := b.Missing(required)
	s.Evidence = 1
	if len(required) > 0 {
		s.Evidence = float64(len(required)-len(missing)) / float64(len(required))
	}
	if len(missing) > 0 {
		refs := make([]string, len(missing))
		for i, t := range missing {
			refs[i] = b.Ref(t)
		}
		s.Reasons = append(s.Reasons, Reason{
			Code:    ReasonEvidenceMissing,
			Details: fmt.Sprintf("%d of %d required topics unavailable (%s)", len(missing), len(required), strings.Join(refs, ", ")),
		})
	}
	for _, t := range b.Missing(in.Specialist.Topics()) {
		s.MissingTopics = append(s.MissingTopics, b.Ref(t))
	}
	sort.Strings(s.MissingTopics)

	// Coverage: share of checks that actually ran.
	ran := 0
	for _, f := range in.Findings {
		if f.Result != types.ResultSkipped {
			ran++
		}
	}
	if len(in.Findings) > 0 {
		s.Coverage = float64(ran) / float64(len(in.Findings))
	}
	if skipped := len(in.Findings) - ran; skipped > 0 {
		s.Reasons = append(s.Reasons, Reason{
			Code:    ReasonChecksSkipped,
			Details: fmt.Sprintf("%d of %d checks skipped", skipped, len(in.Findings)),
		})
	}

	// Reasoning: how much of each conclusion traces to collected evidence.
	cited := make(map[string]struct{})
	for _, f := range in.Findings {
		if !f.Result.Failing() {
			continue
		}
		valid := 0
		for _, ref := range f.EvidenceRefs {
			if b.HasRef(ref) {
				valid++
			}
		}
		if valid == 0 {
			s.UncitedClaims = append(s.UncitedClaims, fmt.Sprintf("finding %q: %s", f.StepName, f.Details))
		}
	}
	if len(in.Hypotheses) == 0 {
		s.Reasoning = 1
		for _, f := range in.Findings {
			if f.Result.Failing() {
				s.Reasoning = 0.5
				s.Reasons = append(s.Reasons, Reason{Code: ReasonNotGrounded, Details: "failing checks explained by no hypothesis"})
				break
			}
		}
	} else {
		total := 0.0
		for _, h := range in.Hypotheses {
			valid := 0
			for _, ref := range h.EvidenceRefs {
				if b.HasRef(ref) {
					valid++
					cited[ref] = struct{}{}
				}
			}
			if len(h.EvidenceRefs) > 0 {
				total += float64(valid) / float64(len(h.EvidenceRefs))
			}
			if valid == 0 {
				s.UncitedClaims = append(s.UncitedClaims, fmt.Sprintf("hypothesis %q", h.Summary))
			}
		}
		s.Reasoning = total / float64(len(in.Hypotheses))
		if s.Reasoning < 1 {
			s.Reasons = append(s.Reasons, Reason{
				Code:    ReasonNotGrounded,
				Details: fmt.Sprintf("grounding ratio %.0f%%", s.Reasoning*100),
			})
		}
	}
	for _, c := range s.UncitedClaims {
		s.Reasons = append(s.Reasons, Reason{Code: ReasonUncitedClaim, Details: "uncited " + c})
	}
	s.CitedEvidence = len(cited)

	raw := 100 * (EvidenceWeight*s.Evidence + ReasoningWeight*s.Reasoning + CoverageWeight*s.Coverage)
	s.Value = int(math.Round(raw)) - UncitedPenalty*len(s.UncitedClaims)
	return s, cited
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Threshold returns the minimum score for kind in domain.
func (g *Gate) Threshold(kind Kind, domain types.Domain) int {
	switch kind {
	case KindMutation:
		return g.cfg.MutationThreshold(string(domain))
	case KindRecommendation:
		return g.cfg.Recommendation
	default:
		return g.cfg.ReadOnly
	}
}

// Decide applies the threshold for kind. Answers below threshold are
// delivered with a disclaimer; mutations below threshold, or resting on no
// cited evidence, are refused.
func (g *Gate) Decide(kind Kind, domain types.Domain, s Score) Decision {
	d := Decision{Kind: kind, Threshold: g.Threshold(kind, domain), Score: s, Verdict: Deliver}

	below := s.Value < d.Threshold
	if kind == KindMutation && s.CitedEvidence == 0 {
		below = true
	}
	if !below {
		return d
	}

	if kind != KindMutation {
		d.Verdict = DeliverWithDisclaimer
		d.Disclaimer = fmt.Sprintf("Low confidence (%d%%, below %d%%): %s", s.Value, d.Threshold, s.Rationale())
		logging.Reliability("Delivering %s with disclaimer: %s", kind, s.Rationale())
		return d
	}

	d.Verdict = Refuse
	for _, ref := range s.MissingTopics {
		d.Advice = append(d.Advice, "collect "+ref)
	}
	if s.CitedEvidence == 0 {
		d.Advice = append(d.Advice, "confirm the diagnosis with evidence that supports the chosen playbook")
	}
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditReliabilityRefuse,
		Message: fmt.Sprintf("mutation refused at %d (threshold %d)", s.Value, d.Threshold),
	})
	return d
}
