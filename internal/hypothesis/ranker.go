// Package hypothesis turns diagnosis findings into at most three ranked,
// evidence-backed root-cause hypotheses.
package hypothesis

import (
	"sort"

	"hostmedic/internal/diagnosis"
	"hostmedic/internal/logging"
	"hostmedic/internal/types"
)

// Confidence model.
const (
	// DirectBase applies when at least one supporting finding is a Fail.
	DirectBase = 70
	// IndirectBase applies when support is only Partial findings.
	IndirectBase = 50
	// CorroborationBonus is added per supporting finding beyond the first.
	CorroborationBonus = 10
	MaxCorroboration   = 20
	// ContradictionPenalty is subtracted per passing finding that refutes the cause.
	ContradictionPenalty = 25
)

// Ranker groups failing findings by the root cause they point at.
type Ranker struct {
	lookup  func(id string) (diagnosis.Cause, bool)
	allowed func(playbookID string) bool
}

// NewRanker returns a ranker backed by the built-in cause catalog.
func NewRanker() *Ranker {
	return &Ranker{lookup: diagnosis.LookupCause}
}

// WithAllowedPlaybooks restricts suggested playbooks to those the selected
// specialist may run. Other suggestions are dropped from the hypothesis.
func (r *Ranker) WithAllowedPlaybooks(allowed func(string) bool) *Ranker {
	out := *r
	out.allowed = allowed
	return &out
}

type group struct {
	cause      string
	direct     bool
	supporting []types.Finding
	refuting   int
}

// Rank returns hypotheses sorted by descending confidence, capped at
// types.MaxHypotheses. Causes whose confidence drops to zero are discarded.
func (r *Ranker) Rank(findings []types.Finding) []types.Hypothesis {
	groups := make(map[string]*group)
	order := []string{}
	get := func(id string) *group {
		g, ok := groups[id]
		if !ok {
			g = &group{cause: id}
			groups[id] = g
			order = append(order, id)
		}
		return g
	}

	for _, f := range findings {
		if f.Result.Failing() {
			for _, c := range f.Causes {
				g := get(c)
				g.supporting = append(g.supporting, f)
				if f.Result == types.ResultFail {
					g.direct = true
				}
			}
		}
	}
	for _, f := range findings {
		if f.Result != types.ResultPass {
			continue
		}
		for _, c := range f.Refutes {
			if g, ok := groups[c]; ok {
				g.refuting++
			}
		}
	}

	var out []types.Hypothesis
	supportCount := make(map[string]int)
	for _, id := range order {
		g := groups[id]
		conf := confidence(g)
		if conf <= 0 {
			logging.Ranker("Discarding %s: contradicted by %d passing findings", id, g.refuting)
			continue
		}
		out = append(out, r.build(g, conf))
		supportCount[id] = len(g.supporting)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if supportCount[out[i].CauseID] != supportCount[out[j].CauseID] {
			return supportCount[out[i].CauseID] > supportCount[out[j].CauseID]
		}
		return out[i].CauseID < out[j].CauseID
	})
	if len(out) > types.MaxHypotheses {
		for _, h := range out[types.MaxHypotheses:] {
			logging.Ranker("Dropping %s (%d%%): over the hypothesis cap", h.CauseID, h.Confidence)
		}
		out = out[:types.MaxHypotheses]
	}
	return out
}

func confidence(g *group) int {
	base := IndirectBase
	if g.direct {
		base = DirectBase
	}
	bonus := CorroborationBonus * (len(g.supporting) - 1)
	if bonus > MaxCorroboration {
		bonus = MaxCorroboration
	}
	v := base + bonus - ContradictionPenalty*g.refuting
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func (r *Ranker) build(g *group, conf int) types.Hypothesis {
	h := types.Hypothesis{
		CauseID:    g.cause,
		Summary:    g.cause,
		Confidence: conf,
	}
	refs := make(map[string]struct{})
	for _, f := range g.supporting {
		h.SupportingSteps = append(h.SupportingSteps, f.StepName)
		for _, ref := range f.EvidenceRefs {
			refs[ref] = struct{}{}
		}
	}
	for ref := range refs {
		h.EvidenceRefs = append(h.EvidenceRefs, ref)
	}
	sort.Strings(h.EvidenceRefs)

	if c, ok := r.lookup(g.cause); ok {
		h.Summary = c.Summary
		h.ConfirmOrRefuteTest = c.Test
		if c.Playbook != "" && (r.allowed == nil || r.allowed(c.Playbook)) {
			h.SuggestedPlaybook = c.Playbook
		}
	}
	return h
}
