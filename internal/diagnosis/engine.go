// Package diagnosis runs a specialist's fixed, ordered check sequence against
// its evidence bundle.
//
// Specialists are data; the checks are a closed set of step sequences keyed by
// domain tag. A check reads only the topics it declares. When a declared topic
// is missing or skipped the check yields a Skipped finding instead of guessing.
package diagnosis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hostmedic/internal/evidence"
	"hostmedic/internal/logging"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

// Outcome is what a check concludes from its evidence.
type Outcome struct {
	Result      types.StepResult
	Severity    types.Severity
	Details     string
	Implication string
	Causes      []string
	Refutes     []string
}

// Check is one diagnosis step.
type Check struct {
	Name string
	// Topics must all be present for the check to run.
	Topics []evidence.Topic
	// Optional topics are visible to the check when collected.
	Optional []evidence.Topic
	// SkipImplication explains what is lost when the check cannot run.
	SkipImplication string
	Run             func(b *evidence.Bundle) Outcome
}

// Report is the result of one diagnosis.
type Report struct {
	SpecialistID    string           `json:"specialist_id"`
	Domain          types.Domain     `json:"domain"`
	Findings        []types.Finding  `json:"findings"`
	MissingEvidence []evidence.Topic `json:"missing_evidence,omitempty"`
	Health          string           `json:"health"`
}

// Failing returns the findings that point at a problem.
func (r Report) Failing() []types.Finding {
	var out []types.Finding
	for _, f := range r.Findings {
		if f.Result.Failing() {
			out = append(out, f)
		}
	}
	return out
}

const (
	MinSteps = 3
	MaxSteps = 6
)

// Engine maps domain tags to check sequences.
type Engine struct {
	sequences map[types.Domain][]Check
}

// NewEngine returns an engine with every built-in domain registered.
func NewEngine() *Engine {
	e := &Engine{sequences: make(map[types.Domain][]Check)}
	for domain, checks := range map[types.Domain][]Check{
		types.DomainAudio:    audioChecks(),
		types.DomainNetwork:  networkChecks(),
		types.DomainStorage:  storageChecks(),
		types.DomainBoot:     bootChecks(),
		types.DomainGraphics: graphicsChecks(),
	} {
		if err := e.Register(domain, checks); err != nil {
			panic(err)
		}
	}
	return e
}

// Register installs the check sequence for a domain.
func (e *Engine) Register(domain types.Domain, checks []Check) error {
	if len(checks) < MinSteps || len(checks) > MaxSteps {
		return fmt.Errorf("domain %s: sequence must have %d-%d steps, got %d", domain, MinSteps, MaxSteps, len(checks))
	}
	for _, c := range checks {
		if c.Run == nil || c.Name == "" || len(c.Topics) == 0 {
			return fmt.Errorf("domain %s: check %q is incomplete", domain, c.Name)
		}
		for _, t := range append(append([]evidence.Topic(nil), c.Topics...), c.Optional...) {
			if err := evidence.ValidateTopic(domain, t); err != nil {
				return fmt.Errorf("check %q: %w", c.Name, err)
			}
		}
	}
	e.sequences[domain] = append([]Check(nil), checks...)
	return nil
}

// Steps returns the ordered step names for a domain.
func (e *Engine) Steps(domain types.Domain) []string {
	checks := e.sequences[domain]
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = c.Name
	}
	return out
}

// Diagnose runs def's domain sequence against b.
func (e *Engine) Diagnose(ctx context.Context, def registry.Definition, b *evidence.Bundle) (Report, error) {
	checks, ok := e.sequences[def.Domain]
	if !ok {
		return Report{}, types.NewError(types.KindInternal, "diagnose", "no check sequence for domain %s", def.Domain)
	}
	if b == nil || b.Domain() != def.Domain {
		return Report{}, types.NewError(types.KindInternal, "diagnose", "evidence bundle does not belong to domain %s", def.Domain)
	}

	report := Report{
		SpecialistID:    def.ID,
		Domain:          def.Domain,
		Findings:        make([]types.Finding, 0, len(checks)),
		MissingEvidence: b.Missing(def.RequiredEvidence),
	}
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		report.Findings = append(report.Findings, runCheck(c, b))
	}
	report.Health = health(report.Findings)

	if len(report.MissingEvidence) > 0 {
		logging.Get(logging.CategoryDiagnosis).Warn("%s: required evidence missing: %v", def.ID, report.MissingEvidence)
	}
	logging.Diagnosis("%s diagnosis complete: %d findings, health=%s", def.ID, len(report.Findings), report.Health)
	return report, nil
}

func runCheck(c Check, b *evidence.Bundle) types.Finding {
	visible := append(append([]evidence.Topic(nil), c.Topics...), c.Optional...)
	refs := presentRefs(b, visible)

	if missing := b.Missing(c.Topics); len(missing) > 0 {
		implication := c.SkipImplication
		if implication == "" {
			implication = "This step could not be verified, so conclusions that depend on it carry less confidence."
		}
		return types.Finding{
			StepName:     c.Name,
			Result:       types.ResultSkipped,
			Severity:     types.SeverityWarning,
			Details:      "evidence unavailable: " + describeMissing(b, missing),
			Implication:  implication,
			EvidenceRefs: refs,
		}
	}

	out := c.Run(b.Restrict(visible...))
	if out.Result == "" {
		out.Result = types.ResultSkipped
	}
	if out.Severity == "" {
		out.Severity = defaultSeverity(out.Result)
	}
	f := types.Finding{
		StepName:     c.Name,
		Result:       out.Result,
		Severity:     out.Severity,
		Details:      out.Details,
		Implication:  out.Implication,
		EvidenceRefs: refs,
	}
	if out.Result.Failing() {
		f.Causes = sortedUnique(out.Causes)
	}
	if out.Result == types.ResultPass {
		f.Refutes = sortedUnique(out.Refutes)
	}
	logging.DiagnosisDebug("step %q -> %s: %s", c.Name, f.Result, f.Details)
	return f
}

func presentRefs(b *evidence.Bundle, topics []evidence.Topic) []string {
	var refs []string
	for _, t := range topics {
		if b.Has(t) {
			refs = append(refs, b.Ref(t))
		}
	}
	return sortedUnique(refs)
}

func describeMissing(b *evidence.Bundle, missing []evidence.Topic) string {
	parts := make([]string, 0, len(missing))
	for _, t := range missing {
		if it, ok := b.Get(t); ok && it.SkipReason != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", t, it.SkipReason))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (not collected)", t))
	}
	return strings.Join(parts, ", ")
}

func defaultSeverity(r types.StepResult) types.Severity {
	switch r {
	case types.ResultFail:
		return types.SeverityError
	case types.ResultPartial, types.ResultSkipped:
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}

func health(findings []types.Finding) string {
	state := "healthy"
	for _, f := range findings {
		switch f.Result {
		case types.ResultFail:
			return "broken"
		case types.ResultPartial:
			state = "degraded"
		}
	}
	return state
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
