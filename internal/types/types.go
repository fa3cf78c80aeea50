// Package types provides shared type definitions used across hostmedic packages.
// This package exists so the pipeline stages (selector, diagnosis, ranker,
// planner, executor, ledger) can exchange values without importing each other.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// DOMAINS
// =============================================================================

// Domain is the closed set of diagnostic domains a specialist can belong to.
// New domains are added by extending this set and registering a check sequence
// with the diagnosis engine.
type Domain string

const (
	DomainNetwork  Domain = "network"
	DomainStorage  Domain = "storage"
	DomainAudio    Domain = "audio"
	DomainBoot     Domain = "boot"
	DomainGraphics Domain = "graphics"
)

// AllDomains returns every known domain in a stable order.
func AllDomains() []Domain {
	return []Domain{DomainNetwork, DomainStorage, DomainAudio, DomainBoot, DomainGraphics}
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	for _, known := range AllDomains() {
		if d == known {
			return true
		}
	}
	return false
}

// ParseDomain converts a string to a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// =============================================================================
// FINDINGS
// =============================================================================

// StepResult is the outcome of a single diagnosis check.
type StepResult string

const (
	ResultPass    StepResult = "pass"
	ResultFail    StepResult = "fail"
	ResultPartial StepResult = "partial"
	ResultSkipped StepResult = "skipped"
)

// Failing reports whether the result points at a problem.
func (r StepResult) Failing() bool {
	return r == ResultFail || r == ResultPartial
}

// Severity grades how much a finding matters to the user.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Finding is the result of one diagnosis check. Findings form an ordered,
// append-only list per run.
type Finding struct {
	StepName     string     `json:"step_name"`
	Result       StepResult `json:"result"`
	Severity     Severity   `json:"severity"`
	Details      string     `json:"details"`
	Implication  string     `json:"implication"`
	EvidenceRefs []string   `json:"evidence_refs,omitempty"`

	// Causes lists the root-cause ids this finding supports when failing.
	Causes []string `json:"causes,omitempty"`
	// Refutes lists the root-cause ids this finding contradicts when passing.
	Refutes []string `json:"refutes,omitempty"`
}

// =============================================================================
// HYPOTHESES
// =============================================================================

// MaxHypotheses is the hard cap on hypotheses per run.
const MaxHypotheses = 3

// Hypothesis is a ranked, evidence-backed candidate root cause.
type Hypothesis struct {
	CauseID             string   `json:"cause_id"`
	Summary             string   `json:"summary"`
	Confidence          int      `json:"confidence"`
	EvidenceRefs        []string `json:"evidence_refs,omitempty"`
	ConfirmOrRefuteTest string   `json:"confirm_or_refute_test,omitempty"`
	SuggestedPlaybook   string   `json:"suggested_playbook,omitempty"`
	SupportingSteps     []string `json:"supporting_steps,omitempty"`
}

// =============================================================================
// RISK
// =============================================================================

// RiskTier classifies a mutation plan and drives confirmation and policy gating.
type RiskTier string

const (
	RiskReadOnly RiskTier = "read_only"
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
)

// Rank orders risk tiers from ReadOnly (0) to High (3). Unknown tiers rank as High.
func (r RiskTier) Rank() int {
	switch r {
	case RiskReadOnly:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	default:
		return 3
	}
}

// Max returns the riskier of the two tiers.
func (r RiskTier) Max(other RiskTier) RiskTier {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// ParseRiskTier converts a string to a RiskTier.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskReadOnly, "readonly", "read-only":
		return RiskReadOnly, nil
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}
