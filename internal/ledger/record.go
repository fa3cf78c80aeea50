package ledger

import (
	"time"

	"hostmedic/internal/evidence"
	"hostmedic/internal/executor"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/reliability"
	"hostmedic/internal/selector"
	"hostmedic/internal/types"
)

// Outcome is the terminal classification of a case.
type Outcome string

const (
	OutcomeOpen       Outcome = "open"
	OutcomeNoMatch    Outcome = "no_match"
	OutcomeDiagnosed  Outcome = "diagnosed"
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeRefused    Outcome = "refused"
	OutcomeAborted    Outcome = "aborted"
	OutcomeFailed     Outcome = "failed"
)

// Stage names used in StageTiming.
const (
	StageSelect          = "select"
	StageCollectEvidence = "collect_evidence"
	StageDiagnose        = "diagnose"
	StageRank            = "rank"
	StagePlan            = "plan"
	StageGate            = "gate"
	StageExecute         = "execute"
	StageClose           = "close"
)

// StageTiming records how long one pipeline stage took and how it ended.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Detail   string        `json:"detail,omitempty"`
}

// CaseRecord is the persisted audit trail of one request. Lists only grow;
// the identity fields and any recorded selection or plan never change.
type CaseRecord struct {
	RunID       string `json:"run_id"`
	RequestText string `json:"request_text"`
	Specialist  string `json:"specialist,omitempty"`
	CaseFile    string `json:"case_file"`

	Selection     *selector.Selection `json:"selection,omitempty"`
	Clarification string              `json:"clarification,omitempty"`

	Evidence          []evidence.Item       `json:"evidence,omitempty"`
	Findings          []types.Finding       `json:"findings,omitempty"`
	SecondaryFindings []types.Finding       `json:"secondary_findings,omitempty"`
	Hypotheses        []types.Hypothesis    `json:"hypotheses,omitempty"`
	Diagnosis         *reliability.Decision `json:"diagnosis_reliability,omitempty"`

	ChosenPlan  *playbook.Plan        `json:"chosen_plan,omitempty"`
	Gate        *policy.Decision      `json:"gate,omitempty"`
	Mutation    *reliability.Decision `json:"mutation_reliability,omitempty"`
	MutationRun *executor.Run         `json:"mutation_run,omitempty"`

	// Reliability is the final score the outcome was delivered under.
	Reliability *reliability.Score `json:"reliability,omitempty"`

	Outcome        Outcome    `json:"outcome"`
	ErrorKind      types.Kind `json:"error_kind,omitempty"`
	Error          string     `json:"error,omitempty"`
	ManualRecovery string     `json:"manual_recovery,omitempty"`

	Timings   []StageTiming `json:"timings,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`

	// Digest is the sha256 of the RFC 8785 canonical form of the record
	// with Digest empty.
	Digest string `json:"digest,omitempty"`
}

// Closed reports whether the case reached a terminal outcome.
func (r *CaseRecord) Closed() bool {
	return r.ClosedAt != nil
}

// RollbackPerformed reports whether a mutation in this case was rolled back.
func (r *CaseRecord) RollbackPerformed() bool {
	return r.MutationRun != nil && r.MutationRun.RollbackPerformed
}

// AddTiming appends a stage timing.
func (r *CaseRecord) AddTiming(stage, status string, d time.Duration, detail string) {
	r.Timings = append(r.Timings, StageTiming{Stage: stage, Status: status, Duration: d, Detail: detail})
}

// Fail records a classified error on the case.
func (r *CaseRecord) Fail(err error) {
	if err == nil {
		return
	}
	r.ErrorKind = types.KindOf(err)
	r.Error = err.Error()
	if rec := types.RecoveryOf(err); rec != "" {
		r.ManualRecovery = rec
	}
}
