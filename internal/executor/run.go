package executor

import (
	"time"

	"hostmedic/internal/playbook"
	"hostmedic/internal/types"
)

// State is a position in the mutation lifecycle.
type State string

const (
	StatePlanned     State = "planned"
	StatePreflightOK State = "preflight_ok"
	StateConfirmed   State = "confirmed"
	StateApplied     State = "applied"
	StateVerifiedOK  State = "verified_ok"
	StateRolledBack  State = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerifiedOK || s == StateRolledBack
}

// Outcome summarizes how a run ended, for the status interface.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeBlocked    Outcome = "blocked"
	// OutcomeAborted covers runs that stopped before any change: failed
	// preflight, refused or timed-out confirmation, lock contention.
	OutcomeAborted Outcome = "aborted"
)

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// StepRecord is the trace of one executed forward step.
type StepRecord struct {
	Index       int           `json:"index"`
	Description string        `json:"description"`
	Forward     string        `json:"forward"`
	Rollback    string        `json:"rollback,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Ok          bool          `json:"ok"`
	Summary     string        `json:"summary"`
	Duration    time.Duration `json:"duration"`
}

// RollbackRecord is the trace of one rollback command.
type RollbackRecord struct {
	Step     int    `json:"step"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Ok       bool   `json:"ok"`
	Summary  string `json:"summary"`
}

// Run is one pass of a plan through the lifecycle. It is owned by the caller
// that started it and is not safe for concurrent use.
type Run struct {
	PlaybookID string         `json:"playbook_id"`
	Risk       types.RiskTier `json:"risk"`
	State      State          `json:"state"`
	Blocked    bool           `json:"blocked,omitempty"`

	PreflightResults  []playbook.CheckResult `json:"preflight_results"`
	PostcheckResults  []playbook.CheckResult `json:"postcheck_results"`
	ExecutedSteps     []StepRecord           `json:"executed_steps"`
	RollbackPerformed bool                   `json:"rollback_performed"`
	RollbackSteps     []RollbackRecord       `json:"rollback_steps,omitempty"`
	// RollbackChecks hold the prior-state checks of the undone steps followed
	// by the re-run preflight.
	RollbackChecks []playbook.CheckResult `json:"rollback_checks,omitempty"`
	RollbackOK     bool                   `json:"rollback_ok,omitempty"`

	ErrorKind      types.Kind `json:"error_kind,omitempty"`
	Error          string     `json:"error,omitempty"`
	ManualRecovery string     `json:"manual_recovery,omitempty"`

	History    []Transition `json:"history"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`

	plan    *playbook.Plan
	release func()
}

// NewRun starts a run for plan in StatePlanned.
func NewRun(plan *playbook.Plan, now time.Time) *Run {
	return &Run{
		PlaybookID: plan.PlaybookID,
		Risk:       plan.Risk,
		State:      StatePlanned,
		StartedAt:  now,
		plan:       plan,
	}
}

// Plan returns the plan this run executes.
func (r *Run) Plan() *playbook.Plan { return r.plan }

// Outcome reports how the run ended.
func (r *Run) Outcome() Outcome {
	switch {
	case r.Blocked:
		return OutcomeBlocked
	case r.State == StateVerifiedOK:
		return OutcomeSuccess
	case r.State == StateRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomeAborted
	}
}

// Mutated reports whether any forward step was attempted.
func (r *Run) Mutated() bool {
	return len(r.ExecutedSteps) > 0
}

func (r *Run) move(to State, at time.Time, note string) {
	r.History = append(r.History, Transition{From: r.State, To: to, At: at, Note: note})
	r.State = to
	if to.Terminal() {
		r.FinishedAt = at
	}
}

func (r *Run) fail(err error) error {
	if err == nil {
		return nil
	}
	r.ErrorKind = types.KindOf(err)
	r.Error = err.Error()
	if rec := types.RecoveryOf(err); rec != "" {
		r.ManualRecovery = rec
	}
	return err
}
