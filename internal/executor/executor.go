// Package executor drives a mutation plan through its lifecycle:
//
//	planned -> preflight_ok -> confirmed -> applied -> verified_ok | rolled_back
//
// A single Lock serializes mutations. It is taken when the confirmation is
// accepted and released when the run reaches a terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hostmedic/internal/logging"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

// DefaultConfirmTimeout bounds the wait for a confirmation phrase.
const DefaultConfirmTimeout = 2 * time.Minute

// Checker evaluates preflight and postchecks. *playbook.Host implements it.
type Checker interface {
	Evaluate(ctx context.Context, c playbook.Check) playbook.CheckResult
}

// Prompt is what the confirmation channel shows the user.
type Prompt struct {
	PlaybookID string
	Risk       types.RiskTier
	Phrase     string
	Preview    string
}

// Confirmer obtains the user's confirmation text. Implementations must
// return promptly once ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (string, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, p Prompt) (string, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Answer returns a Confirmer that always replies with text.
func Answer(text string) Confirmer {
	return ConfirmerFunc(func(context.Context, Prompt) (string, error) { return text, nil })
}

// Executor runs plans. One Executor may serve many runs; the shared Lock
// keeps at most one of them past confirmation.
type Executor struct {
	gate           *policy.Gate
	cmds           tactile.Executor
	checker        Checker
	lock           Lock
	confirmTimeout time.Duration
	now            func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfirmTimeout sets the confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New returns an executor. The lock is owned by the caller and may be shared
// with other executors.
func New(gate *policy.Gate, cmds tactile.Executor, checker Checker, lock Lock, opts ...Option) *Executor {
	e := &Executor{
		gate:           gate,
		cmds:           cmds,
		checker:        checker,
		lock:           lock,
		confirmTimeout: DefaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan end to end. The returned Run is always non-nil and
// records how far the plan got; the error is classified with types.Kind.
// Only a failed rollback is fatal (types.IsFatal).
func (e *Executor) Execute(ctx context.Context, plan *playbook.Plan, confirmer Confirmer) (*Run, error) {
	run := NewRun(plan, e.now())

	decision := e.gate.Evaluate(plan)
	if decision.Blocked {
		run.Blocked = true
		return run, run.fail(types.NewError(types.KindPolicyBlocked, "execute", "%s", decision.Reason))
	}
	if holder := e.lock.Holder(); holder != "" {
		return run, run.fail(changeInProgress(holder))
	}

	if err := e.Preflight(ctx, run); err != nil {
		return run, err
	}
	if err := e.Confirm(ctx, run, decision, confirmer); err != nil {
		return run, err
	}
	return run, e.Apply(ctx, run)
}

func changeInProgress(holder string) error {
	return types.NewError(types.KindChangeInProgress, "execute",
		"a change is already in progress (%s)", holder)
}

// =============================================================================
// PLANNED -> PREFLIGHT_OK
// =============================================================================

// Preflight evaluates every preflight check in order and stops at the first
// failure. Nothing on the host changes here.
func (e *Executor) Preflight(ctx context.Context, run *Run) error {
	const op = "preflight"
	if run.State != StatePlanned {
		return run.fail(types.NewError(types.KindInternal, op, "run is %s, want %s", run.State, StatePlanned))
	}
	run.PreflightResults = nil
	for _, c := range run.plan.Preflight {
		res := e.checker.Evaluate(ctx, c)
		run.PreflightResults = append(run.PreflightResults, res)
		if !res.Passed {
			logging.Executor("Preflight %q failed for %s: %s", c.Description, run.PlaybookID, res.Details)
			return run.fail(types.NewError(types.KindPreflightFailed, op,
				"check %q failed: %s", c.Description, res.Details))
		}
	}
	run.move(StatePreflightOK, e.now(), fmt.Sprintf("%d checks passed", len(run.PreflightResults)))
	return nil
}

// =============================================================================
// PREFLIGHT_OK -> CONFIRMED
// =============================================================================

// Confirm waits, bounded by the confirm timeout, for the exact phrase the
// decision requires. A mismatch or timeout returns the run to planned so it
// can be confirmed again. On success the mutation lock is held until the run
// reaches a terminal state.
func (e *Executor) Confirm(ctx context.Context, run *Run, decision policy.Decision, confirmer Confirmer) error {
	const op = "confirm"
	if run.State != StatePreflightOK {
		return run.fail(types.NewError(types.KindInternal, op, "run is %s, want %s", run.State, StatePreflightOK))
	}
	if decision.Blocked {
		run.Blocked = true
		return run.fail(types.NewError(types.KindPolicyBlocked, op, "%s", decision.Reason))
	}

	input := ""
	if decision.NeedsConfirmation() {
		var err error
		input, err = e.ask(ctx, run, decision, confirmer)
		if err != nil {
			run.move(StatePlanned, e.now(), "confirmation not received")
			return run.fail(err)
		}
	}
	if err := e.gate.Confirm(decision, input); err != nil {
		run.move(StatePlanned, e.now(), "confirmation rejected")
		return run.fail(err)
	}

	if !e.lock.TryAcquire(run.PlaybookID) {
		run.move(StatePlanned, e.now(), "mutation lock held")
		return run.fail(changeInProgress(e.lock.Holder()))
	}
	run.release = e.lock.Release
	run.move(StateConfirmed, e.now(), "confirmation accepted")
	return nil
}

func (e *Executor) ask(ctx context.Context, run *Run, decision policy.Decision, confirmer Confirmer) (string, error) {
	if confirmer == nil {
		return "", types.NewError(types.KindConfirmationMismatch, "confirm",
			"no confirmation channel; type exactly %q", decision.Phrase)
	}
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	prompt := Prompt{
		PlaybookID: run.PlaybookID,
		Risk:       run.Risk,
		Phrase:     decision.Phrase,
		Preview:    run.plan.Preview(decision.Phrase),
	}
	go func() {
		text, err := confirmer.Confirm(ctx, prompt)
		ch <- reply{text, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return "", timeout(ctx, e.confirmTimeout)
			}
			return "", types.WrapError(types.KindConfirmationMismatch, "confirm", r.err)
		}
		return r.text, nil
	case <-ctx.Done():
		return "", timeout(ctx, e.confirmTimeout)
	}
}

func timeout(ctx context.Context, d time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.KindConfirmationTimeout, "confirm", "no confirmation within %s", d)
	}
	return types.WrapError(types.KindConfirmationTimeout, "confirm", ctx.Err())
}

// =============================================================================
// CONFIRMED -> APPLIED -> VERIFIED_OK | ROLLED_BACK
// =============================================================================

// Apply executes the steps in order, halting at the first failure, then
// verifies with the postchecks. A failed step or postcheck triggers exactly
// one rollback. The mutation lock is released before Apply returns.
func (e *Executor) Apply(ctx context.Context, run *Run) error {
	const op = "apply"
	if run.State != StateConfirmed {
		return run.fail(types.NewError(types.KindInternal, op, "run is %s, want %s", run.State, StateConfirmed))
	}
	defer e.releaseLock(run)

	plan := run.plan
	logging.Audit(logging.AuditEvent{
		Type: logging.AuditMutationStart, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
		Success: true, Message: fmt.Sprintf("applying %d steps", len(plan.Steps)),
	})

	var stepErr error
	for i, s := range plan.Steps {
		rec := e.runStep(ctx, i, s)
		run.ExecutedSteps = append(run.ExecutedSteps, rec)
		logging.Audit(logging.AuditEvent{
			Type: logging.AuditMutationStep, Playbook: plan.PlaybookID, Success: rec.Ok,
			Duration: rec.Duration, Message: fmt.Sprintf("step %d: %s", i+1, rec.Summary),
		})
		if !rec.Ok {
			stepErr = types.NewError(types.KindExecutionFailed, op,
				"step %d (%s) failed: %s", i+1, s.Description, rec.Summary)
			break
		}
	}
	run.move(StateApplied, e.now(), fmt.Sprintf("%d of %d steps executed", len(run.ExecutedSteps), len(plan.Steps)))

	if stepErr != nil {
		logging.Executor("Halting %s: %v", plan.PlaybookID, stepErr)
		return e.rollback(ctx, run, stepErr)
	}

	for _, c := range plan.Postchecks {
		res := e.checker.Evaluate(ctx, c)
		run.PostcheckResults = append(run.PostcheckResults, res)
		if !res.Passed {
			return e.rollback(ctx, run, types.NewError(types.KindPostcheckFailed, op,
				"postcheck %q failed: %s", c.Description, res.Details))
		}
	}

	run.move(StateVerifiedOK, e.now(), "all postchecks passed")
	logging.Audit(logging.AuditEvent{
		Type: logging.AuditMutationComplete, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
		Success: true, Duration: run.FinishedAt.Sub(run.StartedAt), Message: "verified",
	})
	logging.Executor("%s verified", plan.PlaybookID)
	return nil
}

func (e *Executor) runStep(ctx context.Context, i int, s playbook.Step) StepRecord {
	rec := StepRecord{Index: i, Description: s.Description, Forward: s.Forward.CommandString(), ExitCode: -1}
	if s.HasRollback() {
		rec.Rollback = s.Rollback.CommandString()
	}
	cmd := s.Forward
	if s.Timeout > 0 {
		cmd.Timeout = s.Timeout
	}
	logging.ExecutorDebug("step %d: %s", i+1, rec.Forward)
	res, err := e.cmds.Execute(ctx, cmd)
	if err != nil {
		rec.Summary = err.Error()
		return rec
	}
	rec.ExitCode = res.ExitCode
	rec.Duration = res.Duration
	rec.Ok = res.Ok()
	rec.Summary = res.Summary()
	return rec
}

// rollback undoes the executed steps in reverse order. It ignores
// cancellation of ctx and runs to completion; a failed rollback is fatal and
// carries the manual recovery commands.
func (e *Executor) rollback(ctx context.Context, run *Run, cause error) error {
	const op = "rollback"
	ctx = context.WithoutCancel(ctx)
	plan := run.plan
	run.RollbackPerformed = true

	logging.Audit(logging.AuditEvent{
		Type: logging.AuditRollbackStart, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
		Message: cause.Error(),
	})

	var failed []string
	for i := len(run.ExecutedSteps) - 1; i >= 0; i-- {
		s := plan.Steps[run.ExecutedSteps[i].Index]
		if !s.HasRollback() {
			continue
		}
		cmd := *s.Rollback
		if s.Timeout > 0 {
			cmd.Timeout = s.Timeout
		}
		rec := RollbackRecord{Step: run.ExecutedSteps[i].Index, Command: cmd.CommandString(), ExitCode: -1}
		res, err := e.cmds.Execute(ctx, cmd)
		if err != nil {
			rec.Summary = err.Error()
		} else {
			rec.ExitCode = res.ExitCode
			rec.Ok = res.Ok()
			rec.Summary = res.Summary()
		}
		run.RollbackSteps = append(run.RollbackSteps, rec)
		if !rec.Ok {
			failed = append(failed, rec.Command)
		}
	}

	checksFailed := ""
	if len(failed) == 0 {
		checksFailed = e.verifyRestored(ctx, run)
	}

	run.RollbackOK = len(failed) == 0 && checksFailed == ""
	run.move(StateRolledBack, e.now(), "rollback after: "+cause.Error())

	if !run.RollbackOK {
		msg := fmt.Sprintf("rollback of %s failed after %v", plan.PlaybookID, cause)
		recovery := strings.Join(failed, " && ")
		if len(failed) == 0 {
			msg = fmt.Sprintf("rollback of %s ran but check %q still fails after %v", plan.PlaybookID, checksFailed, cause)
			recovery = plan.ManualRecovery()
		}
		fatal := &types.Error{Kind: types.KindRollbackFailed, Op: op, Message: msg, Recovery: recovery}
		logging.Audit(logging.AuditEvent{
			Type: logging.AuditRollbackFailed, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
			Message: msg, Err: fatal,
		})
		logging.Get(logging.CategoryExecutor).Error("%v", fatal)
		return run.fail(fatal)
	}

	logging.Audit(logging.AuditEvent{
		Type: logging.AuditRollbackComplete, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
		Success: true, Message: fmt.Sprintf("%d rollback commands succeeded", len(run.RollbackSteps)),
	})
	logging.Executor("Rolled back %s after: %v", plan.PlaybookID, cause)
	return run.fail(cause)
}

// verifyRestored checks that every executed step is back in its prior state,
// then re-runs the preflight. It returns the first failing check.
func (e *Executor) verifyRestored(ctx context.Context, run *Run) string {
	plan := run.plan
	var checks []playbook.Check
	for i := len(run.ExecutedSteps) - 1; i >= 0; i-- {
		if c := plan.Steps[run.ExecutedSteps[i].Index].RestoreCheck; c != nil {
			checks = append(checks, *c)
		}
	}
	checks = append(checks, plan.Preflight...)

	first := ""
	for _, c := range checks {
		res := e.checker.Evaluate(ctx, c)
		run.RollbackChecks = append(run.RollbackChecks, res)
		if !res.Passed && first == "" {
			first = c.Description
		}
	}
	return first
}

func (e *Executor) releaseLock(run *Run) {
	if run.release != nil {
		run.release()
		run.release = nil
	}
}

// Abandon releases the lock of a confirmed run that will not be applied and
// returns it to planned. It is a no-op in any other state.
func (e *Executor) Abandon(run *Run) {
	if run.State != StateConfirmed {
		return
	}
	e.releaseLock(run)
	run.move(StatePlanned, e.now(), "abandoned before apply")
}
