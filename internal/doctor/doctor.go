// Package doctor runs one request through the whole pipeline:
//
//	select → collect evidence → diagnose → rank → reliability (diagnosis)
//	  → [fix requested] plan → gate → reliability (mutation) → execute
//	  → close case
//
// Every stage is recorded in the case ledger as it completes. Failures below
// a failed rollback are converted into a case outcome; only a failed rollback
// is returned as an error.
package doctor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hostmedic/internal/diagnosis"
	"hostmedic/internal/evidence"
	"hostmedic/internal/executor"
	"hostmedic/internal/hypothesis"
	"hostmedic/internal/ledger"
	"hostmedic/internal/logging"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/registry"
	"hostmedic/internal/reliability"
	"hostmedic/internal/selector"
	"hostmedic/internal/types"
)

// Request is one problem report.
type Request struct {
	Text       string
	IntentTags []string

	// Fix asks for a repair after diagnosis. A request that names a
	// playbook directly, in Playbook or in its text, also asks for one.
	Fix      bool
	Playbook string
	Target   playbook.Target

	// Confirmer answers the confirmation prompt. Without one every
	// confirmation fails.
	Confirmer executor.Confirmer
}

// Result is what the caller sees of a handled request.
type Result struct {
	RunID    string
	CasePath string
	Outcome  ledger.Outcome

	Selection     *selector.Selection
	Clarification string

	Report     *diagnosis.Report
	Secondary  *diagnosis.Report
	Hypotheses []types.Hypothesis
	Diagnosis  *reliability.Decision

	Plan     *playbook.Plan
	Gate     *policy.Decision
	Mutation *reliability.Decision
	Run      *executor.Run

	// Err is the classified reason the request stopped short, if any.
	Err error
}

// Doctor wires the pipeline components together.
type Doctor struct {
	registry    *registry.Registry
	collector   *evidence.Collector
	engine      *diagnosis.Engine
	planner     *playbook.Planner
	gate        *policy.Gate
	executor    *executor.Executor
	reliability *reliability.Gate
	ledger      *ledger.Ledger
	now         func() time.Time
}

// Components are the collaborators a Doctor needs.
type Components struct {
	Registry    *registry.Registry
	Collector   *evidence.Collector
	Engine      *diagnosis.Engine
	Planner     *playbook.Planner
	Gate        *policy.Gate
	Executor    *executor.Executor
	Reliability *reliability.Gate
	Ledger      *ledger.Ledger
	Clock       func() time.Time
}

// New creates a Doctor.
func New(c Components) (*Doctor, error) {
	switch {
	case c.Registry == nil:
		return nil, fmt.Errorf("doctor: registry is required")
	case c.Collector == nil:
		return nil, fmt.Errorf("doctor: evidence collector is required")
	case c.Planner == nil || c.Gate == nil || c.Executor == nil:
		return nil, fmt.Errorf("doctor: planner, gate and executor are required")
	case c.Reliability == nil:
		return nil, fmt.Errorf("doctor: reliability gate is required")
	case c.Ledger == nil:
		return nil, fmt.Errorf("doctor: ledger is required")
	}
	d := &Doctor{
		registry:    c.Registry,
		collector:   c.Collector,
		engine:      c.Engine,
		planner:     c.Planner,
		gate:        c.Gate,
		executor:    c.Executor,
		reliability: c.Reliability,
		ledger:      c.Ledger,
		now:         c.Clock,
	}
	if d.engine == nil {
		d.engine = diagnosis.NewEngine()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Status returns the ledger summary.
func (d *Doctor) Status() (ledger.Status, error) {
	return d.ledger.Status()
}

// Ledger exposes the case ledger for read access.
func (d *Doctor) Ledger() *ledger.Ledger { return d.ledger }

// Registry exposes the specialist registry.
func (d *Doctor) Registry() *registry.Registry { return d.registry }

// Handle runs req through the pipeline and closes its case.
func (d *Doctor) Handle(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.IntentTags) == 0 {
		return nil, types.NewError(types.KindInvalidInput, "doctor", "empty request")
	}

	h := &handling{d: d, req: req, res: &Result{}}
	started := d.now()
	outcome := h.run(ctx)
	if h.res.RunID == "" {
		h.res.Outcome = outcome
		return h.res, h.res.Err
	}

	if err := h.record(func(r *ledger.CaseRecord) {
		r.AddTiming(ledger.StageClose, string(outcome), h.since(started), "")
	}); err != nil {
		return h.res, err
	}
	rec, err := d.ledger.Close(h.res.RunID, outcome)
	if err != nil {
		return h.res, err
	}
	h.res.Outcome = rec.Outcome
	logging.Doctor("Case %s closed as %s", rec.RunID, rec.Outcome)

	if types.IsFatal(h.res.Err) {
		return h.res, h.res.Err
	}
	return h.res, nil
}

// handling carries one request through the stages.
type handling struct {
	d   *Doctor
	req Request
	res *Result

	def    registry.Definition
	bundle *evidence.Bundle
}

// record appends to the open case; a ledger error aborts the request.
func (h *handling) record(fn func(*ledger.CaseRecord)) error {
	_, err := h.d.ledger.Update(h.res.RunID, func(r *ledger.CaseRecord) error {
		fn(r)
		return nil
	})
	return err
}

func (h *handling) since(start time.Time) time.Duration {
	return h.d.now().Sub(start)
}

// stop records err on the case and returns outcome.
func (h *handling) stop(outcome ledger.Outcome, stage string, start time.Time, err error) ledger.Outcome {
	h.res.Err = err
	if rerr := h.record(func(r *ledger.CaseRecord) {
		r.Fail(err)
		r.AddTiming(stage, string(outcome), h.since(start), string(types.KindOf(err)))
	}); rerr != nil {
		logging.Get(logging.CategoryDoctor).Error("Failed to record %s for %s: %v", stage, h.res.RunID, rerr)
	}
	return outcome
}

func (h *handling) run(ctx context.Context) ledger.Outcome {
	d := h.d

	// ===== SELECT =====
	start := d.now()
	snap := d.registry.Snapshot()
	sel, err := selector.Select(snap, selector.Request{Text: h.req.Text, IntentTags: h.req.IntentTags})
	if err != nil {
		return h.noMatch(snap, start, err)
	}
	h.def = sel.Primary
	h.res.Selection = &sel
	rec := &ledger.CaseRecord{
		RequestText: h.req.Text,
		Specialist:  sel.Primary.ID,
		CaseFile:    sel.Primary.CaseFileName,
		Selection:   &sel,
	}
	rec.AddTiming(ledger.StageSelect, "ok", h.since(start), sel.Reasoning)
	if err := d.ledger.Create(rec); err != nil {
		return h.abortUnrecorded(err)
	}
	h.res.RunID = rec.RunID
	h.res.CasePath, _ = d.ledger.Path(rec.RunID)
	logging.Doctor("Case %s: %s", rec.RunID, sel.Reasoning)

	// ===== EVIDENCE + DIAGNOSIS =====
	if outcome, ok := h.diagnose(ctx, sel); !ok {
		return outcome
	}

	// ===== RANK =====
	start = d.now()
	ranker := hypothesis.NewRanker().WithAllowedPlaybooks(h.def.AllowsPlaybook)
	hyps := ranker.Rank(h.res.Report.Findings)
	h.res.Hypotheses = hyps

	in := reliability.Input{Specialist: h.def, Bundle: h.bundle, Findings: h.res.Report.Findings, Hypotheses: hyps}
	score := d.reliability.ScoreDiagnosis(in)
	kind := reliability.KindAnswer
	for _, hyp := range hyps {
		if hyp.SuggestedPlaybook != "" {
			kind = reliability.KindRecommendation
			break
		}
	}
	verdict := d.reliability.Decide(kind, h.def.Domain, score)
	h.res.Diagnosis = &verdict
	if err := h.record(func(r *ledger.CaseRecord) {
		r.Hypotheses = append(r.Hypotheses, hyps...)
		r.Diagnosis = &verdict
		r.Reliability = &score
		r.AddTiming(ledger.StageRank, string(verdict.Verdict), h.since(start), fmt.Sprintf("%d hypotheses", len(hyps)))
	}); err != nil {
		return h.stop(ledger.OutcomeFailed, ledger.StageRank, start, err)
	}

	id, requested := h.chosenPlaybook(hyps)
	if !requested {
		return ledger.OutcomeDiagnosed
	}
	return h.mutate(ctx, id, in)
}

func (h *handling) noMatch(snap *registry.Snapshot, start time.Time, err error) ledger.Outcome {
	h.res.Err = err
	h.res.Clarification = clarification(snap)
	rec := &ledger.CaseRecord{RequestText: h.req.Text, Clarification: h.res.Clarification}
	rec.Fail(err)
	rec.AddTiming(ledger.StageSelect, string(ledger.OutcomeNoMatch), h.since(start), "")
	if cerr := h.d.ledger.Create(rec); cerr != nil {
		return h.abortUnrecorded(cerr)
	}
	h.res.RunID = rec.RunID
	h.res.CasePath, _ = h.d.ledger.Path(rec.RunID)
	return ledger.OutcomeNoMatch
}

// abortUnrecorded handles a ledger that cannot create the case. Nothing
// has been changed on the host at this point.
func (h *handling) abortUnrecorded(err error) ledger.Outcome {
	h.res.Err = types.WrapError(types.KindInternal, "doctor", err)
	logging.Get(logging.CategoryDoctor).Error("Case could not be created: %v", err)
	return ledger.OutcomeFailed
}

// clarification lists the enabled specialists and what they look for.
func clarification(snap *registry.Snapshot) string {
	var b strings.Builder
	b.WriteString("I could not tell which area this is about. Which of these fits best?")
	for _, def := range snap.Enabled() {
		examples := def.Symptoms
		if len(examples) > 2 {
			examples = examples[:2]
		}
		fmt.Fprintf(&b, "\n  - %s (%s): e.g. %q", def.Name, def.Domain, strings.Join(examples, `", "`))
	}
	return b.String()
}

// diagnose collects evidence and diagnoses the primary and secondary
// specialists in parallel. Only the primary report drives ranking.
func (h *handling) diagnose(ctx context.Context, sel selector.Selection) (ledger.Outcome, bool) {
	d := h.d
	start := d.now()

	var (
		primary, secondary     diagnosis.Report
		primaryB, secondaryB   *evidence.Bundle
		collectedIn, diagnosed time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t0 := d.now()
		primaryB = d.collector.Collect(gctx, sel.Primary.Domain, sel.Primary.Topics())
		collectedIn = d.now().Sub(t0)
		t1 := d.now()
		var err error
		primary, err = d.engine.Diagnose(gctx, sel.Primary, primaryB)
		diagnosed = d.now().Sub(t1)
		return err
	})
	if sel.Secondary != nil {
		def := *sel.Secondary
		g.Go(func() error {
			b := d.collector.Collect(gctx, def.Domain, def.Topics())
			r, err := d.engine.Diagnose(gctx, def, b)
			if err != nil {
				logging.Get(logging.CategoryDoctor).Warn("Secondary diagnosis %s failed: %v", def.ID, err)
				return nil
			}
			secondaryB, secondary = b, r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return h.stop(ledger.OutcomeAborted, ledger.StageDiagnose, start, err), false
	}

	h.bundle = primaryB
	h.res.Report = &primary
	if secondaryB != nil {
		h.res.Secondary = &secondary
	}
	if len(primary.MissingEvidence) > 0 {
		logging.Doctor("Case %s: %d required topics missing for %s", h.res.RunID, len(primary.MissingEvidence), sel.Primary.ID)
	}

	err := h.record(func(r *ledger.CaseRecord) {
		r.Evidence = append(r.Evidence, primaryB.Items()...)
		r.Findings = append(r.Findings, primary.Findings...)
		if secondaryB != nil {
			r.Evidence = append(r.Evidence, secondaryB.Items()...)
			r.SecondaryFindings = append(r.SecondaryFindings, secondary.Findings...)
		}
		r.AddTiming(ledger.StageCollectEvidence, "ok", collectedIn, fmt.Sprintf("%d topics", len(primaryB.Topics())))
		r.AddTiming(ledger.StageDiagnose, primary.Health, diagnosed, "")
	})
	if err != nil {
		return h.stop(ledger.OutcomeFailed, ledger.StageDiagnose, start, err), false
	}
	return "", true
}

// chosenPlaybook decides whether a repair was asked for and which one.
// An explicit playbook wins, then one the request text names, then the
// suggestion of the most confident hypothesis.
func (h *handling) chosenPlaybook(hyps []types.Hypothesis) (string, bool) {
	if h.req.Playbook != "" {
		return h.req.Playbook, true
	}
	if id, ok := playbook.Infer(h.req.Text, h.def.AllowsPlaybook); ok {
		return id, true
	}
	if !h.req.Fix {
		return "", false
	}
	for _, hyp := range hyps {
		if hyp.SuggestedPlaybook != "" {
			return hyp.SuggestedPlaybook, true
		}
	}
	return "", true
}

func (h *handling) mutate(ctx context.Context, id string, in reliability.Input) ledger.Outcome {
	d := h.d

	// ===== PLAN =====
	start := d.now()
	if id == "" {
		err := types.NewError(types.KindInvalidInput, "plan", "no hypothesis suggests a repair for %s", h.def.ID)
		return h.stop(ledger.OutcomeDiagnosed, ledger.StagePlan, start, err)
	}
	if !h.def.AllowsPlaybook(id) {
		err := types.NewError(types.KindInvalidInput, "plan", "playbook %q is not allowed for specialist %s", id, h.def.ID)
		return h.stop(ledger.OutcomeFailed, ledger.StagePlan, start, err)
	}
	target := h.req.Target
	if target.StageDir == "" {
		target.StageDir = d.ledger.Dir(h.res.RunID)
	}

	// The policy screens a host-free draft first, so a forbidden playbook is
	// reported as blocked whatever is installed.
	draft, err := d.planner.Draft(id, target)
	if err != nil {
		return h.stop(ledger.OutcomeAborted, ledger.StagePlan, start, err)
	}
	if screen := d.gate.Evaluate(draft); screen.Blocked {
		h.res.Plan = draft
		h.res.Gate = &screen
		_ = h.record(func(r *ledger.CaseRecord) {
			r.ChosenPlan = draft
			r.Gate = &screen
			r.AddTiming(ledger.StagePlan, string(draft.Risk), h.since(start), "draft")
		})
		err := types.NewError(types.KindPolicyBlocked, "gate", "%s", screen.Reason)
		return h.stop(ledger.OutcomeBlocked, ledger.StageGate, d.now(), err)
	}

	plan, err := d.planner.Plan(ctx, id, target)
	if err != nil {
		return h.stop(ledger.OutcomeAborted, ledger.StagePlan, start, err)
	}
	h.res.Plan = plan
	if err := h.record(func(r *ledger.CaseRecord) {
		r.ChosenPlan = plan
		r.AddTiming(ledger.StagePlan, string(plan.Risk), h.since(start), plan.EscalationReason)
	}); err != nil {
		return h.stop(ledger.OutcomeFailed, ledger.StagePlan, start, err)
	}

	// ===== GATE =====
	start = d.now()
	decision := d.gate.Evaluate(plan)
	h.res.Gate = &decision
	if decision.Blocked {
		_ = h.record(func(r *ledger.CaseRecord) { r.Gate = &decision })
		err := types.NewError(types.KindPolicyBlocked, "gate", "%s", decision.Reason)
		return h.stop(ledger.OutcomeBlocked, ledger.StageGate, start, err)
	}

	score := d.reliability.ScoreMutation(in, plan)
	verdict := d.reliability.Decide(reliability.KindMutation, h.def.Domain, score)
	h.res.Mutation = &verdict
	if err := h.record(func(r *ledger.CaseRecord) {
		r.Gate = &decision
		r.Mutation = &verdict
		r.Reliability = &score
	}); err != nil {
		return h.stop(ledger.OutcomeFailed, ledger.StageGate, start, err)
	}
	if verdict.Verdict == reliability.Refuse {
		return h.stop(ledger.OutcomeRefused, ledger.StageGate, start, verdict.Err())
	}
	_ = h.record(func(r *ledger.CaseRecord) {
		r.AddTiming(ledger.StageGate, "allowed", h.since(start), decision.Phrase)
	})

	// ===== EXECUTE =====
	start = d.now()
	confirmer := h.req.Confirmer
	if confirmer == nil {
		confirmer = executor.Answer("")
	}
	run, err := d.executor.Execute(ctx, plan, confirmer)
	h.res.Run = run
	outcome := ledger.Outcome(run.Outcome())
	if rerr := h.record(func(r *ledger.CaseRecord) { r.MutationRun = run }); rerr != nil {
		logging.Get(logging.CategoryDoctor).Error("Failed to record mutation run for %s: %v", h.res.RunID, rerr)
	}
	if err != nil {
		return h.stop(outcome, ledger.StageExecute, start, err)
	}
	_ = h.record(func(r *ledger.CaseRecord) {
		r.AddTiming(ledger.StageExecute, string(run.State), h.since(start), "")
	})
	return outcome
}
