package playbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hostmedic/internal/logging"
	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

// SystemState answers the questions the planner asks of the live host.
type SystemState interface {
	UnitExists(ctx context.Context, unit string, user bool) (bool, error)
	UnitActive(ctx context.Context, unit string, user bool) (bool, error)
}

// Target carries what the caller knows about what to act on.
type Target struct {
	Unit string `json:"unit,omitempty"`
	Path string `json:"path,omitempty"`
	// Content is the new file body for file-scoped playbooks.
	Content []byte `json:"-"`
	// StageDir receives the staged content and the byte-exact backup.
	StageDir string `json:"-"`
	Staged   string `json:"staged,omitempty"`
	Backup   string `json:"backup,omitempty"`
}

// DefaultStepTimeout bounds each step and check when none is configured.
const DefaultStepTimeout = 30 * time.Second

// Planner expands templates into plans.
type Planner struct {
	templates   map[string]Template
	state       SystemState
	editRoots   []string
	stepTimeout time.Duration
	now         func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithEditRoots limits file-scoped playbooks to paths under roots.
func WithEditRoots(roots ...string) Option {
	return func(p *Planner) {
		p.editRoots = nil
		for _, r := range roots {
			p.editRoots = append(p.editRoots, filepath.Clean(r))
		}
	}
}

// WithStepTimeout sets the per-step and per-check timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.stepTimeout = d
		}
	}
}

// WithTemplates adds or replaces templates.
func WithTemplates(ts ...Template) Option {
	return func(p *Planner) {
		for _, t := range ts {
			p.templates[t.ID] = t
		}
	}
}

// WithClock overrides the plan timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// NewPlanner returns a planner over the built-in templates.
func NewPlanner(state SystemState, opts ...Option) *Planner {
	p := &Planner{
		templates:   make(map[string]Template, len(builtinTemplates)),
		state:       state,
		editRoots:   []string{"/etc"},
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
	}
	for id, t := range builtinTemplates {
		p.templates[id] = t
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Known reports whether the planner can expand id.
func (p *Planner) Known(id string) bool {
	_, ok := p.templates[id]
	return ok
}

// Template returns the template for id.
func (p *Planner) Template(id string) (Template, bool) {
	t, ok := p.templates[id]
	return t, ok
}

var unitName = regexp.MustCompile(`^[A-Za-z0-9@_:.\-]+$`)

// PackageResolver is implemented by host states that can check whether a
// package is installed. Planners over such a state add a package preflight
// to templates that name one.
type PackageResolver interface {
	PackageCheck(name string) (Check, bool)
}

// Plan resolves playbook id against target and the live host.
func (p *Planner) Plan(ctx context.Context, id string, target Target) (*Plan, error) {
	return p.build(ctx, id, target, true)
}

// Draft expands id without touching the host: no unit lookups, no staging.
// Rollbacks that depend on a unit's prior state are left out, so a draft is
// only fit for policy screening before Plan.
func (p *Planner) Draft(id string, target Target) (*Plan, error) {
	return p.build(context.Background(), id, target, false)
}

func (p *Planner) build(ctx context.Context, id string, target Target, live bool) (*Plan, error) {
	const op = "plan"
	tmpl, ok := p.templates[id]
	if !ok {
		return nil, types.NewError(types.KindInvalidInput, op, "unknown playbook %q", id)
	}

	unit := tmpl.Unit
	resolved := Target{}
	switch tmpl.Target {
	case TargetUnit:
		u, err := normalizeUnit(target.Unit)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidInput, op, err)
		}
		unit = u
	case TargetFile:
		if !live {
			if target.Path == "" || !filepath.IsAbs(target.Path) {
				return nil, types.NewError(types.KindInvalidInput, op, "an absolute file path is required")
			}
			resolved = Target{Path: filepath.Clean(target.Path)}
			break
		}
		t, err := p.stageFile(target)
		if err != nil {
			return nil, err
		}
		resolved = t
	}
	if unit != "" {
		resolved.Unit = unit
	}

	repl := strings.NewReplacer(phUnit, unit, phPath, resolved.Path, phStaged, resolved.Staged, phBackup, resolved.Backup)
	plan := &Plan{
		PlaybookID:   tmpl.ID,
		Description:  tmpl.Description,
		Domain:       tmpl.Domain,
		Category:     tmpl.Category,
		Risk:         tmpl.Risk,
		DeclaredRisk: tmpl.Risk,
		Target:       resolved,
		CreatedAt:    p.now().UTC(),
	}

	if pr, ok := p.state.(PackageResolver); ok && live && tmpl.Package != "" {
		if c, ok := pr.PackageCheck(tmpl.Package); ok {
			c.Command.Timeout = p.stepTimeout
			plan.Preflight = append(plan.Preflight, c)
		}
	}
	for _, c := range tmpl.Preflight {
		plan.Preflight = append(plan.Preflight, p.check(c, repl))
	}
	for _, c := range tmpl.Postchecks {
		plan.Postchecks = append(plan.Postchecks, p.check(c, repl))
	}

	checked := make(map[string]bool)
	restorable := make(map[int]bool)
	for i, st := range tmpl.Steps {
		step := Step{
			Description: repl.Replace(st.Description),
			Forward:     p.command(st.Forward, repl),
			Timeout:     p.stepTimeout,
		}
		if u := repl.Replace(st.Unit); live && u != "" && !checked[u] {
			exists, err := p.state.UnitExists(ctx, u, st.User)
			if err != nil {
				return nil, types.WrapError(types.KindPreflightFailed, op, fmt.Errorf("resolve %s: %w", u, err))
			}
			if !exists {
				return nil, types.NewError(types.KindPreflightFailed, op, "unit %s does not exist on this host", u)
			}
			checked[u] = true
		}
		switch {
		case st.RestoreUnit && !live:
			restorable[i] = true
		case st.RestoreUnit:
			u := repl.Replace(st.Unit)
			active, err := p.state.UnitActive(ctx, u, st.User)
			if err != nil {
				return nil, types.WrapError(types.KindPreflightFailed, op, fmt.Errorf("read state of %s: %w", u, err))
			}
			verb, state := "stop", "inactive"
			if active {
				verb, state = "restart", "active"
			}
			if plan.PriorState == nil {
				plan.PriorState = make(map[string]string)
			}
			plan.PriorState[u] = state
			rb := p.command(sysctl(st.User, verb, u), repl)
			step.Rollback = &rb
			step.RestoreCheck = &Check{
				Description:   u + " is " + state + " again",
				Command:       p.command(sysctl(st.User, "is-active", "--quiet", u), repl),
				ExpectNonZero: !active,
			}
		case st.Rollback != nil:
			rb := p.command(st.Rollback, repl)
			step.Rollback = &rb
			if st.RestoreCheck != nil && live {
				c := p.check(*st.RestoreCheck, repl)
				step.RestoreCheck = &c
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	if live {
		if err := unresolved(plan); err != nil {
			return nil, types.WrapError(types.KindInternal, op, err)
		}
	}

	for i, s := range plan.Steps {
		if !s.HasRollback() && !restorable[i] && plan.Risk != types.RiskHigh {
			plan.Risk = types.RiskHigh
			plan.EscalationReason = fmt.Sprintf("step %d (%s) has no rollback", i+1, s.Description)
		}
	}
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		if plan.Steps[i].HasRollback() {
			plan.Rollback = append(plan.Rollback, *plan.Steps[i].Rollback)
		}
	}

	if live {
		logging.Planner("Planned %s: %d steps, risk %s (declared %s)", plan.PlaybookID, len(plan.Steps), plan.Risk, plan.DeclaredRisk)
	} else {
		logging.PlannerDebug("Drafted %s for screening: risk %s", plan.PlaybookID, plan.Risk)
	}
	return plan, nil
}

func (p *Planner) command(argv []string, repl *strings.Replacer) tactile.Command {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = repl.Replace(a)
	}
	return tactile.Command{Binary: out[0], Arguments: out[1:], Timeout: p.stepTimeout}
}

func (p *Planner) check(c CheckTemplate, repl *strings.Replacer) Check {
	return Check{
		Description:   repl.Replace(c.Description),
		Command:       p.command(c.Argv, repl),
		ExpectExit:    c.ExpectExit,
		ExpectNonZero: c.ExpectNonZero,
		ExpectOutput:  c.ExpectOutput,
	}
}

// stageFile checks scope, writes the staged content and a byte-exact backup.
func (p *Planner) stageFile(target Target) (Target, error) {
	const op = "plan"
	if target.Path == "" || !filepath.IsAbs(target.Path) {
		return Target{}, types.NewError(types.KindInvalidInput, op, "an absolute file path is required")
	}
	if target.Content == nil {
		return Target{}, types.NewError(types.KindInvalidInput, op, "no replacement content for %s", target.Path)
	}
	if target.StageDir == "" {
		return Target{}, types.NewError(types.KindInvalidInput, op, "no staging directory for %s", target.Path)
	}

	path, err := filepath.EvalSymlinks(filepath.Clean(target.Path))
	if err != nil {
		return Target{}, types.NewError(types.KindPreflightFailed, op, "%s is not present: %v", target.Path, err)
	}
	if !p.withinRoots(path) {
		return Target{}, types.NewError(types.KindPreflightFailed, op, "%s is outside the allowed edit roots %v", path, p.editRoots)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Target{}, types.NewError(types.KindPreflightFailed, op, "%s is not a regular file", path)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return Target{}, types.NewError(types.KindPreflightFailed, op, "read %s: %v", path, err)
	}

	if err := os.MkdirAll(target.StageDir, 0o700); err != nil {
		return Target{}, types.WrapError(types.KindInternal, op, err)
	}
	base := filepath.Base(path)
	staged := filepath.Join(target.StageDir, base+".staged")
	backup := filepath.Join(target.StageDir, base+".backup")
	if err := os.WriteFile(staged, target.Content, 0o600); err != nil {
		return Target{}, types.WrapError(types.KindInternal, op, err)
	}
	if err := os.WriteFile(backup, original, 0o600); err != nil {
		return Target{}, types.WrapError(types.KindInternal, op, err)
	}
	return Target{Path: path, Staged: staged, Backup: backup}, nil
}

func (p *Planner) withinRoots(path string) bool {
	for _, root := range p.editRoots {
		resolved := root
		if r, err := filepath.EvalSymlinks(root); err == nil {
			resolved = r
		}
		if path == resolved || strings.HasPrefix(path, resolved+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func normalizeUnit(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", fmt.Errorf("this playbook needs a unit name")
	}
	if strings.HasPrefix(u, "-") || !unitName.MatchString(u) {
		return "", fmt.Errorf("invalid unit name %q", u)
	}
	if !strings.Contains(u, ".") {
		u += ".service"
	}
	return u, nil
}

func unresolved(plan *Plan) error {
	var cmds []tactile.Command
	for _, c := range plan.Preflight {
		cmds = append(cmds, c.Command)
	}
	for _, s := range plan.Steps {
		cmds = append(cmds, s.Forward)
		if s.Rollback != nil {
			cmds = append(cmds, *s.Rollback)
		}
	}
	for _, c := range plan.Postchecks {
		cmds = append(cmds, c.Command)
	}
	for _, c := range cmds {
		if strings.Contains(c.CommandString(), "{{") {
			return fmt.Errorf("unresolved placeholder in %q", c.CommandString())
		}
	}
	return nil
}
