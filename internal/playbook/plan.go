package playbook

import (
	"fmt"
	"strings"
	"time"

	"hostmedic/internal/tactile"
	"hostmedic/internal/types"
)

// Check is a read-only command whose outcome gates or verifies a mutation.
type Check struct {
	Description string          `json:"description"`
	Command     tactile.Command `json:"command"`
	// ExpectExit is the exit code that counts as a pass.
	ExpectExit int `json:"expect_exit"`
	// ExpectNonZero passes on any non-zero exit instead.
	ExpectNonZero bool `json:"expect_nonzero,omitempty"`
	// ExpectOutput, when set, must appear in stdout.
	ExpectOutput string `json:"expect_output,omitempty"`
}

// CheckResult is the outcome of evaluating a Check.
type CheckResult struct {
	Description string        `json:"description"`
	Command     string        `json:"command"`
	Passed      bool          `json:"passed"`
	ExitCode    int           `json:"exit_code"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Step is one mutation with its paired rollback.
type Step struct {
	Description string           `json:"description"`
	Forward     tactile.Command  `json:"forward_command"`
	Rollback    *tactile.Command `json:"rollback_command,omitempty"`
	// RestoreCheck passes once the rollback has put the host back in its
	// recorded prior state.
	RestoreCheck *Check        `json:"restore_check,omitempty"`
	Timeout      time.Duration `json:"timeout"`
}

// HasRollback reports whether the step can be undone.
func (s Step) HasRollback() bool {
	return s.Rollback != nil && !s.Rollback.IsZero()
}

// Plan is a fully resolved mutation plan. Nothing in it is a placeholder.
type Plan struct {
	PlaybookID  string         `json:"playbook_id"`
	Description string         `json:"description"`
	Domain      types.Domain   `json:"domain"`
	Category    string         `json:"category"`
	Risk        types.RiskTier `json:"risk"`
	// DeclaredRisk is the template's tier before escalation.
	DeclaredRisk     types.RiskTier    `json:"declared_risk"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
	Target           Target            `json:"target"`
	PriorState       map[string]string `json:"prior_state,omitempty"`
	Preflight        []Check           `json:"preflight"`
	Steps            []Step            `json:"steps"`
	Postchecks       []Check           `json:"postchecks"`
	// Rollback lists the rollback commands in execution (reverse step) order.
	Rollback      []tactile.Command `json:"rollback"`
	PolicyBlocked bool              `json:"policy_blocked"`
	BlockReason   string            `json:"block_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Escalated reports whether the planner raised the declared tier.
func (p *Plan) Escalated() bool {
	return p.EscalationReason != ""
}

// ManualRecovery returns the rollback commands a user would run by hand.
func (p *Plan) ManualRecovery() string {
	cmds := make([]string, 0, len(p.Rollback))
	for _, c := range p.Rollback {
		cmds = append(cmds, c.CommandString())
	}
	return strings.Join(cmds, " && ")
}

// Preview renders the plan for the confirmation channel.
func (p *Plan) Preview(phrase string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s (%s)\n", p.PlaybookID, p.Description)
	fmt.Fprintf(&b, "Risk: %s", p.Risk)
	if p.Escalated() {
		fmt.Fprintf(&b, " (raised from %s: %s)", p.DeclaredRisk, p.EscalationReason)
	}
	b.WriteString("\n")

	if len(p.Preflight) > 0 {
		b.WriteString("\nBefore changing anything:\n")
		for _, c := range p.Preflight {
			fmt.Fprintf(&b, "  - %s\n", c.Description)
		}
	}
	b.WriteString("\nSteps:\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "  %d. %s\n     run:  %s\n", i+1, s.Description, s.Forward.CommandString())
		if s.HasRollback() {
			fmt.Fprintf(&b, "     undo: %s\n", s.Rollback.CommandString())
		} else {
			b.WriteString("     undo: none (cannot be reversed)\n")
		}
	}
	if len(p.Postchecks) > 0 {
		b.WriteString("\nVerification:\n")
		for _, c := range p.Postchecks {
			fmt.Fprintf(&b, "  - %s\n", c.Description)
		}
	}

	switch {
	case p.PolicyBlocked:
		fmt.Fprintf(&b, "\nBLOCKED by policy: %s\n", p.BlockReason)
	case phrase != "":
		fmt.Fprintf(&b, "\nType exactly %q to proceed.\n", phrase)
	}
	return b.String()
}
