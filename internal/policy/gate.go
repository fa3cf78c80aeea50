// Package policy is the risk and confirmation gate. It decides whether a
// plan may run at all and which exact phrase the user must type.
package policy

import (
	"fmt"
	"strings"

	"hostmedic/internal/logging"
	"hostmedic/internal/playbook"
	"hostmedic/internal/types"
)

// =============================================================================
// CONFIRMATION PHRASES
// =============================================================================

// RequiredPhrase returns the literal confirmation for a tier. ReadOnly needs none.
func RequiredPhrase(risk types.RiskTier) string {
	switch risk {
	case types.RiskReadOnly:
		return ""
	case types.RiskLow:
		return "I CONFIRM (low risk)"
	case types.RiskMedium:
		return "I CONFIRM (medium risk)"
	default:
		return "I CONFIRM (high risk)"
	}
}

// Decision is the gate's verdict on one plan.
type Decision struct {
	PlaybookID string         `json:"playbook_id"`
	Risk       types.RiskTier `json:"risk"`
	Blocked    bool           `json:"blocked"`
	Reason     string         `json:"reason,omitempty"`
	// Phrase is the exact confirmation text, empty when none is needed.
	Phrase string `json:"phrase,omitempty"`
}

// NeedsConfirmation reports whether the user must type a phrase.
func (d Decision) NeedsConfirmation() bool {
	return !d.Blocked && d.Phrase != ""
}

// Gate evaluates plans against a policy store.
type Gate struct {
	store Store
}

// NewGate returns a gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Store returns the policy table in use.
func (g *Gate) Store() Store { return g.store }

// Evaluate decides whether plan may proceed and records any block on it.
// A blocked decision is final: no confirmation input can reverse it.
func (g *Gate) Evaluate(plan *playbook.Plan) Decision {
	d := Decision{PlaybookID: plan.PlaybookID, Risk: plan.Risk}

	if reason, blocked := g.blockReason(plan); blocked {
		d.Blocked = true
		d.Reason = reason
		plan.PolicyBlocked = true
		plan.BlockReason = reason
		logging.Audit(logging.AuditEvent{
			Type: logging.AuditSafetyBlock, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
			Target: targetLabel(plan.Target), Message: reason,
		})
		logging.Gate("Blocked %s: %s", plan.PlaybookID, reason)
		return d
	}

	d.Phrase = RequiredPhrase(plan.Risk)
	logging.Audit(logging.AuditEvent{
		Type: logging.AuditSafetyAllow, Playbook: plan.PlaybookID, Risk: string(plan.Risk),
		Success: true, Message: "plan allowed pending confirmation",
	})
	logging.Gate("Allowed %s at %s risk", plan.PlaybookID, plan.Risk)
	return d
}

func (g *Gate) blockReason(plan *playbook.Plan) (string, bool) {
	for _, s := range plan.Steps {
		if reason, ok := g.protectedCommand(s.Forward.Binary, s.Forward.Arguments); ok {
			return reason, true
		}
		if s.Rollback != nil {
			if reason, ok := g.protectedCommand(s.Rollback.Binary, s.Rollback.Arguments); ok {
				return reason + " (in rollback)", true
			}
		}
	}

	allowed, set := g.store.Allowed(plan.Category)
	if set && !allowed {
		return fmt.Sprintf("policy allow_%s=false forbids %s", plan.Category, plan.PlaybookID), true
	}
	if plan.Risk == types.RiskHigh && !g.store.AllowHighRisk && !(set && allowed) {
		reason := fmt.Sprintf("%s is high risk and high-risk operations are blocked by default", plan.PlaybookID)
		if plan.Escalated() {
			reason += "; raised from " + string(plan.DeclaredRisk) + " because " + plan.EscalationReason
		}
		return reason, true
	}
	return "", false
}

// protectedCommand inspects a systemctl invocation for a protected verb/unit pair.
func (g *Gate) protectedCommand(binary string, args []string) (string, bool) {
	if binary != "systemctl" {
		return "", false
	}
	verb := ""
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if verb == "" {
			verb = a
			continue
		}
		if pattern, ok := g.store.Protected(verb, a); ok {
			return fmt.Sprintf("unit %s matches protected pattern %q; %s is never allowed", a, pattern, verb), true
		}
	}
	return "", false
}

// Confirm checks input against the decision's phrase. Matching is exact and
// case-sensitive. A blocked decision always fails, whatever the input.
func (g *Gate) Confirm(d Decision, input string) error {
	const op = "confirm"
	if d.Blocked {
		return types.NewError(types.KindPolicyBlocked, op, "%s", d.Reason)
	}
	if d.Phrase == "" {
		return nil
	}
	if input != d.Phrase {
		logging.Audit(logging.AuditEvent{
			Type: logging.AuditConfirmationFailed, Playbook: d.PlaybookID, Risk: string(d.Risk),
			Message: "confirmation phrase mismatch",
		})
		return types.NewError(types.KindConfirmationMismatch, op,
			"confirmation did not match; type exactly %q", d.Phrase)
	}
	logging.Audit(logging.AuditEvent{
		Type: logging.AuditConfirmationOK, Playbook: d.PlaybookID, Risk: string(d.Risk),
		Success: true, Message: "confirmation accepted",
	})
	return nil
}

func targetLabel(t playbook.Target) string {
	if t.Path != "" {
		return t.Path
	}
	return t.Unit
}
