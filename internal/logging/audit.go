package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a safety-relevant event in the mutation lifecycle.
type AuditEventType string

const (
	AuditSafetyAllow AuditEventType = "safety_allow"
	AuditSafetyBlock AuditEventType = "safety_block"

	AuditConfirmationOK     AuditEventType = "confirmation_ok"
	AuditConfirmationFailed AuditEventType = "confirmation_failed"

	AuditMutationStart    AuditEventType = "mutation_start"
	AuditMutationStep     AuditEventType = "mutation_step"
	AuditMutationComplete AuditEventType = "mutation_complete"

	AuditRollbackStart    AuditEventType = "rollback_start"
	AuditRollbackComplete AuditEventType = "rollback_complete"
	AuditRollbackFailed   AuditEventType = "rollback_failed"

	AuditReliabilityRefuse AuditEventType = "reliability_refuse"
)

// AuditEvent is one structured audit entry. Only identifiers and outcomes are
// recorded here; evidence bodies and command output stay in the case file.
type AuditEvent struct {
	Type     AuditEventType
	RunID    string
	Playbook string
	Risk     string
	Target   string
	Success  bool
	Duration time.Duration
	Message  string
	Err      error
}

// Audit writes an event to the audit category.
func Audit(ev AuditEvent) {
	l := Get(CategoryAudit).Zap()
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Bool("success", ev.Success),
	}
	if ev.RunID != "" {
		fields = append(fields, zap.String("run_id", ev.RunID))
	}
	if ev.Playbook != "" {
		fields = append(fields, zap.String("playbook", ev.Playbook))
	}
	if ev.Risk != "" {
		fields = append(fields, zap.String("risk", ev.Risk))
	}
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	if ev.Success {
		l.Info(ev.Message, fields...)
		return
	}
	l.Warn(ev.Message, fields...)
}
