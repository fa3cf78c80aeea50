package diagnosis

import (
	"fmt"

	"hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

func pass(details, implication string, refutes ...string) Outcome {
	return Outcome{Result: types.ResultPass, Severity: types.SeverityInfo, Details: details, Implication: implication, Refutes: refutes}
}

func fail(sev types.Severity, details, implication string, causes ...string) Outcome {
	return Outcome{Result: types.ResultFail, Severity: sev, Details: details, Implication: implication, Causes: causes}
}

func partial(details, implication string, causes ...string) Outcome {
	return Outcome{Result: types.ResultPartial, Severity: types.SeverityWarning, Details: details, Implication: implication, Causes: causes}
}

// unknown reports a present topic that lacks a fact the check needs.
func unknown(topic evidence.Topic, key string) Outcome {
	return Outcome{
		Result:      types.ResultSkipped,
		Severity:    types.SeverityWarning,
		Details:     fmt.Sprintf("%s did not report %q", topic, key),
		Implication: "The probe output was incomplete, so this step cannot be judged either way.",
	}
}

func boolFact(b *evidence.Bundle, t evidence.Topic, key string) (bool, bool) {
	it, ok := b.Get(t)
	if !ok || it.Skipped {
		return false, false
	}
	return it.Bool(key)
}

func intFact(b *evidence.Bundle, t evidence.Topic, key string) (int, bool) {
	it, ok := b.Get(t)
	if !ok || it.Skipped {
		return 0, false
	}
	return it.Int(key)
}

func strFact(b *evidence.Bundle, t evidence.Topic, key string) (string, bool) {
	it, ok := b.Get(t)
	if !ok || it.Skipped {
		return "", false
	}
	return it.Fact(key)
}
