package evidence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hostmedic/internal/evidence"
	"hostmedic/internal/registry"
	"hostmedic/internal/tactile"
)

func TestLiveProbes_CoverDefaultSpecialists(t *testing.T) {
	live := make(map[evidence.Topic]bool)
	for _, p := range evidence.LiveProbes(tactile.NewScriptedExecutor()) {
		live[p.Topic()] = true
	}
	for _, def := range registry.DefaultDefinitions() {
		for _, topic := range def.RequiredEvidence {
			assert.True(t, live[topic], "%s requires %s but no live probe collects it", def.ID, topic)
		}
	}
}
