package diagnosis

import (
	"fmt"
	"strings"
	"time"

	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

const (
	slowBoot       = 60 * time.Second
	slowUnit       = 10 * time.Second
	regressionMult = 1.5
)

func bootChecks() []Check {
	return []Check{
		{
			Name:     "Measure Boot Time",
			Topics:   []ev.Topic{ev.TopicBootTiming},
			Optional: []ev.Topic{ev.TopicBootBaseline},
			Run: func(b *ev.Bundle) Outcome {
				ms, ok := intFact(b, ev.TopicBootTiming, "total_ms")
				if !ok {
					return unknown(ev.TopicBootTiming, "total_ms")
				}
				total := time.Duration(ms) * time.Millisecond
				if base, ok := intFact(b, ev.TopicBootBaseline, "total_ms"); ok && base > 0 {
					baseline := time.Duration(base) * time.Millisecond
					if float64(ms) > float64(base)*regressionMult {
						return partial(fmt.Sprintf("Boot took %s against a baseline of %s", total, baseline),
							"Something added to startup since the baseline was recorded.", "boot.regression")
					}
					return pass(fmt.Sprintf("Boot took %s (baseline %s)", total, baseline),
						"Startup time is in line with the baseline.", "boot.regression")
				}
				if total > slowBoot {
					return partial(fmt.Sprintf("Boot took %s", total), "Startup is slow in absolute terms.", "boot.slow_unit")
				}
				return pass(fmt.Sprintf("Boot took %s", total), "Startup time is reasonable.", "boot.regression")
			},
		},
		{
			Name:   "Find Slowest Unit",
			Topics: []ev.Topic{ev.TopicBootBlame},
			Run: func(b *ev.Bundle) Outcome {
				unit, _ := strFact(b, ev.TopicBootBlame, "slowest_unit")
				ms, ok := intFact(b, ev.TopicBootBlame, "slowest_ms")
				if !ok {
					return unknown(ev.TopicBootBlame, "slowest_ms")
				}
				d := time.Duration(ms) * time.Millisecond
				details := fmt.Sprintf("Slowest unit is %s at %s", unit, d)
				if d < slowUnit {
					return pass(details, "No single unit dominates startup.", "boot.wait_online", "boot.slow_unit")
				}
				if strings.HasSuffix(unit, "-wait-online.service") {
					return fail(types.SeverityWarning, details,
						"Boot blocks until the network is fully configured, which most desktops do not need.",
						"boot.wait_online")
				}
				return fail(types.SeverityWarning, details, "This unit holds up the rest of startup.", "boot.slow_unit")
			},
		},
		{
			Name:   "Check Failed Units",
			Topics: []ev.Topic{ev.TopicFailedUnits},
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicFailedUnits, "count")
				if !ok {
					return unknown(ev.TopicFailedUnits, "count")
				}
				if n > 0 {
					units, _ := strFact(b, ev.TopicFailedUnits, "units")
					return fail(types.SeverityError, fmt.Sprintf("%d failed units: %s", n, units),
						"Failed units can stall dependent services and delay boot.", "boot.failed_units")
				}
				return pass("No failed units", "Every started unit came up.", "boot.failed_units")
			},
		},
		{
			Name:            "Scan Boot Journal",
			Topics:          []ev.Topic{ev.TopicJournalBoot},
			SkipImplication: "Errors logged during this boot were not reviewed.",
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicJournalBoot, "errors")
				if !ok {
					return unknown(ev.TopicJournalBoot, "errors")
				}
				if n > 0 {
					return partial(fmt.Sprintf("%d error-priority journal entries this boot", n),
						"Errors were logged; they may explain failed or slow units.", "boot.journal_noise")
				}
				return pass("No error-priority journal entries this boot", "The journal is clean.", "boot.journal_noise")
			},
		},
	}
}
