package diagnosis

import (
	"fmt"

	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

const (
	diskFullPercent = 95
	diskWarnPercent = 85
)

func storageChecks() []Check {
	return []Check{
		{
			Name:   "Check Root Mount",
			Topics: []ev.Topic{ev.TopicMountPoints},
			Run: func(b *ev.Bundle) Outcome {
				ro, ok := boolFact(b, ev.TopicMountPoints, "root_readonly")
				if !ok {
					return unknown(ev.TopicMountPoints, "root_readonly")
				}
				fstype, _ := strFact(b, ev.TopicMountPoints, "root_fstype")
				if ro {
					return fail(types.SeverityCritical, fmt.Sprintf("/ (%s) is mounted read-only", fstype),
						"The kernel remounted root read-only, usually after I/O or filesystem errors.",
						"storage.readonly_root")
				}
				return pass(fmt.Sprintf("/ (%s) is mounted read-write", fstype), "Root is writable.",
					"storage.readonly_root")
			},
		},
		{
			Name:   "Check Free Space",
			Topics: []ev.Topic{ev.TopicDiskUsage},
			Run: func(b *ev.Bundle) Outcome {
				used, ok := intFact(b, ev.TopicDiskUsage, "root_used_percent")
				if !ok {
					return unknown(ev.TopicDiskUsage, "root_used_percent")
				}
				details := fmt.Sprintf("Root filesystem is %d%% used", used)
				switch {
				case used >= diskFullPercent:
					return fail(types.SeverityError, details,
						"Writes will start failing and package updates can break.", "storage.disk_full")
				case used >= diskWarnPercent:
					return partial(details, "Space is getting tight.", "storage.disk_full")
				}
				return pass(details, "Free space is adequate.", "storage.disk_full")
			},
		},
		{
			Name:   "Check Block Devices",
			Topics: []ev.Topic{ev.TopicBlockDevices},
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicBlockDevices, "disks")
				if !ok {
					return unknown(ev.TopicBlockDevices, "disks")
				}
				if n == 0 {
					return fail(types.SeverityCritical, "No physical disks are listed",
						"The storage controller or its driver is not exposing devices.", "storage.no_disks")
				}
				return pass(fmt.Sprintf("%d disks present", n), "Disks are visible to the kernel.", "storage.no_disks")
			},
		},
		{
			Name:     "Check Btrfs Health",
			Topics:   []ev.Topic{ev.TopicMountPoints},
			Optional: []ev.Topic{ev.TopicBtrfsStatus},
			Run: func(b *ev.Bundle) Outcome {
				if fs, _ := strFact(b, ev.TopicMountPoints, "root_fstype"); fs != "btrfs" {
					return pass("Root is "+orNone(fs)+", not btrfs", "Btrfs health does not apply.", "storage.btrfs_errors")
				}
				if !b.Has(ev.TopicBtrfsStatus) {
					return Outcome{
						Result:      types.ResultSkipped,
						Severity:    types.SeverityWarning,
						Details:     "Root is btrfs but device stats were not collected",
						Implication: "Btrfs error counters were not read; silent corruption cannot be ruled out.",
					}
				}
				n, ok := intFact(b, ev.TopicBtrfsStatus, "errors")
				if !ok {
					return unknown(ev.TopicBtrfsStatus, "errors")
				}
				if n > 0 {
					return fail(types.SeverityError, fmt.Sprintf("Btrfs device stats report %d errors", n),
						"Data may be damaged; a scrub repairs what redundancy allows.", "storage.btrfs_errors")
				}
				return pass("Btrfs device stats are clean", "No recorded read, write or checksum errors.",
					"storage.btrfs_errors")
			},
		},
		{
			Name:            "Check SMART",
			Topics:          []ev.Topic{ev.TopicSmartStatus},
			SkipImplication: "Drive self-assessment was not available.",
			Run: func(b *ev.Bundle) Outcome {
				ok, present := boolFact(b, ev.TopicSmartStatus, "healthy")
				if !present {
					return unknown(ev.TopicSmartStatus, "healthy")
				}
				if !ok {
					return fail(types.SeverityCritical, "SMART overall health is FAILED",
						"The drive predicts its own failure; back up now.", "storage.smart_failing")
				}
				return pass("SMART overall health is PASSED", "The drive reports no predicted failure.",
					"storage.smart_failing")
			},
		},
	}
}
