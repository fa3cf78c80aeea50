// Package playbook expands repair playbook templates into concrete,
// fully resolved mutation plans.
//
// Every step carries an explicit rollback. A step with no safe rollback is
// never offered below High risk; the planner raises the tier, which the
// policy gate blocks by default.
package playbook

import (
	"sort"
	"strings"
	"unicode"

	"hostmedic/internal/types"
)

// TargetKind says what a template needs from the caller.
type TargetKind string

const (
	TargetNone TargetKind = "none"
	TargetUnit TargetKind = "unit"
	TargetFile TargetKind = "file"
)

// Policy categories. The risk policy table allows or blocks by category.
const (
	CategoryServiceRestart        = "service_restart"
	CategoryServiceDisable        = "service_disable"
	CategoryServiceMask           = "service_mask"
	CategoryDisplayManagerRestart = "display_manager_restart"
	CategoryAudioMixer            = "audio_mixer"
	CategoryDNSFlush              = "dns_flush"
	CategoryCacheClean            = "cache_clean"
	CategoryScrub                 = "scrub"
	CategoryBalance               = "balance"
	CategoryConfigEdit            = "config_edit"
)

// Placeholders resolved by the planner.
const (
	phUnit   = "{{unit}}"
	phPath   = "{{path}}"
	phStaged = "{{staged}}"
	phBackup = "{{backup}}"
)

// StepTemplate is an unresolved step. Argv entries may contain placeholders.
type StepTemplate struct {
	Description string
	Forward     []string
	// Rollback is nil when the step cannot be undone.
	Rollback []string
	// RestoreUnit makes the rollback return Unit to its observed prior state.
	RestoreUnit bool
	// RestoreCheck verifies a template rollback. Restored units get one
	// from their observed state.
	RestoreCheck *CheckTemplate
	Unit         string
	User         bool
}

// CheckTemplate is an unresolved check.
type CheckTemplate struct {
	Description   string
	Argv          []string
	ExpectExit    int
	ExpectNonZero bool
	ExpectOutput  string
}

// Template describes one repair playbook.
type Template struct {
	ID          string
	Description string
	Domain      types.Domain
	Category    string
	Risk        types.RiskTier
	Target      TargetKind
	// Unit is the default unit for unit-scoped templates.
	Unit string
	User bool
	// Package must be installed for the playbook to make sense.
	Package string
	// Triggers are request phrases that name this playbook directly.
	Triggers   []string
	Preflight  []CheckTemplate
	Steps      []StepTemplate
	Postchecks []CheckTemplate
}

func sysctl(user bool, args ...string) []string {
	if user {
		return append([]string{"systemctl", "--user"}, args...)
	}
	return append([]string{"systemctl"}, args...)
}

func unitLoaded(user bool) CheckTemplate {
	return CheckTemplate{
		Description:  phUnit + " is installed",
		Argv:         sysctl(user, "show", "-p", "LoadState", "--value", phUnit),
		ExpectOutput: "loaded",
	}
}

func unitRunning(user bool, label string) CheckTemplate {
	return CheckTemplate{
		Description: label + " running",
		Argv:        sysctl(user, "is-active", "--quiet", phUnit),
	}
}

func restartUnit(user bool) StepTemplate {
	return StepTemplate{
		Description: "Restart " + phUnit,
		Forward:     sysctl(user, "restart", phUnit),
		RestoreUnit: true,
		Unit:        phUnit,
		User:        user,
	}
}

func restartTemplate(id, desc string, domain types.Domain, risk types.RiskTier, unit, label, pkg string, user bool, triggers ...string) Template {
	return Template{
		ID:          id,
		Description: desc,
		Domain:      domain,
		Category:    CategoryServiceRestart,
		Risk:        risk,
		Target:      TargetNone,
		Unit:        unit,
		User:        user,
		Package:     pkg,
		Triggers:    triggers,
		Preflight:   []CheckTemplate{unitLoaded(user)},
		Steps:       []StepTemplate{restartUnit(user)},
		Postchecks:  []CheckTemplate{unitRunning(user, label)},
	}
}

var builtinTemplates = func() map[string]Template {
	list := []Template{
		// ---- audio ----
		restartTemplate("restart_wireplumber", "Restart the WirePlumber session manager",
			types.DomainAudio, types.RiskLow, "wireplumber.service", "WirePlumber", "wireplumber", true,
			"restart wireplumber", "restart the session manager"),
		{
			ID:          "restart_pipewire",
			Description: "Restart PipeWire and its PulseAudio bridge",
			Domain:      types.DomainAudio,
			Category:    CategoryServiceRestart,
			Risk:        types.RiskLow,
			Target:      TargetNone,
			Unit:        "pipewire.service",
			User:        true,
			Package:     "pipewire",
			Triggers:    []string{"restart pipewire", "restart audio"},
			Preflight:   []CheckTemplate{unitLoaded(true)},
			Steps: []StepTemplate{
				restartUnit(true),
				{
					Description: "Restart pipewire-pulse.service",
					Forward:     sysctl(true, "restart", "pipewire-pulse.service"),
					RestoreUnit: true,
					Unit:        "pipewire-pulse.service",
					User:        true,
				},
			},
			Postchecks: []CheckTemplate{unitRunning(true, "PipeWire")},
		},
		{
			ID:          "unmute_default_sink",
			Description: "Unmute the default output",
			Domain:      types.DomainAudio,
			Category:    CategoryAudioMixer,
			Risk:        types.RiskLow,
			Target:      TargetNone,
			Triggers:    []string{"unmute", "unmute my speakers"},
			Preflight: []CheckTemplate{{
				Description: "A default sink is set",
				Argv:        []string{"pactl", "get-default-sink"},
			}},
			Steps: []StepTemplate{{
				Description: "Unmute @DEFAULT_SINK@",
				Forward:     []string{"pactl", "set-sink-mute", "@DEFAULT_SINK@", "0"},
				Rollback:    []string{"pactl", "set-sink-mute", "@DEFAULT_SINK@", "1"},
			}},
			Postchecks: []CheckTemplate{{
				Description:  "Default sink unmuted",
				Argv:         []string{"pactl", "get-sink-mute", "@DEFAULT_SINK@"},
				ExpectOutput: "no",
			}},
		},

		// ---- network ----
		restartTemplate("restart_networkmanager", "Restart NetworkManager",
			types.DomainNetwork, types.RiskMedium, "NetworkManager.service", "NetworkManager", "networkmanager", false,
			"restart networkmanager", "restart network manager", "restart the network"),
		{
			ID:          "flush_dns",
			Description: "Flush the resolver caches",
			Domain:      types.DomainNetwork,
			Category:    CategoryDNSFlush,
			Risk:        types.RiskLow,
			Target:      TargetNone,
			Triggers:    []string{"flush dns", "clear dns cache"},
			Steps: []StepTemplate{{
				Description: "Flush systemd-resolved caches",
				Forward:     []string{"resolvectl", "flush-caches"},
			}},
			Postchecks: []CheckTemplate{{
				Description: "Resolver responds",
				Argv:        []string{"resolvectl", "status"},
			}},
		},

		// ---- storage ----
		{
			ID:          "clean_cache",
			Description: "Vacuum the systemd journal to reclaim space",
			Domain:      types.DomainStorage,
			Category:    CategoryCacheClean,
			Risk:        types.RiskLow,
			Target:      TargetNone,
			Triggers:    []string{"clean cache", "free up space", "vacuum journal"},
			Steps: []StepTemplate{{
				Description: "Shrink the journal to 500M",
				Forward:     []string{"journalctl", "--vacuum-size=500M"},
			}},
			Postchecks: []CheckTemplate{{
				Description: "Root filesystem reports usage",
				Argv:        []string{"df", "-P", "/"},
			}},
		},
		{
			ID:          "btrfs_scrub",
			Description: "Scrub the root btrfs filesystem",
			Domain:      types.DomainStorage,
			Category:    CategoryScrub,
			Risk:        types.RiskMedium,
			Target:      TargetNone,
			Package:     "btrfs-progs",
			Triggers:    []string{"btrfs scrub", "scrub"},
			Preflight: []CheckTemplate{{
				Description: "Root is btrfs",
				Argv:        []string{"findmnt", "-n", "-t", "btrfs", "/"},
			}},
			Steps: []StepTemplate{{
				Description: "Run a foreground scrub of /",
				Forward:     []string{"btrfs", "scrub", "start", "-B", "/"},
				Rollback:    []string{"btrfs", "scrub", "cancel", "/"},
			}},
			Postchecks: []CheckTemplate{{
				Description: "Device error counters are clean",
				Argv:        []string{"btrfs", "device", "stats", "-c", "/"},
			}},
		},
		{
			ID:          "btrfs_balance",
			Description: "Balance data chunks on the root btrfs filesystem",
			Domain:      types.DomainStorage,
			Category:    CategoryBalance,
			Risk:        types.RiskMedium,
			Target:      TargetNone,
			Package:     "btrfs-progs",
			Triggers:    []string{"btrfs balance", "balance"},
			Preflight: []CheckTemplate{{
				Description: "Root is btrfs",
				Argv:        []string{"findmnt", "-n", "-t", "btrfs", "/"},
			}},
			Steps: []StepTemplate{{
				Description: "Balance data chunks under 50% usage",
				Forward:     []string{"btrfs", "balance", "start", "-dusage=50", "/"},
				Rollback:    []string{"btrfs", "balance", "cancel", "/"},
			}},
			Postchecks: []CheckTemplate{{
				Description: "Filesystem is mounted",
				Argv:        []string{"findmnt", "-n", "/"},
			}},
		},

		// ---- boot ----
		{
			ID:          "disable_wait_online",
			Description: "Stop boot from waiting for full network configuration",
			Domain:      types.DomainBoot,
			Category:    CategoryServiceDisable,
			Risk:        types.RiskLow,
			Target:      TargetNone,
			Unit:        "NetworkManager-wait-online.service",
			Triggers:    []string{"disable wait online", "disable wait-online"},
			Preflight:   []CheckTemplate{unitLoaded(false)},
			Steps: []StepTemplate{{
				Description: "Disable " + phUnit,
				Forward:     sysctl(false, "disable", phUnit),
				Rollback:    sysctl(false, "enable", phUnit),
				Unit:        phUnit,
			}},
			Postchecks: []CheckTemplate{{
				Description:   phUnit + " no longer enabled",
				Argv:          sysctl(false, "is-enabled", "--quiet", phUnit),
				ExpectNonZero: true,
			}},
		},
		{
			ID:          "restart_service",
			Description: "Restart a failed system service",
			Domain:      types.DomainBoot,
			Category:    CategoryServiceRestart,
			Risk:        types.RiskLow,
			Target:      TargetUnit,
			Triggers:    []string{"restart service", "restart the service"},
			Preflight:   []CheckTemplate{unitLoaded(false)},
			Steps:       []StepTemplate{restartUnit(false)},
			Postchecks:  []CheckTemplate{unitRunning(false, "Service")},
		},
		{
			ID:          "mask_service",
			Description: "Mask a system service so it never starts",
			Domain:      types.DomainBoot,
			Category:    CategoryServiceMask,
			Risk:        types.RiskMedium,
			Target:      TargetUnit,
			Triggers:    []string{"mask service", "mask the service"},
			Preflight:   []CheckTemplate{unitLoaded(false)},
			Steps: []StepTemplate{{
				Description: "Mask " + phUnit,
				Forward:     sysctl(false, "mask", phUnit),
				Rollback:    sysctl(false, "unmask", phUnit),
				Unit:        phUnit,
			}},
			Postchecks: []CheckTemplate{{
				Description:  phUnit + " is masked",
				Argv:         sysctl(false, "is-enabled", phUnit),
				ExpectExit:   1,
				ExpectOutput: "masked",
			}},
		},
		{
			ID:          "edit_config",
			Description: "Replace a configuration file with reviewed content",
			Domain:      types.DomainBoot,
			Category:    CategoryConfigEdit,
			Risk:        types.RiskMedium,
			Target:      TargetFile,
			Triggers:    []string{"edit config", "change the config"},
			Preflight: []CheckTemplate{{
				Description: phPath + " exists",
				Argv:        []string{"test", "-f", phPath},
			}},
			Steps: []StepTemplate{{
				Description: "Install new content at " + phPath,
				Forward:     []string{"cp", "--preserve=mode", phStaged, phPath},
				Rollback:    []string{"cp", "--preserve=mode", phBackup, phPath},
				RestoreCheck: &CheckTemplate{
					Description: phPath + " matches the backup",
					Argv:        []string{"cmp", "-s", phBackup, phPath},
				},
			}},
			Postchecks: []CheckTemplate{{
				Description: phPath + " is present and non-empty",
				Argv:        []string{"test", "-s", phPath},
			}},
		},

		// ---- graphics ----
		restartTemplate("restart_portals", "Restart xdg-desktop-portal",
			types.DomainGraphics, types.RiskLow, "xdg-desktop-portal.service", "Desktop portal", "xdg-desktop-portal", true,
			"restart portals", "restart portal", "fix screen sharing"),
		func() Template {
			t := restartTemplate("restart_display_manager", "Restart the display manager (ends the graphical session)",
				types.DomainGraphics, types.RiskHigh, "display-manager.service", "Display manager", "", false,
				"restart my display manager", "restart display manager", "restart the display manager",
				"restart gdm", "restart sddm", "restart lightdm")
			t.Category = CategoryDisplayManagerRestart
			return t
		}(),
	}
	out := make(map[string]Template, len(list))
	for _, t := range list {
		out[t.ID] = t
	}
	return out
}()

// Known reports whether id names a built-in playbook.
func Known(id string) bool {
	_, ok := builtinTemplates[id]
	return ok
}

// Lookup returns the built-in template for id.
func Lookup(id string) (Template, bool) {
	t, ok := builtinTemplates[id]
	return t, ok
}

// IDs returns every built-in playbook id, sorted.
func IDs() []string {
	out := make([]string, 0, len(builtinTemplates))
	for id := range builtinTemplates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Infer returns the playbook a request names directly, if any. The longest
// matching trigger wins; allowed, when non-nil, filters candidates.
func Infer(text string, allowed func(string) bool) (string, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '\'')
	})
	norm := " " + strings.Join(words, " ") + " "
	best, bestLen := "", 0
	for _, id := range IDs() {
		if allowed != nil && !allowed(id) {
			continue
		}
		for _, trig := range builtinTemplates[id].Triggers {
			if strings.Contains(norm, " "+trig+" ") && len(trig) > bestLen {
				best, bestLen = id, len(trig)
			}
		}
	}
	return best, best != ""
}
