package diagnosis

import (
	"sort"

	"hostmedic/internal/types"
)

// Cause is a candidate root cause a finding can point at.
type Cause struct {
	ID       string       `json:"id"`
	Domain   types.Domain `json:"domain"`
	Summary  string       `json:"summary"`
	Playbook string       `json:"playbook,omitempty"`
	// Test is a read-only command that confirms or refutes the cause.
	Test string `json:"test"`
}

var causeCatalog = map[string]Cause{
	// audio
	"audio.wireplumber_down":    {Domain: types.DomainAudio, Summary: "WirePlumber not running", Playbook: "restart_wireplumber", Test: "systemctl --user is-active wireplumber.service"},
	"audio.pipewire_down":       {Domain: types.DomainAudio, Summary: "PipeWire not running", Playbook: "restart_pipewire", Test: "systemctl --user is-active pipewire.service pipewire.socket"},
	"audio.no_hardware":         {Domain: types.DomainAudio, Summary: "No sound card detected", Test: "cat /proc/asound/cards"},
	"audio.no_sinks":            {Domain: types.DomainAudio, Summary: "Sound card exposes no output sinks", Playbook: "restart_wireplumber", Test: "wpctl status"},
	"audio.no_default_sink":     {Domain: types.DomainAudio, Summary: "No default output selected", Test: "pactl get-default-sink"},
	"audio.muted":               {Domain: types.DomainAudio, Summary: "Default output muted", Playbook: "unmute_default_sink", Test: "pactl get-sink-mute @DEFAULT_SINK@"},
	"audio.pulseaudio_conflict": {Domain: types.DomainAudio, Summary: "Standalone PulseAudio conflicts with PipeWire", Test: "systemctl --user is-active pulseaudio.service"},
	"audio.bluetooth_down":      {Domain: types.DomainAudio, Summary: "Bluetooth service down with audio devices paired", Test: "systemctl is-active bluetooth.service"},

	// network
	"network.link_down":   {Domain: types.DomainNetwork, Summary: "No network link is up", Test: "ip -br link"},
	"network.nm_down":     {Domain: types.DomainNetwork, Summary: "NetworkManager not running", Playbook: "restart_networkmanager", Test: "systemctl is-active NetworkManager.service"},
	"network.no_address":  {Domain: types.DomainNetwork, Summary: "No IPv4 address assigned", Playbook: "restart_networkmanager", Test: "ip -4 -br addr"},
	"network.no_route":    {Domain: types.DomainNetwork, Summary: "No default route", Playbook: "restart_networkmanager", Test: "ip route show default"},
	"network.dns_broken":  {Domain: types.DomainNetwork, Summary: "DNS resolution not configured", Playbook: "flush_dns", Test: "resolvectl status"},
	"network.weak_signal": {Domain: types.DomainNetwork, Summary: "Weak wireless signal", Test: "nmcli -f IN-USE,SIGNAL dev wifi"},

	// storage
	"storage.readonly_root": {Domain: types.DomainStorage, Summary: "Root filesystem mounted read-only", Test: "findmnt -no OPTIONS /"},
	"storage.disk_full":     {Domain: types.DomainStorage, Summary: "Root filesystem nearly full", Playbook: "clean_cache", Test: "df -h /"},
	"storage.no_disks":      {Domain: types.DomainStorage, Summary: "No physical disks visible", Test: "lsblk -d"},
	"storage.btrfs_errors":  {Domain: types.DomainStorage, Summary: "Btrfs reports device errors", Playbook: "btrfs_scrub", Test: "btrfs device stats /"},
	"storage.smart_failing": {Domain: types.DomainStorage, Summary: "Disk SMART health failing", Test: "smartctl -H /dev/sda"},

	// boot
	"boot.regression":    {Domain: types.DomainBoot, Summary: "Boot slower than the recorded baseline", Test: "systemd-analyze critical-chain"},
	"boot.wait_online":   {Domain: types.DomainBoot, Summary: "Network wait-online service delays boot", Playbook: "disable_wait_online", Test: "systemd-analyze blame"},
	"boot.slow_unit":     {Domain: types.DomainBoot, Summary: "A single unit dominates boot time", Test: "systemd-analyze blame"},
	"boot.failed_units":  {Domain: types.DomainBoot, Summary: "Units failed during boot", Playbook: "restart_service", Test: "systemctl --failed"},
	"boot.journal_noise": {Domain: types.DomainBoot, Summary: "Errors logged during boot", Test: "journalctl -b -p err"},

	// graphics
	"graphics.no_session":      {Domain: types.DomainGraphics, Summary: "No graphical session detected", Test: "loginctl show-session self -p Type"},
	"graphics.no_gpu":          {Domain: types.DomainGraphics, Summary: "No GPU detected", Test: "lspci -k"},
	"graphics.driver_missing":  {Domain: types.DomainGraphics, Summary: "Graphics driver not loaded", Test: "lsmod"},
	"graphics.compositor_down": {Domain: types.DomainGraphics, Summary: "Compositor or display manager not running", Playbook: "restart_display_manager", Test: "systemctl is-active display-manager.service"},
	"graphics.portal_down":     {Domain: types.DomainGraphics, Summary: "Desktop portal not running", Playbook: "restart_portals", Test: "systemctl --user is-active xdg-desktop-portal.service"},
}

// LookupCause returns the catalog entry for id.
func LookupCause(id string) (Cause, bool) {
	c, ok := causeCatalog[id]
	if ok {
		c.ID = id
	}
	return c, ok
}

// Causes returns every catalog entry for domain, sorted by id.
func Causes(domain types.Domain) []Cause {
	var out []Cause
	for id, c := range causeCatalog {
		if c.Domain == domain {
			c.ID = id
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
