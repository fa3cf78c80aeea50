package evidence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hostmedic/internal/tactile"
)

// ParseFunc turns command results into facts and a human summary.
type ParseFunc func(results []*tactile.ExecutionResult) (facts map[string]string, summary string, err error)

// CommandProbe collects a topic by running read-only commands.
type CommandProbe struct {
	topic Topic
	exec  tactile.Executor
	cmds  []tactile.Command
	parse ParseFunc
}

// NewCommandProbe creates a command-backed probe.
func NewCommandProbe(topic Topic, exec tactile.Executor, parse ParseFunc, cmds ...tactile.Command) *CommandProbe {
	return &CommandProbe{topic: topic, exec: exec, cmds: cmds, parse: parse}
}

// Topic implements Probe.
func (p *CommandProbe) Topic() Topic { return p.topic }

// Collect implements Probe.
func (p *CommandProbe) Collect(ctx context.Context) (Item, error) {
	results := make([]*tactile.ExecutionResult, 0, len(p.cmds))
	refs := make([]string, 0, len(p.cmds))
	var debug strings.Builder
	for _, cmd := range p.cmds {
		res, err := p.exec.Execute(ctx, cmd)
		if err != nil {
			return Item{}, fmt.Errorf("%s: %w", cmd.CommandString(), err)
		}
		if res.Killed {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			return Item{}, fmt.Errorf("%s: %s", cmd.CommandString(), res.KillReason)
		}
		if !res.Success {
			return Item{}, fmt.Errorf("%s: %s", cmd.CommandString(), res.Error)
		}
		results = append(results, res)
		refs = append(refs, "cmd:"+cmd.CommandString())
		fmt.Fprintf(&debug, "$ %s -> exit %d\n", cmd.CommandString(), res.ExitCode)
	}
	facts, summary, err := p.parse(results)
	if err != nil {
		return Item{}, err
	}
	return Item{
		Topic:        p.topic,
		SummaryHuman: summary,
		SummaryDebug: strings.TrimSpace(debug.String()),
		RawRefs:      refs,
		CollectedAt:  time.Now(),
		Facts:        facts,
	}, nil
}

func cmd(bin string, args ...string) tactile.Command {
	return tactile.Command{Binary: bin, Arguments: args}
}

func userUnit(unit string) tactile.Command {
	return cmd("systemctl", "--user", "is-active", unit)
}

func systemUnit(unit string) tactile.Command {
	return cmd("systemctl", "is-active", unit)
}

func active(r *tactile.ExecutionResult) bool {
	return r.ExitCode == 0 && strings.TrimSpace(r.Stdout) == "active"
}

func fmtBool(b bool) string { return strconv.FormatBool(b) }

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// LiveProbes returns the command-backed probes for the local host.
// Topics without a live probe are reported as skipped by the collector.
func LiveProbes(exec tactile.Executor) []Probe {
	unitState := func(label string) ParseFunc {
		return func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			on := active(rs[0])
			state := "inactive"
			if on {
				state = "running"
			}
			return map[string]string{"active": fmtBool(on)}, label + " " + state, nil
		}
	}

	return []Probe{
		// ---- audio ----
		NewCommandProbe(TopicPipewireStatus, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			svc, sock, pulse := active(rs[0]), active(rs[1]), active(rs[2])
			return map[string]string{
					"service_active": fmtBool(svc),
					"socket_active":  fmtBool(sock),
					"pulse_active":   fmtBool(pulse),
				}, fmt.Sprintf("pipewire service=%s socket=%s pulse=%s",
					onOff(svc), onOff(sock), onOff(pulse)), nil
		}, userUnit("pipewire.service"), userUnit("pipewire.socket"), userUnit("pipewire-pulse.service")),
		NewCommandProbe(TopicWireplumberStatus, exec, unitState("WirePlumber"), userUnit("wireplumber.service")),
		NewCommandProbe(TopicPulseaudioStatus, exec, unitState("PulseAudio"), userUnit("pulseaudio.service")),
		NewCommandProbe(TopicBluetoothStatus, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			on := active(rs[0])
			return map[string]string{"active": fmtBool(on), "audio_devices": "0"}, "bluetooth " + onOff(on), nil
		}, systemUnit("bluetooth.service")),
		NewCommandProbe(TopicAudioDevices, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			sinks, cards := 0, 0
			if rs[0].ExitCode == 0 {
				sinks = len(lines(rs[0].Stdout))
			}
			if rs[1].ExitCode == 0 {
				cards = len(lines(rs[1].Stdout))
			}
			return map[string]string{"sinks": strconv.Itoa(sinks), "cards": strconv.Itoa(cards)},
				fmt.Sprintf("%d cards, %d sinks", cards, sinks), nil
		}, cmd("pactl", "list", "short", "sinks"), cmd("pactl", "list", "short", "cards")),
		NewCommandProbe(TopicDefaultSink, exec, parseDefaultSink,
			cmd("pactl", "get-default-sink"), cmd("pactl", "get-sink-mute", "@DEFAULT_SINK@"), cmd("pactl", "get-sink-volume", "@DEFAULT_SINK@")),

		// ---- network ----
		NewCommandProbe(TopicNetworkManagerStatus, exec, unitState("NetworkManager"), systemUnit("NetworkManager.service")),
		NewCommandProbe(TopicInterfaceStatus, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			total, up := 0, 0
			for _, l := range lines(rs[0].Stdout) {
				f := strings.Fields(l)
				if len(f) < 2 || f[0] == "lo" {
					continue
				}
				total++
				if f[1] == "UP" {
					up++
				}
			}
			return map[string]string{"interfaces": strconv.Itoa(total), "up": strconv.Itoa(up)},
				fmt.Sprintf("%d/%d interfaces up", up, total), nil
		}, cmd("ip", "-br", "link")),
		NewCommandProbe(TopicIPAddresses, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			n := len(lines(rs[0].Stdout))
			return map[string]string{"ipv4": strconv.Itoa(n)}, fmt.Sprintf("%d global IPv4 addresses", n), nil
		}, cmd("ip", "-4", "-o", "addr", "show", "scope", "global")),
		NewCommandProbe(TopicRoutes, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			ls := lines(rs[0].Stdout)
			facts := map[string]string{"default_route": fmtBool(len(ls) > 0)}
			summary := "no default route"
			if len(ls) > 0 {
				f := strings.Fields(ls[0])
				if len(f) >= 3 && f[1] == "via" {
					facts["gateway"] = f[2]
				}
				summary = "default route " + ls[0]
			}
			return facts, summary, nil
		}, cmd("ip", "route", "show", "default")),
		NewCommandProbe(TopicDNSConfig, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			servers := 0
			for _, l := range lines(rs[0].Stdout) {
				if strings.HasPrefix(l, "DNS Servers:") || strings.HasPrefix(l, "Current DNS Server:") {
					servers += len(strings.Fields(l[strings.Index(l, ":")+1:]))
				}
			}
			return map[string]string{"servers": strconv.Itoa(servers)}, fmt.Sprintf("%d DNS servers", servers), nil
		}, cmd("resolvectl", "status")),

		// ---- storage ----
		NewCommandProbe(TopicMountPoints, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			f := strings.Fields(strings.TrimSpace(rs[0].Stdout))
			if len(f) < 2 {
				return nil, "", fmt.Errorf("unexpected findmnt output")
			}
			ro := false
			for _, opt := range strings.Split(f[1], ",") {
				if opt == "ro" {
					ro = true
				}
			}
			return map[string]string{"root_fstype": f[0], "root_readonly": fmtBool(ro)},
				fmt.Sprintf("/ is %s (%s)", f[0], map[bool]string{true: "read-only", false: "read-write"}[ro]), nil
		}, cmd("findmnt", "-n", "-o", "FSTYPE,OPTIONS", "/")),
		NewCommandProbe(TopicDiskUsage, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			ls := lines(rs[0].Stdout)
			if len(ls) < 2 {
				return nil, "", fmt.Errorf("unexpected df output")
			}
			f := strings.Fields(ls[len(ls)-1])
			if len(f) < 5 {
				return nil, "", fmt.Errorf("unexpected df output")
			}
			pct := strings.TrimSuffix(f[4], "%")
			if _, err := strconv.Atoi(pct); err != nil {
				return nil, "", fmt.Errorf("parse df usage: %w", err)
			}
			return map[string]string{"root_used_percent": pct}, "/ is " + pct + "% full", nil
		}, cmd("df", "-P", "/")),
		NewCommandProbe(TopicBlockDevices, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			disks := 0
			for _, l := range lines(rs[0].Stdout) {
				if f := strings.Fields(l); len(f) >= 2 && f[1] == "disk" {
					disks++
				}
			}
			return map[string]string{"disks": strconv.Itoa(disks)}, fmt.Sprintf("%d disks", disks), nil
		}, cmd("lsblk", "-rn", "-o", "NAME,TYPE")),
		NewCommandProbe(TopicBtrfsStatus, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			errs := 0
			for _, l := range lines(rs[0].Stdout) {
				f := strings.Fields(l)
				if len(f) == 2 {
					if n, err := strconv.Atoi(f[1]); err == nil {
						errs += n
					}
				}
			}
			return map[string]string{"errors": strconv.Itoa(errs)}, fmt.Sprintf("%d btrfs device errors", errs), nil
		}, cmd("btrfs", "device", "stats", "/")),

		// ---- boot ----
		NewCommandProbe(TopicFailedUnits, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			var units []string
			for _, l := range lines(rs[0].Stdout) {
				if f := strings.Fields(l); len(f) > 0 {
					units = append(units, f[0])
				}
			}
			return map[string]string{"count": strconv.Itoa(len(units)), "units": strings.Join(units, ",")},
				fmt.Sprintf("%d failed units", len(units)), nil
		}, cmd("systemctl", "--failed", "--plain", "--no-legend")),
		NewCommandProbe(TopicBootTiming, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			ms, err := parseBootTotal(rs[0].Stdout)
			if err != nil {
				return nil, "", err
			}
			return map[string]string{"total_ms": strconv.Itoa(ms)}, fmt.Sprintf("boot took %s", time.Duration(ms)*time.Millisecond), nil
		}, cmd("systemd-analyze", "time")),
		NewCommandProbe(TopicBootBlame, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			ls := lines(rs[0].Stdout)
			if len(ls) == 0 {
				return nil, "", fmt.Errorf("empty blame output")
			}
			f := strings.Fields(ls[0])
			if len(f) < 2 {
				return nil, "", fmt.Errorf("unexpected blame output")
			}
			unit := f[len(f)-1]
			d, err := parseSystemdDuration(strings.Join(f[:len(f)-1], ""))
			if err != nil {
				return nil, "", err
			}
			return map[string]string{"slowest_unit": unit, "slowest_ms": strconv.Itoa(int(d.Milliseconds()))},
				fmt.Sprintf("slowest unit %s (%s)", unit, d), nil
		}, cmd("systemd-analyze", "blame", "--no-pager")),

		// ---- graphics ----
		NewCommandProbe(TopicPortalStatus, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			portal, backend := active(rs[0]), active(rs[1]) || active(rs[2]) || active(rs[3])
			return map[string]string{"active": fmtBool(portal), "backend_active": fmtBool(backend)},
				fmt.Sprintf("portal %s, backend %s", onOff(portal), onOff(backend)), nil
		}, userUnit("xdg-desktop-portal.service"), userUnit("xdg-desktop-portal-gtk.service"),
			userUnit("xdg-desktop-portal-kde.service"), userUnit("xdg-desktop-portal-hyprland.service")),
		NewCommandProbe(TopicSessionType, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			kind := sessionProps(rs[0].Stdout)["Type"]
			return map[string]string{"type": kind}, "session type " + orUnset(kind), nil
		}, showSession("Type")),
		NewCommandProbe(TopicCompositor, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			props := sessionProps(rs[0].Stdout)
			name := props["Desktop"]
			running := (props["Type"] == "wayland" || props["Type"] == "x11") &&
				(props["State"] == "active" || props["State"] == "online")
			return map[string]string{"name": name, "running": fmtBool(running)},
				fmt.Sprintf("compositor %s %s", orUnset(name), onOff(running)), nil
		}, showSession("Type", "Desktop", "State")),
		NewCommandProbe(TopicGPUInfo, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			gpus := parseDisplayDevices(rs[0].Stdout)
			vendor := ""
			if len(gpus) > 0 {
				vendor = gpus[0].vendor
			}
			return map[string]string{"count": strconv.Itoa(len(gpus)), "vendor": vendor},
				fmt.Sprintf("%d GPUs, vendor %s", len(gpus), orUnset(vendor)), nil
		}, cmd("lspci", "-k")),
		NewCommandProbe(TopicDriverStack, exec, func(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
			driver, loaded := "", false
			for _, g := range parseDisplayDevices(rs[0].Stdout) {
				if driver = g.driver(); driver != "" {
					// A bound driver may be built in and absent from lsmod.
					loaded = g.inUse != "" || moduleLoaded(rs[1].Stdout, driver)
					break
				}
			}
			return map[string]string{"driver": driver, "loaded": fmtBool(loaded)},
				fmt.Sprintf("driver %s loaded=%v", orUnset(driver), loaded), nil
		}, cmd("lspci", "-k"), cmd("lsmod")),
	}
}

// showSession asks logind about the caller's own session.
func showSession(props ...string) tactile.Command {
	args := []string{"show-session", "auto"}
	for _, p := range props {
		args = append(args, "-p", p)
	}
	return cmd("loginctl", args...)
}

// sessionProps parses loginctl's Key=Value output.
func sessionProps(out string) map[string]string {
	props := make(map[string]string)
	for _, l := range lines(out) {
		if k, v, ok := strings.Cut(l, "="); ok {
			props[k] = v
		}
	}
	return props
}

type displayDevice struct {
	vendor  string
	inUse   string
	modules []string
}

// driver is the bound kernel driver, or the first candidate module when
// nothing is bound.
func (d displayDevice) driver() string {
	if d.inUse != "" || len(d.modules) == 0 {
		return d.inUse
	}
	return d.modules[0]
}

var displayClasses = []string{"VGA compatible controller", "3D controller", "Display controller"}

// parseDisplayDevices picks the GPUs out of `lspci -k`. Device lines start
// at column zero and their driver details follow indented.
func parseDisplayDevices(out string) []displayDevice {
	var (
		gpus []displayDevice
		cur  *displayDevice
	)
	for _, raw := range strings.Split(out, "\n") {
		if raw == "" {
			continue
		}
		if raw[0] != ' ' && raw[0] != '\t' {
			cur = nil
			for _, class := range displayClasses {
				if strings.Contains(raw, class+":") {
					gpus = append(gpus, displayDevice{vendor: gpuVendor(raw)})
					cur = &gpus[len(gpus)-1]
					break
				}
			}
			continue
		}
		if cur == nil {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			continue
		}
		switch k {
		case "Kernel driver in use":
			cur.inUse = strings.TrimSpace(v)
		case "Kernel modules":
			for _, m := range strings.Split(v, ",") {
				if m = strings.TrimSpace(m); m != "" {
					cur.modules = append(cur.modules, m)
				}
			}
		}
	}
	return gpus
}

func gpuVendor(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "nvidia"):
		return "nvidia"
	case strings.Contains(l, "advanced micro devices"), strings.Contains(l, "amd/ati"), strings.Contains(l, " amd "):
		return "amd"
	case strings.Contains(l, "intel"):
		return "intel"
	case strings.Contains(l, "virtio"), strings.Contains(l, "vmware"), strings.Contains(l, "qxl"), strings.Contains(l, "red hat"):
		return "virtual"
	}
	return "other"
}

// moduleLoaded reports whether lsmod lists the module. Module names use
// underscores where driver names may use dashes.
func moduleLoaded(lsmod, module string) bool {
	want := strings.ReplaceAll(module, "-", "_")
	for _, l := range lines(lsmod) {
		if f := strings.Fields(l); len(f) > 0 && f[0] == want {
			return true
		}
	}
	return false
}

func orUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseDefaultSink(rs []*tactile.ExecutionResult) (map[string]string, string, error) {
	name := ""
	if rs[0].ExitCode == 0 {
		name = strings.TrimSpace(rs[0].Stdout)
	}
	facts := map[string]string{"name": name}
	if name == "" {
		return facts, "no default sink", nil
	}
	muted := strings.Contains(rs[1].Stdout, "yes")
	facts["muted"] = fmtBool(muted)
	volume := -1
	for _, f := range strings.Fields(rs[2].Stdout) {
		if strings.HasSuffix(f, "%") {
			if v, err := strconv.Atoi(strings.TrimSuffix(f, "%")); err == nil {
				volume = v
				break
			}
		}
	}
	if volume >= 0 {
		facts["volume"] = strconv.Itoa(volume)
	}
	return facts, fmt.Sprintf("default sink %s (muted=%v, volume=%d%%)", name, muted, volume), nil
}

// parseBootTotal extracts the total from `systemd-analyze time`, e.g.
// "Startup finished in 4.1s (firmware) + ... = 21.334s".
func parseBootTotal(out string) (int, error) {
	idx := strings.LastIndex(out, "=")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected systemd-analyze output")
	}
	rest := strings.TrimSpace(out[idx+1:])
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	d, err := parseSystemdDuration(strings.ReplaceAll(rest, " ", ""))
	if err != nil {
		return 0, err
	}
	return int(d.Milliseconds()), nil
}

// parseSystemdDuration handles systemd's compact spans such as "1min 2.5s" or "830ms".
func parseSystemdDuration(s string) (time.Duration, error) {
	s = strings.ReplaceAll(s, "min", "m")
	return time.ParseDuration(s)
}
