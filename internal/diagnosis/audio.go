package diagnosis

import (
	"fmt"

	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

// audioChecks walks the PipeWire stack from the daemon outward: services,
// devices, the default output, conflicting daemons, then Bluetooth.
func audioChecks() []Check {
	return []Check{
		{
			Name:     "Identify Stack",
			Topics:   []ev.Topic{ev.TopicPipewireStatus},
			Optional: []ev.Topic{ev.TopicPulseaudioStatus},
			Run: func(b *ev.Bundle) Outcome {
				svc, ok := boolFact(b, ev.TopicPipewireStatus, "service_active")
				if !ok {
					return unknown(ev.TopicPipewireStatus, "service_active")
				}
				sock, ok := boolFact(b, ev.TopicPipewireStatus, "socket_active")
				if !ok {
					return unknown(ev.TopicPipewireStatus, "socket_active")
				}
				if svc || sock {
					return pass(
						fmt.Sprintf("PipeWire is the audio stack (service %s, socket %s)", onOff(svc), onOff(sock)),
						"Fixes target PipeWire and its session manager.",
						"audio.pipewire_down")
				}
				if pulse, ok := boolFact(b, ev.TopicPulseaudioStatus, "active"); ok && pulse {
					return partial("PipeWire is inactive and standalone PulseAudio is running",
						"This host runs PulseAudio rather than PipeWire; PipeWire repairs do not apply.")
				}
				return fail(types.SeverityCritical,
					"Neither pipewire.service nor pipewire.socket is active",
					"Without the PipeWire daemon no application can play sound.",
					"audio.pipewire_down")
			},
		},
		{
			Name:   "Verify Services",
			Topics: []ev.Topic{ev.TopicPipewireStatus, ev.TopicWireplumberStatus},
			Run: func(b *ev.Bundle) Outcome {
				wp, ok := boolFact(b, ev.TopicWireplumberStatus, "active")
				if !ok {
					return unknown(ev.TopicWireplumberStatus, "active")
				}
				svc, _ := boolFact(b, ev.TopicPipewireStatus, "service_active")
				sock, _ := boolFact(b, ev.TopicPipewireStatus, "socket_active")

				var causes []string
				details := "WirePlumber is running"
				if !wp {
					causes = append(causes, "audio.wireplumber_down")
					details = "WirePlumber is not running"
				}
				switch {
				case !svc && !sock:
					causes = append(causes, "audio.pipewire_down")
					details += "; PipeWire is stopped"
				case !svc && sock:
					details += "; pipewire.service is idle but its socket will start it on first connection"
				}
				if len(causes) == 0 {
					return pass(details, "The audio daemons are up; look at devices and routing next.",
						"audio.wireplumber_down", "audio.pipewire_down")
				}
				return fail(types.SeverityError, details,
					"Without a running session manager PipeWire exposes no devices and applications have nowhere to send audio.",
					causes...)
			},
		},
		{
			Name:     "Confirm Devices",
			Topics:   []ev.Topic{ev.TopicAudioDevices},
			Optional: []ev.Topic{ev.TopicWireplumberStatus},
			Run: func(b *ev.Bundle) Outcome {
				sinks, ok := intFact(b, ev.TopicAudioDevices, "sinks")
				if !ok {
					return unknown(ev.TopicAudioDevices, "sinks")
				}
				cards, _ := intFact(b, ev.TopicAudioDevices, "cards")
				if sinks > 0 {
					return pass(fmt.Sprintf("%d sinks on %d cards", sinks, cards),
						"Output devices are exposed to applications.",
						"audio.no_hardware", "audio.no_sinks")
				}
				if cards == 0 {
					return fail(types.SeverityCritical, "No sound cards and no sinks detected",
						"The kernel sees no audio hardware; no service restart will help.",
						"audio.no_hardware")
				}
				details := fmt.Sprintf("%d sound cards detected but no sinks are exposed", cards)
				if wp, ok := boolFact(b, ev.TopicWireplumberStatus, "active"); ok && !wp {
					return partial(details,
						"The hardware is present; sinks are created by the session manager, which is not running.",
						"audio.wireplumber_down")
				}
				return partial(details,
					"The card profile may be set to off, so nothing can be played.",
					"audio.no_sinks")
			},
		},
		{
			Name:     "Check Default Output",
			Topics:   []ev.Topic{ev.TopicDefaultSink},
			Optional: []ev.Topic{ev.TopicWireplumberStatus},
			Run: func(b *ev.Bundle) Outcome {
				name, _ := strFact(b, ev.TopicDefaultSink, "name")
				if name == "" {
					implication := "Applications play to the default sink; with none selected they stay silent."
					if wp, ok := boolFact(b, ev.TopicWireplumberStatus, "active"); ok && !wp {
						return fail(types.SeverityError, "No default sink is set", implication, "audio.wireplumber_down")
					}
					return fail(types.SeverityError, "No default sink is set", implication, "audio.no_default_sink")
				}
				if muted, ok := boolFact(b, ev.TopicDefaultSink, "muted"); ok && muted {
					return fail(types.SeverityError, fmt.Sprintf("Default sink %s is muted", name),
						"Everything routed to the default output is silenced.", "audio.muted")
				}
				if vol, ok := intFact(b, ev.TopicDefaultSink, "volume"); ok && vol < 10 {
					return partial(fmt.Sprintf("Default sink %s volume is %d%%", name, vol),
						"Output is close to inaudible.", "audio.muted")
				}
				return pass(fmt.Sprintf("Default sink %s is unmuted", name),
					"Audio is routed to a usable output.",
					"audio.muted", "audio.no_default_sink")
			},
		},
		{
			Name:            "Check Conflicts",
			Topics:          []ev.Topic{ev.TopicPulseaudioStatus},
			SkipImplication: "A competing PulseAudio daemon cannot be ruled out.",
			Run: func(b *ev.Bundle) Outcome {
				on, ok := boolFact(b, ev.TopicPulseaudioStatus, "active")
				if !ok {
					return unknown(ev.TopicPulseaudioStatus, "active")
				}
				if on {
					return fail(types.SeverityError, "Standalone pulseaudio.service is running",
						"PulseAudio and pipewire-pulse fight over the same socket.",
						"audio.pulseaudio_conflict")
				}
				return pass("No standalone PulseAudio daemon", "Nothing competes with pipewire-pulse.",
					"audio.pulseaudio_conflict")
			},
		},
		{
			Name:            "Check Bluetooth",
			Topics:          []ev.Topic{ev.TopicBluetoothStatus},
			SkipImplication: "Bluetooth audio routing was not examined.",
			Run: func(b *ev.Bundle) Outcome {
				on, ok := boolFact(b, ev.TopicBluetoothStatus, "active")
				if !ok {
					return unknown(ev.TopicBluetoothStatus, "active")
				}
				devices, _ := intFact(b, ev.TopicBluetoothStatus, "audio_devices")
				if devices > 0 && !on {
					return partial(fmt.Sprintf("%d Bluetooth audio devices paired but bluetooth.service is down", devices),
						"Bluetooth headsets cannot connect.", "audio.bluetooth_down")
				}
				return pass(fmt.Sprintf("Bluetooth %s, %d audio devices connected", onOff(on), devices),
					"Bluetooth is not diverting or blocking output.",
					"audio.bluetooth_down")
			},
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
