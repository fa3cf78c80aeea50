package registry

import (
	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

// DefaultDefinitions returns the built-in specialists.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:          "network",
			Name:        "Network Doctor",
			Description: "Diagnoses connectivity, DNS, addressing and NetworkManager issues",
			Domain:      types.DomainNetwork,
			Keywords: []string{
				"network", "wifi", "wireless", "internet", "ethernet", "connection",
				"dns", "ping", "router", "dhcp", "vpn", "offline", "disconnect",
			},
			IntentTags: []string{"network_diagnosis", "connectivity_issue", "wifi_problem"},
			Symptoms: []string{
				"no internet", "wifi disconnecting", "can't connect", "network slow",
				"dns not resolving", "no connection",
			},
			RequiredEvidence: []ev.Topic{ev.TopicInterfaceStatus, ev.TopicIPAddresses, ev.TopicRoutes, ev.TopicDNSConfig},
			OptionalEvidence: []ev.Topic{ev.TopicNetworkManagerStatus, ev.TopicWifiSignal},
			AllowedPlaybooks: []string{"restart_networkmanager", "flush_dns"},
			CaseFileName:     "networking_doctor.json",
			Priority:         80,
			Enabled:          true,
		},
		{
			ID:          "storage",
			Name:        "Storage Doctor",
			Description: "Diagnoses disk space, btrfs health and mount issues",
			Domain:      types.DomainStorage,
			Keywords: []string{
				"disk", "storage", "btrfs", "filesystem", "mount", "partition",
				"ssd", "nvme", "hdd", "smart", "snapshot", "space",
			},
			IntentTags: []string{"storage_diagnosis", "disk_issue", "filesystem_problem"},
			Symptoms: []string{
				"disk full", "no space", "disk slow", "mount failed",
				"filesystem error", "btrfs error", "io error",
			},
			RequiredEvidence: []ev.Topic{ev.TopicMountPoints, ev.TopicDiskUsage, ev.TopicBlockDevices},
			OptionalEvidence: []ev.Topic{ev.TopicBtrfsStatus, ev.TopicSmartStatus},
			AllowedPlaybooks: []string{"btrfs_scrub", "btrfs_balance", "clean_cache"},
			CaseFileName:     "storage_doctor.json",
			Priority:         70,
			Enabled:          true,
		},
		{
			ID:          "audio",
			Name:        "Audio Doctor",
			Description: "Diagnoses PipeWire, WirePlumber, output device and Bluetooth audio issues",
			Domain:      types.DomainAudio,
			Keywords: []string{
				"audio", "sound", "speaker", "speakers", "headphone", "headphones",
				"microphone", "mic", "volume", "mute", "pipewire", "wireplumber",
				"pulseaudio", "alsa",
			},
			IntentTags: []string{"audio_diagnosis", "sound_issue", "audio_problem"},
			Symptoms: []string{
				"no sound", "no audio", "sound not working", "audio broken",
				"can't hear", "bluetooth audio", "crackling", "audio stuttering",
			},
			RequiredEvidence: []ev.Topic{ev.TopicPipewireStatus, ev.TopicWireplumberStatus, ev.TopicAudioDevices, ev.TopicDefaultSink},
			OptionalEvidence: []ev.Topic{ev.TopicPulseaudioStatus, ev.TopicBluetoothStatus},
			AllowedPlaybooks: []string{"restart_wireplumber", "restart_pipewire", "unmute_default_sink"},
			CaseFileName:     "audio_doctor.json",
			Priority:         75,
			Enabled:          true,
		},
		{
			ID:          "boot",
			Name:        "Boot Doctor",
			Description: "Diagnoses slow boot, failed units and startup regressions",
			Domain:      types.DomainBoot,
			Keywords: []string{
				"boot", "startup", "systemd", "service", "reboot", "shutdown",
				"initramfs", "grub", "bootloader",
			},
			IntentTags: []string{"boot_diagnosis", "startup_issue", "boot_problem"},
			Symptoms: []string{
				"slow boot", "boot takes long", "slow startup", "stuck at boot",
				"service failed", "boot regression", "boot got slower",
			},
			RequiredEvidence: []ev.Topic{ev.TopicBootTiming, ev.TopicBootBlame, ev.TopicFailedUnits},
			OptionalEvidence: []ev.Topic{ev.TopicBootBaseline, ev.TopicJournalBoot},
			AllowedPlaybooks: []string{"disable_wait_online", "restart_service", "mask_service", "edit_config"},
			CaseFileName:     "boot_doctor.json",
			Priority:         65,
			Enabled:          true,
		},
		{
			ID:          "graphics",
			Name:        "Graphics Doctor",
			Description: "Diagnoses GPU, Wayland/X11 session, compositor and portal issues",
			Domain:      types.DomainGraphics,
			Keywords: []string{
				"graphics", "gpu", "display", "screen", "monitor", "wayland", "x11",
				"xorg", "nvidia", "amd", "intel", "compositor", "hyprland", "sway",
				"kde", "gnome", "portal", "screen share",
			},
			IntentTags: []string{"graphics_diagnosis", "display_issue", "screen_problem"},
			Symptoms: []string{
				"black screen", "screen tearing", "screen flickering", "no display",
				"screen share broken", "can't share screen", "graphics stutter", "compositor crash",
			},
			RequiredEvidence: []ev.Topic{ev.TopicSessionType, ev.TopicCompositor, ev.TopicGPUInfo, ev.TopicDriverStack},
			OptionalEvidence: []ev.Topic{ev.TopicPortalStatus},
			AllowedPlaybooks: []string{"restart_portals", "restart_display_manager"},
			CaseFileName:     "graphics_doctor.json",
			Priority:         70,
			Enabled:          true,
		},
	}
}
