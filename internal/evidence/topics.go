// Package evidence holds the read-only fact snapshots diagnosis runs against.
//
// A Bundle is a timestamped, topic-keyed set of Items for one domain. Bundles
// are produced by a Collector that runs Probes in parallel with a bounded
// per-probe timeout; a probe that times out or fails yields a Skipped item,
// never a fabricated value.
package evidence

import (
	"fmt"
	"sort"

	"hostmedic/internal/types"
)

// Topic names one kind of fact within a domain. The set per domain is closed.
type Topic string

// Audio topics.
const (
	TopicPipewireStatus    Topic = "pipewire_status"
	TopicWireplumberStatus Topic = "wireplumber_status"
	TopicAudioDevices      Topic = "audio_devices"
	TopicDefaultSink       Topic = "default_sink"
	TopicPulseaudioStatus  Topic = "pulseaudio_status"
	TopicBluetoothStatus   Topic = "bluetooth_status"
)

// Network topics.
const (
	TopicInterfaceStatus      Topic = "interface_status"
	TopicIPAddresses          Topic = "ip_addresses"
	TopicRoutes               Topic = "routes"
	TopicDNSConfig            Topic = "dns_config"
	TopicNetworkManagerStatus Topic = "network_manager_status"
	TopicWifiSignal           Topic = "wifi_signal"
)

// Storage topics.
const (
	TopicMountPoints  Topic = "mount_points"
	TopicDiskUsage    Topic = "disk_usage"
	TopicBlockDevices Topic = "block_devices"
	TopicBtrfsStatus  Topic = "btrfs_status"
	TopicSmartStatus  Topic = "smart_status"
)

// Boot topics.
const (
	TopicBootTiming   Topic = "boot_timing"
	TopicBootBlame    Topic = "boot_blame"
	TopicFailedUnits  Topic = "failed_units"
	TopicBootBaseline Topic = "boot_baseline"
	TopicJournalBoot  Topic = "journal_boot"
)

// Graphics topics.
const (
	TopicSessionType  Topic = "session_type"
	TopicCompositor   Topic = "compositor"
	TopicGPUInfo      Topic = "gpu_info"
	TopicDriverStack  Topic = "driver_stack"
	TopicPortalStatus Topic = "portal_status"
)

// TopicSpec documents a topic and the fact keys its items carry.
type TopicSpec struct {
	Topic       Topic
	Domain      types.Domain
	Description string
	Facts       []string
}

var topicTable = []TopicSpec{
	{TopicPipewireStatus, types.DomainAudio, "PipeWire service and socket state", []string{"service_active", "socket_active", "pulse_active"}},
	{TopicWireplumberStatus, types.DomainAudio, "WirePlumber session manager state", []string{"active"}},
	{TopicAudioDevices, types.DomainAudio, "Sound cards and sinks", []string{"cards", "sinks"}},
	{TopicDefaultSink, types.DomainAudio, "Default output device", []string{"name", "muted", "volume"}},
	{TopicPulseaudioStatus, types.DomainAudio, "Standalone PulseAudio daemon", []string{"active"}},
	{TopicBluetoothStatus, types.DomainAudio, "Bluetooth service and audio devices", []string{"active", "audio_devices"}},

	{TopicInterfaceStatus, types.DomainNetwork, "Link state of non-loopback interfaces", []string{"interfaces", "up"}},
	{TopicIPAddresses, types.DomainNetwork, "Global IPv4 addresses", []string{"ipv4"}},
	{TopicRoutes, types.DomainNetwork, "Default route", []string{"default_route", "gateway"}},
	{TopicDNSConfig, types.DomainNetwork, "Configured DNS servers", []string{"servers"}},
	{TopicNetworkManagerStatus, types.DomainNetwork, "NetworkManager service state", []string{"active"}},
	{TopicWifiSignal, types.DomainNetwork, "Wireless signal strength", []string{"signal"}},

	{TopicMountPoints, types.DomainStorage, "Root filesystem mount", []string{"root_fstype", "root_readonly"}},
	{TopicDiskUsage, types.DomainStorage, "Root filesystem usage", []string{"root_used_percent"}},
	{TopicBlockDevices, types.DomainStorage, "Physical disks", []string{"disks"}},
	{TopicBtrfsStatus, types.DomainStorage, "Btrfs device error counters", []string{"errors"}},
	{TopicSmartStatus, types.DomainStorage, "SMART health verdict", []string{"healthy"}},

	{TopicBootTiming, types.DomainBoot, "Total boot time", []string{"total_ms"}},
	{TopicBootBlame, types.DomainBoot, "Slowest unit during boot", []string{"slowest_unit", "slowest_ms"}},
	{TopicFailedUnits, types.DomainBoot, "Units in failed state", []string{"count", "units"}},
	{TopicBootBaseline, types.DomainBoot, "Recorded healthy boot time", []string{"total_ms"}},
	{TopicJournalBoot, types.DomainBoot, "Error-priority journal entries this boot", []string{"errors"}},

	{TopicSessionType, types.DomainGraphics, "Login session type", []string{"type"}},
	{TopicCompositor, types.DomainGraphics, "Compositor or display manager", []string{"name", "running"}},
	{TopicGPUInfo, types.DomainGraphics, "Detected GPUs", []string{"vendor", "count"}},
	{TopicDriverStack, types.DomainGraphics, "Kernel graphics driver", []string{"driver", "loaded"}},
	{TopicPortalStatus, types.DomainGraphics, "xdg-desktop-portal services", []string{"active", "backend_active"}},
}

var topicIndex = func() map[types.Domain]map[Topic]TopicSpec {
	idx := make(map[types.Domain]map[Topic]TopicSpec)
	for _, spec := range topicTable {
		if idx[spec.Domain] == nil {
			idx[spec.Domain] = make(map[Topic]TopicSpec)
		}
		idx[spec.Domain][spec.Topic] = spec
	}
	return idx
}()

// TopicsFor returns the closed topic set for a domain, sorted.
func TopicsFor(domain types.Domain) []Topic {
	out := make([]Topic, 0, len(topicIndex[domain]))
	for t := range topicIndex[domain] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the topic entry within a domain.
func Lookup(domain types.Domain, topic Topic) (TopicSpec, bool) {
	spec, ok := topicIndex[domain][topic]
	return spec, ok
}

// ValidateTopic returns an error when topic is not in domain's closed set.
func ValidateTopic(domain types.Domain, topic Topic) error {
	if _, ok := Lookup(domain, topic); !ok {
		return fmt.Errorf("topic %q is not defined for domain %s", topic, domain)
	}
	return nil
}

// Ref returns the stable evidence reference for a topic in a domain.
func Ref(domain types.Domain, topic Topic) string {
	return string(domain) + "/" + string(topic)
}
