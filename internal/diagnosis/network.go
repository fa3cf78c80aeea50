package diagnosis

import (
	"fmt"

	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

func networkChecks() []Check {
	// nmCause blames NetworkManager when it is known to be down.
	nmCause := func(b *ev.Bundle, fallback string) string {
		if on, ok := boolFact(b, ev.TopicNetworkManagerStatus, "active"); ok && !on {
			return "network.nm_down"
		}
		return fallback
	}

	return []Check{
		{
			Name:   "Check Links",
			Topics: []ev.Topic{ev.TopicInterfaceStatus},
			Run: func(b *ev.Bundle) Outcome {
				total, ok := intFact(b, ev.TopicInterfaceStatus, "interfaces")
				if !ok {
					return unknown(ev.TopicInterfaceStatus, "interfaces")
				}
				up, _ := intFact(b, ev.TopicInterfaceStatus, "up")
				if total == 0 || up == 0 {
					return fail(types.SeverityCritical, fmt.Sprintf("%d of %d interfaces are up", up, total),
						"With no link there is no path off this machine.", "network.link_down")
				}
				return pass(fmt.Sprintf("%d of %d interfaces are up", up, total),
					"Physical or wireless link is established.", "network.link_down")
			},
		},
		{
			Name:            "Check NetworkManager",
			Topics:          []ev.Topic{ev.TopicNetworkManagerStatus},
			SkipImplication: "Whether a connection manager is running is unknown.",
			Run: func(b *ev.Bundle) Outcome {
				on, ok := boolFact(b, ev.TopicNetworkManagerStatus, "active")
				if !ok {
					return unknown(ev.TopicNetworkManagerStatus, "active")
				}
				if !on {
					return fail(types.SeverityError, "NetworkManager.service is not running",
						"Nothing will bring up connections, request DHCP leases or push DNS servers.",
						"network.nm_down")
				}
				return pass("NetworkManager is running", "Connections are being managed.", "network.nm_down")
			},
		},
		{
			Name:     "Check Addresses",
			Topics:   []ev.Topic{ev.TopicIPAddresses},
			Optional: []ev.Topic{ev.TopicNetworkManagerStatus},
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicIPAddresses, "ipv4")
				if !ok {
					return unknown(ev.TopicIPAddresses, "ipv4")
				}
				if n == 0 {
					return fail(types.SeverityError, "No global IPv4 address is assigned",
						"Without an address the host cannot reach the local network.",
						nmCause(b, "network.no_address"))
				}
				return pass(fmt.Sprintf("%d global IPv4 addresses", n),
					"Addressing succeeded.", "network.no_address")
			},
		},
		{
			Name:     "Check Routes",
			Topics:   []ev.Topic{ev.TopicRoutes},
			Optional: []ev.Topic{ev.TopicNetworkManagerStatus},
			Run: func(b *ev.Bundle) Outcome {
				def, ok := boolFact(b, ev.TopicRoutes, "default_route")
				if !ok {
					return unknown(ev.TopicRoutes, "default_route")
				}
				if !def {
					return fail(types.SeverityError, "No default route",
						"Traffic for the internet has no gateway.", nmCause(b, "network.no_route"))
				}
				gw, _ := strFact(b, ev.TopicRoutes, "gateway")
				return pass("Default route via "+orUnknown(gw), "Off-link traffic has a gateway.", "network.no_route")
			},
		},
		{
			Name:     "Check DNS",
			Topics:   []ev.Topic{ev.TopicDNSConfig},
			Optional: []ev.Topic{ev.TopicWifiSignal},
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicDNSConfig, "servers")
				if !ok {
					return unknown(ev.TopicDNSConfig, "servers")
				}
				if n == 0 {
					return fail(types.SeverityError, "No DNS servers configured",
						"Names will not resolve even though IP connectivity may work.", "network.dns_broken")
				}
				if sig, ok := intFact(b, ev.TopicWifiSignal, "signal"); ok && sig < 30 {
					return partial(fmt.Sprintf("%d DNS servers configured; wifi signal is %d%%", n, sig),
						"Lookups may time out on a weak wireless link.", "network.weak_signal")
				}
				return pass(fmt.Sprintf("%d DNS servers configured", n), "Name resolution is configured.",
					"network.dns_broken")
			},
		},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown gateway"
	}
	return s
}
