package diagnosis

import (
	"fmt"

	ev "hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

func graphicsChecks() []Check {
	return []Check{
		{
			Name:   "Identify Session",
			Topics: []ev.Topic{ev.TopicSessionType},
			Run: func(b *ev.Bundle) Outcome {
				kind, _ := strFact(b, ev.TopicSessionType, "type")
				switch kind {
				case "wayland", "x11":
					return pass("Session type is "+kind, "A graphical session is active.", "graphics.no_session")
				case "", "tty":
					return partial("No graphical session (type "+orNone(kind)+")",
						"Graphics problems may be the login itself failing to start a session.", "graphics.no_session")
				}
				return pass("Session type is "+kind, "A session is active.", "graphics.no_session")
			},
		},
		{
			Name:   "Detect GPU",
			Topics: []ev.Topic{ev.TopicGPUInfo},
			Run: func(b *ev.Bundle) Outcome {
				n, ok := intFact(b, ev.TopicGPUInfo, "count")
				if !ok {
					return unknown(ev.TopicGPUInfo, "count")
				}
				vendor, _ := strFact(b, ev.TopicGPUInfo, "vendor")
				if n == 0 {
					return fail(types.SeverityCritical, "No GPU detected",
						"The display is falling back to a basic framebuffer or nothing at all.", "graphics.no_gpu")
				}
				return pass(fmt.Sprintf("%d GPU(s), vendor %s", n, orNone(vendor)), "Graphics hardware is visible.",
					"graphics.no_gpu")
			},
		},
		{
			Name:   "Check Driver",
			Topics: []ev.Topic{ev.TopicDriverStack},
			Run: func(b *ev.Bundle) Outcome {
				loaded, ok := boolFact(b, ev.TopicDriverStack, "loaded")
				if !ok {
					return unknown(ev.TopicDriverStack, "loaded")
				}
				driver, _ := strFact(b, ev.TopicDriverStack, "driver")
				if !loaded {
					return fail(types.SeverityError, fmt.Sprintf("Driver %s is not loaded", orNone(driver)),
						"Without a kernel driver there is no acceleration and often no display.", "graphics.driver_missing")
				}
				return pass("Driver "+orNone(driver)+" is loaded", "The kernel driver is in place.", "graphics.driver_missing")
			},
		},
		{
			Name:   "Check Compositor",
			Topics: []ev.Topic{ev.TopicCompositor},
			Run: func(b *ev.Bundle) Outcome {
				running, ok := boolFact(b, ev.TopicCompositor, "running")
				if !ok {
					return unknown(ev.TopicCompositor, "running")
				}
				name, _ := strFact(b, ev.TopicCompositor, "name")
				if !running {
					return fail(types.SeverityError, fmt.Sprintf("Compositor %s is not running", orNone(name)),
						"Nothing is drawing the desktop.", "graphics.compositor_down")
				}
				return pass("Compositor "+orNone(name)+" is running", "The desktop is being composited.",
					"graphics.compositor_down")
			},
		},
		{
			Name:            "Check Portals",
			Topics:          []ev.Topic{ev.TopicPortalStatus},
			Optional:        []ev.Topic{ev.TopicSessionType},
			SkipImplication: "Screen sharing and file pickers were not checked.",
			Run: func(b *ev.Bundle) Outcome {
				active, ok := boolFact(b, ev.TopicPortalStatus, "active")
				if !ok {
					return unknown(ev.TopicPortalStatus, "active")
				}
				backend, _ := boolFact(b, ev.TopicPortalStatus, "backend_active")
				if active && backend {
					return pass("xdg-desktop-portal and a backend are running",
						"Screen sharing and portals are available.", "graphics.portal_down")
				}
				if kind, _ := strFact(b, ev.TopicSessionType, "type"); kind == "x11" {
					return pass("Portals are inactive on an X11 session", "X11 does not need portals for screen capture.",
						"graphics.portal_down")
				}
				return fail(types.SeverityWarning,
					fmt.Sprintf("Portal %s, backend %s", onOff(active), onOff(backend)),
					"Screen sharing and sandboxed file pickers will not work on Wayland.", "graphics.portal_down")
			},
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
