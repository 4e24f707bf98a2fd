package serialmux

import "github.com/banshee-data/staffetta/internal/console"

const (
	EventTypeDeliver    = string(console.KindDeliver)
	EventTypeRendezvous = string(console.KindRendezvous)
	EventTypeStats      = string(console.KindStats)
	EventTypeGenerate   = string(console.KindGenerate)
	EventTypeUnknown    = "unknown"
)

// ClassifyPayload returns the event type of a console line, or
// EventTypeUnknown for boot banners, debug output and malformed lines.
func ClassifyPayload(payload string) string {
	ev, err := console.Parse(payload)
	if err != nil {
		return EventTypeUnknown
	}
	return string(ev.Kind)
}
