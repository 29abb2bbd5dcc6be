// Package broadcast delivers hub-issued messages to every registered
// connection of a session.
package broadcast

import (
	"github.com/rs/zerolog"

	"classhub/internal/metrics"
	"classhub/internal/registry"
	"classhub/pkg/types"
)

// Report summarizes one fan-out.
type Report struct {
	Delivered int
	Failed    int
}

// Engine fans a message out over a registry snapshot. Delivery to each
// connection is attempted independently; a failed connection is removed from
// the registry and the next broadcast naturally excludes it. There is no
// retry. Delivery enqueues into each connection's single-writer channel, so
// as long as the caller issues broadcasts from one goroutine (the session
// hub does), every recipient observes them in issue order.
type Engine struct {
	registry *registry.Registry
	log      zerolog.Logger
}

// New creates a broadcast engine over the given registry.
func New(reg *registry.Registry, log zerolog.Logger) *Engine {
	return &Engine{
		registry: reg,
		log:      log.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast delivers msg to every connection of the session. Errors never
// escape to the caller; a transport failure is treated as an implicit
// disconnect.
func (e *Engine) Broadcast(sessionCode string, msg types.Outbound) Report {
	metrics.BroadcastsTotal.Inc()
	return e.deliver(e.registry.Snapshot(sessionCode), msg)
}

// BroadcastRole delivers msg to the session connections held by one role.
// Used for teacher-only traffic such as forwarded activity reports.
func (e *Engine) BroadcastRole(sessionCode, role string, msg types.Outbound) Report {
	return e.deliver(e.registry.SnapshotRole(sessionCode, role), msg)
}

// Unicast delivers msg to a single entry, with the same failure handling as
// a broadcast.
func (e *Engine) Unicast(entry *registry.Entry, msg types.Outbound) bool {
	report := e.deliver([]*registry.Entry{entry}, msg)
	return report.Delivered == 1
}

func (e *Engine) deliver(entries []*registry.Entry, msg types.Outbound) Report {
	var report Report
	for _, entry := range entries {
		metrics.DeliveriesTotal.Inc()
		if err := entry.Send(msg); err != nil {
			report.Failed++
			metrics.DeliveryFailuresTotal.Inc()
			e.log.Debug().
				Err(err).
				Str("connection_id", entry.ID).
				Str("user_id", entry.Identity.UserID).
				Str("kind", msg.Kind).
				Msg("delivery failed, removing connection")
			// Implicit disconnect: drop the connection so the next
			// broadcast excludes it.
			e.registry.Remove(entry.ID)
			_ = entry.Close()
			continue
		}
		report.Delivered++
	}
	return report
}
