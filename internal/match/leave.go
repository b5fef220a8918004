package match

import (
	"log/slog"

	"github.com/strangerface/matchrelay/internal/metrics"
)

// LeaveHandler tears down an endpoint's pairing and, for transport closes,
// removes it from the registry entirely. Every step runs even when the
// endpoint's own transport is already gone.
type LeaveHandler struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *Registry
	queue    *Queue
	rooms    *Rooms
}

func NewLeaveHandler(log *slog.Logger, m *metrics.Metrics, registry *Registry, queue *Queue, rooms *Rooms) *LeaveHandler {
	return &LeaveHandler{
		log:      log,
		metrics:  m,
		registry: registry,
		queue:    queue,
		rooms:    rooms,
	}
}

// HandleLeave is idempotent: a second call for the same id is a no-op.
//
// For ReasonVoluntaryNext and ReasonReported the endpoint stays registered
// (the caller re-enters it into matchmaking); for ReasonTransportClosed it is
// removed, which also guarantees no dangling queue entry survives the record.
func (l *LeaveHandler) HandleLeave(id string, reason Reason) {
	ep := l.registry.Lookup(id)
	if ep == nil {
		return
	}

	l.queue.Remove(id)

	if ep.Paired() {
		roomID := ep.RoomID

		partner := l.registry.Lookup(ep.PartnerID)
		if partner != nil && partner.PartnerID == id {
			partner.Conn.SendPartnerDisconnected()
			partner.PartnerID, partner.RoomID = "", ""
		} else if partner != nil {
			// Symmetry violated; clear our side only and make noise.
			l.metrics.Inc(metrics.PairingInvalid)
			l.log.Error("asymmetric pairing reference during leave",
				"endpoint", id, "claimed_partner", ep.PartnerID, "partner_points_at", partner.PartnerID)
		}

		ep.PartnerID, ep.RoomID = "", ""
		l.rooms.Destroy(roomID)
		l.metrics.Inc(metrics.RoomDestroyed)

		l.log.Info("pairing ended", "room_id", roomID, "endpoint", id, "reason", string(reason))
	}

	if reason == ReasonTransportClosed {
		l.registry.Remove(id)
		l.metrics.Inc(metrics.EndpointDisconnected)
	}
}
