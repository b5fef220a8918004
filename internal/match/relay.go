package match

import (
	"log/slog"

	"github.com/strangerface/matchrelay/internal/metrics"
)

// Relay forwards negotiation messages between paired endpoints. It is a pure
// pass-through: SDP and ICE payloads are never interpreted, which keeps the
// server agnostic to protocol revisions on the client side.
type Relay struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
}

func NewRelay(log *slog.Logger, m *metrics.Metrics, registry *Registry) *Relay {
	return &Relay{log: log, metrics: m, registry: registry}
}

// Forward delivers sig to the sender's partner, tagging it with the sender's
// id. A sender with no partner is an expected race (the partner disconnected
// while the message was in flight): the message is dropped silently.
func (r *Relay) Forward(senderID string, sig Signal) {
	sender := r.registry.Lookup(senderID)
	if sender == nil || !sender.Paired() {
		r.metrics.Inc(metrics.SignalDroppedNoPeer)
		return
	}

	partner := r.registry.Lookup(sender.PartnerID)
	if partner == nil {
		r.metrics.Inc(metrics.SignalDroppedNoPeer)
		return
	}

	sig.From = senderID
	partner.Conn.SendSignal(sig)
	r.metrics.Inc(metrics.SignalRelayed)
}
