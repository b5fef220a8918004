package match

import (
	"errors"
	"log/slog"
	"time"

	"github.com/strangerface/matchrelay/internal/metrics"
)

// Protocol error codes surfaced to clients.
const (
	ErrCodeHobbyRequired = "hobby_required"
	ErrCodeUnknownHobby  = "unknown_hobby"
	ErrCodeBadMessage    = "bad_message"
	ErrCodeInternal      = "internal_error"
)

var ErrNotRegistered = errors.New("endpoint not registered")

// Coordinator atomically matches two endpoints or parks the requester in the
// queue. It owns no state of its own; it orchestrates the Registry, Queue,
// Rooms and Denylist, all of which are hub-loop serialized.
type Coordinator struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *Registry
	queue    *Queue
	rooms    *Rooms
	blocked  *Denylist

	clock     func() time.Time
	newRoomID func() string

	leaver *LeaveHandler
}

func NewCoordinator(log *slog.Logger, m *metrics.Metrics, registry *Registry, queue *Queue, rooms *Rooms, blocked *Denylist, clock func() time.Time, newRoomID func() string) *Coordinator {
	return &Coordinator{
		log:       log,
		metrics:   m,
		registry:  registry,
		queue:     queue,
		rooms:     rooms,
		blocked:   blocked,
		clock:     clock,
		newRoomID: newRoomID,
	}
}

// SetLeaveHandler breaks the construction cycle between Coordinator and
// LeaveHandler (find-match while paired tears the old pairing down first).
func (c *Coordinator) SetLeaveHandler(l *LeaveHandler) { c.leaver = l }

// FindOrQueue pairs id with the longest-waiting compatible endpoint, or
// enqueues it. Emits match-found to both sides before returning, or waiting
// to the requester.
func (c *Coordinator) FindOrQueue(id string) error {
	ep := c.registry.Lookup(id)
	if ep == nil {
		return ErrNotRegistered
	}

	if ep.Hobby == "" {
		c.metrics.Inc(metrics.ProtocolError)
		ep.Conn.SendError(ErrCodeHobbyRequired, "set a hobby before requesting a match")
		return nil
	}

	// A find-match while still paired means "search again": tear down the old
	// pairing first so the partner is notified and re-queued state stays sane.
	if ep.Paired() && c.leaver != nil {
		c.leaver.HandleLeave(id, ReasonVoluntaryNext)
	}

	// Guard against re-entrant find-match: the requester must not be its own
	// candidate.
	c.queue.Remove(id)

	now := c.clock()

	// A reported endpoint waits out its block window in the queue rather than
	// being matched.
	if c.blocked.Contains(id, now) {
		c.enqueue(ep)
		return nil
	}

	partner := c.dequeueCompatible(ep, now)
	if partner == nil {
		c.enqueue(ep)
		return nil
	}

	roomID := c.newRoomID()
	c.rooms.Create(roomID, ep.ID, partner.ID, ep.Hobby, now)

	ep.PartnerID, ep.RoomID = partner.ID, roomID
	partner.PartnerID, partner.RoomID = ep.ID, roomID

	c.metrics.Inc(metrics.MatchCreated)
	c.log.Info("match created",
		"room_id", roomID,
		"hobby", ep.Hobby,
		"endpoint", ep.ID,
		"partner", partner.ID,
	)

	// Both sides must learn about the match before FindOrQueue returns; the
	// relative order is unspecified.
	partner.Conn.SendMatchFound(roomID, ep.Hobby)
	ep.Conn.SendMatchFound(roomID, partner.Hobby)
	return nil
}

func (c *Coordinator) enqueue(ep *Endpoint) {
	c.queue.Enqueue(ep.ID, ep.Hobby)
	c.metrics.Inc(metrics.MatchQueued)
	ep.Conn.SendWaiting()
}

// dequeueCompatible pops queue heads until it finds a live, unpaired,
// non-blocked candidate with the exact same hobby. Candidates skipped because
// they are block-listed keep their queue position; dangling and already-paired
// entries are discarded.
func (c *Coordinator) dequeueCompatible(ep *Endpoint, now time.Time) *Endpoint {
	var skipped []string
	defer func() {
		c.queue.PushFront(ep.Hobby, skipped...)
	}()

	for {
		candID, ok := c.queue.Dequeue(ep.Hobby)
		if !ok {
			return nil
		}
		if candID == ep.ID {
			// Should be impossible: the caller evicted itself before scanning.
			continue
		}

		cand := c.registry.Lookup(candID)
		if cand == nil {
			// Dangling entry; the registry invariant says this cannot happen.
			c.metrics.Inc(metrics.PairingInvalid)
			c.log.Error("queued endpoint missing from registry, discarding entry", "endpoint", candID)
			continue
		}
		if cand.Paired() {
			c.metrics.Inc(metrics.PairingInvalid)
			c.log.Error("queued endpoint already paired, discarding entry",
				"endpoint", candID, "partner", cand.PartnerID, "room_id", cand.RoomID)
			continue
		}
		if c.blocked.Contains(candID, now) {
			c.metrics.Inc(metrics.ReportBlocked)
			skipped = append(skipped, candID)
			continue
		}
		return cand
	}
}
