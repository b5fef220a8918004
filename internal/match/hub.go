package match

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/strangerface/matchrelay/internal/metrics"
	"github.com/strangerface/matchrelay/internal/report"
)

// Hub is the single logical event loop owning all matchmaking state. Every
// inbound operation is queued onto the loop and handled to completion before
// the next, so the Registry, Queue, Rooms and Denylist need no locking.
//
// The one exception the design allows is asynchronous external work (the ICE
// credential broker): its result re-enters the loop via PushICEServers, which
// re-validates endpoint liveness before delivering anything.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *Registry
	queue    *Queue
	rooms    *Rooms
	blocked  *Denylist

	coordinator *Coordinator
	relay       *Relay
	leaver      *LeaveHandler

	reports        report.Sink
	reportBlockTTL time.Duration

	clock         func() time.Time
	newEndpointID func() string

	ops     chan func()
	stopped chan struct{}
}

type HubConfig struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// Reports receives abuse reports; required (use report.LogSink for a
	// minimal setup).
	Reports report.Sink

	// ReportBlockTTL is the match-exclusion window for reported endpoints.
	// <= 0 disables blocking (reports are still forwarded to the sink).
	ReportBlockTTL time.Duration

	// Clock and ID sources are injectable for tests.
	Clock         func() time.Time
	NewRoomID     func() string
	NewEndpointID func() string
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewRoomID == nil {
		cfg.NewRoomID = uuid.NewString
	}
	if cfg.NewEndpointID == nil {
		cfg.NewEndpointID = uuid.NewString
	}
	if cfg.Reports == nil {
		cfg.Reports = report.LogSink{Log: cfg.Log}
	}

	registry := NewRegistry()
	queue := NewQueue()
	rooms := NewRooms()
	blocked := NewDenylist()

	coordinator := NewCoordinator(cfg.Log, cfg.Metrics, registry, queue, rooms, blocked, cfg.Clock, cfg.NewRoomID)
	leaver := NewLeaveHandler(cfg.Log, cfg.Metrics, registry, queue, rooms)
	coordinator.SetLeaveHandler(leaver)

	return &Hub{
		log:     cfg.Log,
		metrics: cfg.Metrics,

		registry: registry,
		queue:    queue,
		rooms:    rooms,
		blocked:  blocked,

		coordinator: coordinator,
		relay:       NewRelay(cfg.Log, cfg.Metrics, registry),
		leaver:      leaver,

		reports:        cfg.Reports,
		reportBlockTTL: cfg.ReportBlockTTL,

		clock:         cfg.Clock,
		newEndpointID: cfg.NewEndpointID,

		ops:     make(chan func(), 256),
		stopped: make(chan struct{}),
	}
}

// Run processes operations until ctx is cancelled. It must be running for any
// of the public methods to make progress.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			op()
		}
	}
}

// do schedules fn on the loop. After shutdown it becomes a no-op so transport
// goroutines draining late messages never block.
func (h *Hub) do(fn func()) {
	select {
	case h.ops <- fn:
	case <-h.stopped:
	}
}

// Attach registers a new endpoint and returns its opaque session id. The
// returned id is valid immediately: any later operation for it is ordered
// after the registration on the loop.
func (h *Hub) Attach(conn Conn) string {
	id := h.newEndpointID()
	h.do(func() {
		h.registry.Register(id, conn, h.clock())
		h.metrics.Inc(metrics.EndpointConnected)
		h.log.Info("endpoint connected", "endpoint", id)
	})
	return id
}

func (h *Hub) SetHobby(id, tag string) {
	h.do(func() {
		if !h.registry.SetHobby(id, tag) {
			return
		}
		h.log.Debug("hobby preference set", "endpoint", id, "hobby", tag)
	})
}

func (h *Hub) FindMatch(id string) {
	h.do(func() {
		if err := h.coordinator.FindOrQueue(id); err != nil {
			h.log.Debug("find-match for unknown endpoint", "endpoint", id, "err", err)
		}
	})
}

// Signal relays a negotiation message to the sender's partner.
func (h *Hub) Signal(id string, sig Signal) {
	h.do(func() {
		h.relay.Forward(id, sig)
	})
}

// Next tears down the current pairing (notifying the partner) and immediately
// re-enters the endpoint into matchmaking.
func (h *Hub) Next(id string) {
	h.do(func() {
		if h.registry.Lookup(id) == nil {
			return
		}
		h.metrics.Inc(metrics.MatchNext)
		h.leaver.HandleLeave(id, ReasonVoluntaryNext)
		_ = h.coordinator.FindOrQueue(id)
	})
}

// Report files an abuse report against the reporter's current partner, blocks
// the partner from matching for the configured window, ends the pairing and
// re-enters the reporter into matchmaking.
func (h *Hub) Report(id, reason string) {
	h.do(func() {
		ep := h.registry.Lookup(id)
		if ep == nil {
			return
		}
		if !ep.Paired() {
			// Nothing to report against; tolerated, not an error.
			h.log.Debug("report without active pairing", "endpoint", id)
			return
		}

		reported := ep.PartnerID
		h.metrics.Inc(metrics.ReportFiled)
		if h.reportBlockTTL > 0 {
			h.blocked.Add(reported, h.clock().Add(h.reportBlockTTL))
		}
		h.reports.Record(reported, reason)

		h.leaver.HandleLeave(id, ReasonReported)
		ep.Conn.SendReportAck()
		_ = h.coordinator.FindOrQueue(id)
	})
}

// Detach handles a closed transport: full teardown plus registry removal.
func (h *Hub) Detach(id string) {
	h.do(func() {
		h.leaver.HandleLeave(id, ReasonTransportClosed)
	})
}

// PushICEServers delivers an asynchronously fetched ICE configuration to an
// endpoint. The broker call happens off the loop; by the time the result
// arrives the endpoint may be long gone, so liveness is re-checked here.
func (h *Hub) PushICEServers(id string, payload json.RawMessage) {
	h.do(func() {
		ep := h.registry.Lookup(id)
		if ep == nil {
			h.metrics.Inc(metrics.ICEPushStaleEndpoint)
			return
		}
		ep.Conn.SendICEServers(payload)
	})
}

// Stats is the read-only liveness projection exposed on /stats.
type Stats struct {
	Connected int `json:"connected"`
	Queued    int `json:"queued"`
	Paired    int `json:"paired"`
	Blocked   int `json:"blocked"`
}

func (h *Hub) Stats() Stats {
	resp := make(chan Stats, 1)
	h.do(func() {
		resp <- Stats{
			Connected: h.registry.Len(),
			Queued:    h.queue.Len(),
			Paired:    h.rooms.Len() * 2,
			Blocked:   h.blocked.Len(h.clock()),
		}
	})
	select {
	case s := <-resp:
		return s
	case <-h.stopped:
		return Stats{}
	}
}
