package match

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/strangerface/matchrelay/internal/metrics"
)

// fakeConn records outbound messages as a readable trace.
type fakeConn struct {
	mu     sync.Mutex
	events []string
}

func (c *fakeConn) record(ev string) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *fakeConn) SendWaiting()             { c.record("waiting") }
func (c *fakeConn) SendPartnerDisconnected() { c.record("partner-disconnected") }
func (c *fakeConn) SendReportAck()           { c.record("report-ack") }

func (c *fakeConn) SendMatchFound(roomID, partnerHobby string) {
	c.record("match-found:" + roomID + ":" + partnerHobby)
}

func (c *fakeConn) SendSignal(sig Signal) {
	c.record(fmt.Sprintf("signal:%s:%s:%s", sig.Kind, sig.From, string(sig.Payload)))
}

func (c *fakeConn) SendICEServers(payload json.RawMessage) {
	c.record("ice-servers:" + string(payload))
}

func (c *fakeConn) SendError(code, message string) {
	c.record("error:" + code)
}

func (c *fakeConn) trace() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1]
}

// core bundles the hub-loop-owned components for direct, single-threaded
// testing (the loop itself is exercised separately in hub_test.go).
type core struct {
	registry *Registry
	queue    *Queue
	rooms    *Rooms
	blocked  *Denylist

	coordinator *Coordinator
	relay       *Relay
	leaver      *LeaveHandler

	metrics *metrics.Metrics
	now     time.Time
}

func newCore() *core {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	c := &core{
		registry: NewRegistry(),
		queue:    NewQueue(),
		rooms:    NewRooms(),
		blocked:  NewDenylist(),
		metrics:  m,
		now:      time.Unix(1_700_000_000, 0),
	}

	roomSeq := 0
	newRoomID := func() string {
		roomSeq++
		return fmt.Sprintf("room-%d", roomSeq)
	}

	c.coordinator = NewCoordinator(log, m, c.registry, c.queue, c.rooms, c.blocked, func() time.Time { return c.now }, newRoomID)
	c.leaver = NewLeaveHandler(log, m, c.registry, c.queue, c.rooms)
	c.coordinator.SetLeaveHandler(c.leaver)
	c.relay = NewRelay(log, m, c.registry)
	return c
}

func (c *core) connect(id, hobby string) *fakeConn {
	conn := &fakeConn{}
	c.registry.Register(id, conn, c.now)
	if hobby != "" {
		c.registry.SetHobby(id, hobby)
	}
	return conn
}
