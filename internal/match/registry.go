package match

import (
	"encoding/json"
	"time"
)

// Conn is the outbound half of an endpoint's transport. The hub loop calls
// these from a single goroutine; implementations must not block (buffer or
// drop instead).
type Conn interface {
	SendWaiting()
	SendMatchFound(roomID, partnerHobby string)
	SendPartnerDisconnected()
	SendSignal(sig Signal)
	SendICEServers(payload json.RawMessage)
	SendReportAck()
	SendError(code, message string)
}

// Endpoint is one connected client. Owned by the Registry; its pairing fields
// are mutated only by the Coordinator and LeaveHandler.
type Endpoint struct {
	ID          string
	Hobby       string
	PartnerID   string
	RoomID      string
	ConnectedAt time.Time

	Conn Conn
}

// Paired reports whether the endpoint currently has a partner.
func (e *Endpoint) Paired() bool { return e.PartnerID != "" }

// Registry tracks every connected endpoint keyed by opaque session id.
//
// It has no locking: all mutation happens on the hub loop. Removal semantics
// (queue eviction, partner notification) live in LeaveHandler; Remove here is
// the final bookkeeping step.
type Registry struct {
	endpoints map[string]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

func (r *Registry) Register(id string, conn Conn, now time.Time) *Endpoint {
	ep := &Endpoint{
		ID:          id,
		ConnectedAt: now,
		Conn:        conn,
	}
	r.endpoints[id] = ep
	return ep
}

// Lookup returns nil when the id is unknown or already removed.
func (r *Registry) Lookup(id string) *Endpoint {
	return r.endpoints[id]
}

// SetHobby updates the declared hobby. Returns false for unknown endpoints.
func (r *Registry) SetHobby(id, tag string) bool {
	ep := r.endpoints[id]
	if ep == nil {
		return false
	}
	ep.Hobby = tag
	return true
}

// Remove is idempotent.
func (r *Registry) Remove(id string) {
	delete(r.endpoints, id)
}

func (r *Registry) Len() int { return len(r.endpoints) }
