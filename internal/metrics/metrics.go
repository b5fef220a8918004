package metrics

import "sync"

// Event counter names. Matchmaking and relay outcomes that operators care
// about; exposed via the Prometheus text handler.
const (
	EndpointConnected    = "endpoint_connected"
	EndpointDisconnected = "endpoint_disconnected"

	MatchCreated   = "match_created"
	MatchQueued    = "match_queued"
	MatchNext      = "match_next"
	RoomDestroyed  = "room_destroyed"
	ReportFiled    = "report_filed"
	ReportBlocked  = "report_blocked_skip"
	ProtocolError  = "protocol_error"
	PairingInvalid = "pairing_invariant_violation"

	SignalRelayed       = "signal_relayed"
	SignalDroppedNoPeer = "signal_dropped_no_partner"

	DropReasonRateLimited = "rate_limited"

	ICECredentialsMinted = "ice_credentials_minted"
	ICEFallbackSTUNOnly  = "ice_fallback_stun_only"
	ICEPushStaleEndpoint = "ice_push_stale_endpoint"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The matchmaking core runs single-threaded inside the hub loop, but counters
// are also bumped from HTTP handlers and per-connection goroutines, so the
// registry keeps its own lock.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
