package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaler carries locally produced negotiation messages to the partner.
type Signaler interface {
	SendOffer(webrtc.SessionDescription) error
	SendAnswer(webrtc.SessionDescription) error
	SendCandidate(webrtc.ICECandidateInit) error
}

type SignalingState int

const (
	SignalingIdle SignalingState = iota
	SignalingHaveLocalOffer
	SignalingStable
)

type ConnState int

const (
	ConnIdle ConnState = iota
	ConnNegotiating
	ConnConnected
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnNegotiating:
		return "negotiating"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

type MachineConfig struct {
	Log *slog.Logger

	// SelfID is this endpoint's opaque session id. Glare is resolved by
	// ordering it against the partner id tagged on the incoming offer.
	SelfID string
	RoomID string

	Factory  PeerConnFactory
	Signaler Signaler
	Renderer Renderer

	// FallbackTimeout bounds direct/STUN connectivity establishment; zero
	// means DefaultRelayFallbackTimeout.
	FallbackTimeout time.Duration

	// OnFailure fires once when connectivity fails even relay-only. The owner
	// is expected to tear the room down and re-enter matchmaking.
	OnFailure func()
}

// Machine drives WebRTC negotiation for one room.
//
// Both sides of a match offer immediately, so glare is the common case, not
// the exception: the side with the lexicographically smaller session id rolls
// back its own offer when the partner's arrives; the other side ignores the
// colliding offer and waits for its answer. Either way exactly one
// offer/answer pair survives.
type Machine struct {
	log *slog.Logger

	selfID string
	roomID string

	factory   PeerConnFactory
	signaler  Signaler
	renderer  Renderer
	onFailure func()

	fallbackTimeout time.Duration
	newTimer        timerFactory

	mu        sync.Mutex
	pc        PeerConn
	sigState  SignalingState
	connState ConnState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	tracks    []*webrtc.TrackRemote
	relayOnly bool
	timer     stopTimer
	closed    bool
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultRelayFallbackTimeout
	}
	return &Machine{
		log:             cfg.Log.With("room_id", cfg.RoomID),
		selfID:          cfg.SelfID,
		roomID:          cfg.RoomID,
		factory:         cfg.Factory,
		signaler:        cfg.Signaler,
		renderer:        cfg.Renderer,
		onFailure:       cfg.OnFailure,
		fallbackTimeout: cfg.FallbackTimeout,
		newTimer:        realTimerFactory,
	}
}

// Start begins negotiation as the offering side. Called once after
// match-found.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.connState = ConnNegotiating
	return m.startOfferLocked()
}

func (m *Machine) startOfferLocked() error {
	pc, err := m.factory(m.relayOnly)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.pc = pc
	m.sigState = SignalingIdle
	m.remoteSet = false
	m.pending = nil

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := m.signaler.SendCandidate(c); err != nil {
			m.log.Warn("send candidate failed", "err", err)
		}
	})
	pc.OnConnectionStateChange(m.handleConnectionState)
	pc.OnTrack(m.handleTrack)

	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	m.sigState = SignalingHaveLocalOffer
	if err := m.signaler.SendOffer(offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.newTimer(m.fallbackTimeout, m.onFallbackTimeout)
	m.log.Debug("offer sent", "relay_only", m.relayOnly)
	return nil
}

// HandleOffer processes the partner's offer. from is the sender id tagged by
// the relay; on glare the side with the smaller id rolls back and answers.
func (m *Machine) HandleOffer(from string, offer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.connState == ConnFailed || m.pc == nil {
		return nil
	}

	if m.sigState == SignalingHaveLocalOffer {
		if m.selfID > from {
			// Our offer stands; the partner rolls back and answers it.
			m.log.Debug("ignoring colliding offer")
			return nil
		}
		if err := m.pc.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		m.sigState = SignalingIdle
	}

	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.remoteSetLocked()

	answer, err := m.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	m.sigState = SignalingStable
	if err := m.signaler.SendAnswer(answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer applies the partner's answer. Stale or duplicate answers are
// ignored.
func (m *Machine) HandleAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.connState == ConnFailed || m.pc == nil {
		return nil
	}
	if m.sigState != SignalingHaveLocalOffer {
		m.log.Debug("ignoring answer", "signaling_state", int(m.sigState))
		return nil
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.remoteSetLocked()
	m.sigState = SignalingStable
	return nil
}

// HandleCandidate applies or buffers a partner candidate. Candidates arriving
// before the remote description are buffered in order.
func (m *Machine) HandleCandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.connState == ConnFailed || m.pc == nil {
		return nil
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		return nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		m.log.Warn("add candidate failed", "err", err)
	}
	return nil
}

// remoteSetLocked drains candidates buffered while no remote description
// existed, preserving arrival order.
func (m *Machine) remoteSetLocked() {
	m.remoteSet = true
	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.log.Warn("add buffered candidate failed", "err", err)
		}
	}
	m.pending = nil
}

func (m *Machine) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.connState = ConnConnected
		tracks := m.tracks
		m.tracks = nil
		renderer := m.renderer
		m.mu.Unlock()

		m.log.Info("peer connected", "relay_only", m.relayOnly)
		for _, track := range tracks {
			attachTrack(renderer, track)
		}
	case webrtc.PeerConnectionStateFailed:
		m.fallbackOrFail("ice failed")
	}
}

// handleTrack holds remote tracks back until the transport is connected.
func (m *Machine) handleTrack(track *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.connState != ConnConnected {
		m.tracks = append(m.tracks, track)
		m.mu.Unlock()
		return
	}
	renderer := m.renderer
	m.mu.Unlock()
	attachTrack(renderer, track)
}

func (m *Machine) onFallbackTimeout() {
	m.fallbackOrFail("connectivity timeout")
}

// fallbackOrFail rebuilds the connection relay-only once; a second failure is
// terminal for the room.
func (m *Machine) fallbackOrFail(cause string) {
	m.mu.Lock()
	if m.closed || m.connState == ConnConnected || m.connState == ConnFailed {
		m.mu.Unlock()
		return
	}

	if m.relayOnly {
		m.connState = ConnFailed
		if m.pc != nil {
			_ = m.pc.Close()
			m.pc = nil
		}
		onFailure := m.onFailure
		m.mu.Unlock()

		m.log.Warn("connection failed after relay fallback", "cause", cause)
		if onFailure != nil {
			onFailure()
		}
		return
	}

	m.relayOnly = true
	if m.pc != nil {
		_ = m.pc.Close()
		m.pc = nil
	}
	m.log.Info("rebuilding connection relay-only", "cause", cause)
	err := m.startOfferLocked()
	m.mu.Unlock()
	if err != nil {
		m.log.Error("relay-only restart failed", "err", err)
		m.fallbackOrFail("relay-only restart error")
	}
}

// State reports the connection-level state.
func (m *Machine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState
}

// Close releases the peer connection synchronously so a new negotiation can
// claim the capture devices immediately.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.pc != nil {
		err := m.pc.Close()
		m.pc = nil
		return err
	}
	return nil
}
