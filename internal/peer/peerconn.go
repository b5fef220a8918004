package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// PeerConn is the narrow surface of a WebRTC peer connection the negotiation
// machine drives. Tests substitute a fake; production uses the pion-backed
// implementation from NewPionFactory.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards the pending local offer (glare resolution).
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote))

	Close() error
}

// PeerConnFactory builds a fresh peer connection. relayOnly restricts ICE to
// TURN relay candidates for the connectivity fallback path.
type PeerConnFactory func(relayOnly bool) (PeerConn, error)

// NewPionFactory returns a PeerConnFactory over pion/webrtc using the given
// ICE servers (typically the ice-servers payload received over signaling).
func NewPionFactory(iceServers []webrtc.ICEServer, logger *slog.Logger) PeerConnFactory {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = &slogLoggerFactory{log: logger}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func(relayOnly bool) (PeerConn, error) {
		cfg := webrtc.Configuration{ICEServers: iceServers}
		if relayOnly {
			cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		}
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeerConn{pc: pc}, nil
	}
}

type pionPeerConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConn) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *pionPeerConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(init)
}

func (p *pionPeerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeerConn) Close() error {
	return p.pc.Close()
}

// slogLoggerFactory bridges pion's logging into slog.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Info(msg string)  { l.log.Info(msg) }
func (l *slogLeveledLogger) Warn(msg string)  { l.log.Warn(msg) }
func (l *slogLeveledLogger) Error(msg string) { l.log.Error(msg) }

func (l *slogLeveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
