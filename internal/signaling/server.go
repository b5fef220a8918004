package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangerface/matchrelay/internal/config"
	"github.com/strangerface/matchrelay/internal/match"
	"github.com/strangerface/matchrelay/internal/metrics"
	"github.com/strangerface/matchrelay/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second

	// iceFetchTimeout bounds the async credential broker call per connection.
	iceFetchTimeout = 10 * time.Second

	// outboundQueueLen is the per-connection send buffer. A client that cannot
	// drain this many messages is not keeping up and gets disconnected.
	outboundQueueLen = 64
)

// ICEServersProvider returns the ICE server list (with fresh TURN credentials
// where configured) for a newly attached endpoint. Called off the hub loop.
type ICEServersProvider func(ctx context.Context, endpointID string) (json.RawMessage, error)

// Server implements GET /ws, the matchmaking and negotiation-relay channel
// used by browser clients.
//
// It enforces per-connection limits (message size, message rate, idle timeout)
// so one endpoint cannot starve the shared hub loop.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	hub        *match.Hub
	iceServers ICEServersProvider

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, hub *match.Hub, ice ICEServersProvider, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:        cfg,
		log:        logger,
		metrics:    m,
		hub:        hub,
		iceServers: ice,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ec := &endpointConn{
		out:  make(chan wireMessage, outboundQueueLen),
		slow: make(chan struct{}),
	}

	id := s.hub.Attach(ec)
	defer s.hub.Detach(id)

	s.log.Info("signaling connected", "endpoint", id, "remote_addr", r.RemoteAddr)
	defer s.log.Info("signaling disconnected", "endpoint", id, "remote_addr", r.RemoteAddr)

	quit := make(chan struct{})
	writeDone := make(chan struct{})
	go s.writePump(conn, ec, quit, writeDone)
	defer func() {
		close(quit)
		<-writeDone
	}()

	// The client learns its own opaque session id up front; negotiation roles
	// within a room are derived from it.
	ec.enqueue(wireMessage{Type: messageTypeWelcome, SessionID: id})

	if s.iceServers != nil {
		go s.fetchICEServers(id)
	}

	idleTimeout := s.cfg.SignalingWSIdleTimeout
	if idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idleTimeout))
		})
	}
	if s.cfg.MaxSignalingMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	}

	rate := int64(s.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ProtocolError)
			ec.enqueue(wireMessage{Type: messageTypeError, Code: match.ErrCodeBadMessage, Message: "expected text message"})
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if rate > 0 && !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			ec.enqueue(wireMessage{Type: messageTypeError, Code: "rate_limited", Message: "message rate limit exceeded"})
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolError)
			s.log.Debug("malformed signaling message", "endpoint", id, "err", err)
			ec.enqueue(wireMessage{Type: messageTypeError, Code: match.ErrCodeBadMessage, Message: "malformed message"})
			continue
		}

		s.dispatch(id, ec, msg)

		select {
		case <-ec.slow:
			// The write side gave up on this client; stop reading for it too.
			writeClose(conn, websocket.ClosePolicyViolation, "client not draining messages")
			return
		default:
		}
	}
}

func (s *Server) dispatch(id string, ec *endpointConn, msg wireMessage) {
	switch msg.Type {
	case messageTypeHobbyPreference:
		if !s.cfg.HobbyAllowed(msg.Hobby) {
			s.metrics.Inc(metrics.ProtocolError)
			ec.enqueue(wireMessage{Type: messageTypeError, Code: match.ErrCodeUnknownHobby, Message: "hobby not in catalog"})
			return
		}
		s.hub.SetHobby(id, msg.Hobby)
	case messageTypeFindMatch:
		s.hub.FindMatch(id)
	case messageTypeOffer:
		s.hub.Signal(id, match.Signal{Kind: match.SignalOffer, Payload: msg.SDP})
	case messageTypeAnswer:
		s.hub.Signal(id, match.Signal{Kind: match.SignalAnswer, Payload: msg.SDP})
	case messageTypeICECandidate:
		s.hub.Signal(id, match.Signal{Kind: match.SignalICECandidate, Payload: msg.Candidate})
	case messageTypeNext:
		s.hub.Next(id)
	case messageTypeReport:
		s.hub.Report(id, msg.Reason)
	}
}

// fetchICEServers runs the broker call off the hub loop and re-enters the
// result through the hub, which re-checks the endpoint is still connected.
func (s *Server) fetchICEServers(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), iceFetchTimeout)
	defer cancel()

	payload, err := s.iceServers(ctx, id)
	if err != nil {
		s.log.Warn("ice servers fetch failed", "endpoint", id, "err", err)
		return
	}
	s.hub.PushICEServers(id, payload)
}

// writePump owns all writes on the connection. It exits when the read side
// returns, the client is marked too slow, or a write fails.
func (s *Server) writePump(conn *websocket.Conn, ec *endpointConn, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var pingC <-chan time.Time
	if s.cfg.SignalingWSPingInterval > 0 {
		ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case msg := <-ec.out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				_ = conn.Close()
				return
			}
		case <-quit:
			return
		case <-ec.slow:
			_ = conn.Close()
			return
		case <-pingC:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// endpointConn bridges the hub loop to one WebSocket. The hub calls the Send
// methods from its single goroutine; they must never block, so messages go
// through a buffered queue and a full queue marks the client as too slow.
type endpointConn struct {
	out      chan wireMessage
	slow     chan struct{}
	slowOnce sync.Once
}

func (c *endpointConn) enqueue(msg wireMessage) {
	select {
	case <-c.slow:
		return
	default:
	}
	select {
	case c.out <- msg:
	default:
		c.slowOnce.Do(func() { close(c.slow) })
	}
}

func (c *endpointConn) SendWaiting() {
	c.enqueue(wireMessage{Type: messageTypeWaiting})
}

func (c *endpointConn) SendMatchFound(roomID, partnerHobby string) {
	c.enqueue(wireMessage{
		Type:    messageTypeMatchFound,
		RoomID:  roomID,
		Partner: &partnerSummary{Hobby: partnerHobby},
	})
}

func (c *endpointConn) SendPartnerDisconnected() {
	c.enqueue(wireMessage{Type: messageTypePartnerDisconnected})
}

func (c *endpointConn) SendSignal(sig match.Signal) {
	msg := wireMessage{From: sig.From}
	switch sig.Kind {
	case match.SignalOffer:
		msg.Type = messageTypeOffer
		msg.SDP = sig.Payload
	case match.SignalAnswer:
		msg.Type = messageTypeAnswer
		msg.SDP = sig.Payload
	case match.SignalICECandidate:
		msg.Type = messageTypeICECandidate
		msg.Candidate = sig.Payload
	default:
		return
	}
	c.enqueue(msg)
}

func (c *endpointConn) SendICEServers(payload json.RawMessage) {
	c.enqueue(wireMessage{Type: messageTypeICEServers, ICEServers: payload})
}

func (c *endpointConn) SendReportAck() {
	c.enqueue(wireMessage{Type: messageTypeReportAck})
}

func (c *endpointConn) SendError(code, message string) {
	c.enqueue(wireMessage{Type: messageTypeError, Code: code, Message: message})
}
