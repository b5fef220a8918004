package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	clientWriteWait      = 10 * time.Second
	clientPongWait       = 60 * time.Second
	clientPingPeriod     = (clientPongWait * 9) / 10
	clientMaxMessageSize = 64 * 1024
)

// Message is the client's view of the signaling envelope.
type Message struct {
	Type string `json:"type"`

	Hobby     string                     `json:"hobby,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason    string                     `json:"reason,omitempty"`

	SessionID  string          `json:"sessionId,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	Partner    *PartnerSummary `json:"partner,omitempty"`
	From       string          `json:"from,omitempty"`
	ICEServers json.RawMessage `json:"iceServers,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type PartnerSummary struct {
	Hobby string `json:"hobby"`
}

// ClientConfig wires a Client. Renderer and the callbacks are optional.
type ClientConfig struct {
	Log *slog.Logger

	ServerURL string

	Renderer        Renderer
	FallbackTimeout time.Duration

	// NewFactory builds the peer connection factory once ICE servers are
	// known. Defaults to NewPionFactory; tests substitute fakes.
	NewFactory func(iceServers []webrtc.ICEServer) PeerConnFactory

	OnWaiting             func()
	OnMatchFound          func(roomID string, partner PartnerSummary)
	OnPartnerDisconnected func()
	OnReportAck           func()
	OnError               func(code, message string)
}

// Client is one matchmaking participant: it speaks the signaling protocol,
// owns at most one negotiation Machine at a time, and re-enters matchmaking
// when a room fails.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	conn     *websocket.Conn
	outgoing chan Message
	done     chan struct{}
	closed   sync.Once

	mu         sync.Mutex
	sessionID  string
	iceServers []webrtc.ICEServer
	machine    *Machine
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.NewFactory == nil {
		cfg.NewFactory = func(servers []webrtc.ICEServer) PeerConnFactory {
			return NewPionFactory(servers, cfg.Log)
		}
	}
	return &Client{
		log:      cfg.Log,
		cfg:      cfg,
		outgoing: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

// Connect dials the signaling server and starts the pumps. Run must be called
// to process incoming messages.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	c.conn = conn

	conn.SetReadLimit(clientMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.writePump()
	return nil
}

// Run processes incoming messages until the connection drops or Close is
// called.
func (c *Client) Run() error {
	defer c.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	switch msg.Type {
	case "welcome":
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()

	case "ice-servers":
		var servers []webrtc.ICEServer
		if err := json.Unmarshal(msg.ICEServers, &servers); err != nil {
			c.log.Warn("bad ice-servers payload", "err", err)
			return
		}
		c.mu.Lock()
		c.iceServers = servers
		c.mu.Unlock()

	case "waiting":
		if c.cfg.OnWaiting != nil {
			c.cfg.OnWaiting()
		}

	case "match-found":
		c.startRoom(msg)
		if c.cfg.OnMatchFound != nil {
			partner := PartnerSummary{}
			if msg.Partner != nil {
				partner = *msg.Partner
			}
			c.cfg.OnMatchFound(msg.RoomID, partner)
		}

	case "offer":
		if msg.SDP == nil {
			return
		}
		c.withMachine(func(m *Machine) error { return m.HandleOffer(msg.From, *msg.SDP) })

	case "answer":
		if msg.SDP == nil {
			return
		}
		c.withMachine(func(m *Machine) error { return m.HandleAnswer(*msg.SDP) })

	case "ice-candidate":
		if msg.Candidate == nil {
			return
		}
		c.withMachine(func(m *Machine) error { return m.HandleCandidate(*msg.Candidate) })

	case "partner-disconnected":
		c.closeRoom()
		if c.cfg.OnPartnerDisconnected != nil {
			c.cfg.OnPartnerDisconnected()
		}

	case "report-ack":
		if c.cfg.OnReportAck != nil {
			c.cfg.OnReportAck()
		}

	case "error":
		c.log.Warn("signaling error", "code", msg.Code, "message", msg.Message)
		if c.cfg.OnError != nil {
			c.cfg.OnError(msg.Code, msg.Message)
		}
	}
}

// startRoom tears down any previous room and begins negotiation for the new
// one. The old peer connection is closed before the new one exists so capture
// devices are never claimed twice.
func (c *Client) startRoom(msg Message) {
	c.mu.Lock()
	if c.machine != nil {
		_ = c.machine.Close()
		c.machine = nil
	}
	selfID := c.sessionID
	factory := c.cfg.NewFactory(c.iceServers)
	machine := NewMachine(MachineConfig{
		Log:             c.log,
		SelfID:          selfID,
		RoomID:          msg.RoomID,
		Factory:         factory,
		Signaler:        (*clientSignaler)(c),
		Renderer:        c.cfg.Renderer,
		FallbackTimeout: c.cfg.FallbackTimeout,
		OnFailure:       c.roomFailed,
	})
	c.machine = machine
	c.mu.Unlock()

	if err := machine.Start(); err != nil {
		c.log.Error("negotiation start failed", "room_id", msg.RoomID, "err", err)
		c.roomFailed()
	}
}

// roomFailed surfaces terminal connectivity failure and re-enters matchmaking.
func (c *Client) roomFailed() {
	c.closeRoom()
	if c.cfg.OnError != nil {
		c.cfg.OnError("connection_failed", "could not establish media connection")
	}
	c.send(Message{Type: "next"})
}

func (c *Client) closeRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine != nil {
		_ = c.machine.Close()
		c.machine = nil
	}
}

func (c *Client) withMachine(fn func(*Machine) error) {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return
	}
	if err := fn(m); err != nil {
		c.log.Warn("negotiation step failed", "err", err)
	}
}

// SetHobby declares the hobby preference.
func (c *Client) SetHobby(tag string) {
	c.send(Message{Type: "hobby-preference", Hobby: tag})
}

// FindMatch requests a partner.
func (c *Client) FindMatch() {
	c.send(Message{Type: "find-match"})
}

// Next abandons the current partner and immediately looks for another.
func (c *Client) Next() {
	c.closeRoom()
	c.send(Message{Type: "next"})
}

// Report files an abuse report against the current partner.
func (c *Client) Report(reason string) {
	c.send(Message{Type: "report", Reason: reason})
}

// SessionID returns the id assigned by the server, empty before welcome.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) send(msg Message) {
	select {
	case c.outgoing <- msg:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close releases the room and the signaling connection.
func (c *Client) Close() {
	c.closed.Do(func() {
		c.closeRoom()
		close(c.done)
	})
}

// clientSignaler adapts the Client's outgoing queue to the machine's Signaler.
type clientSignaler Client

func (s *clientSignaler) SendOffer(desc webrtc.SessionDescription) error {
	(*Client)(s).send(Message{Type: "offer", SDP: &desc})
	return nil
}

func (s *clientSignaler) SendAnswer(desc webrtc.SessionDescription) error {
	(*Client)(s).send(Message{Type: "answer", SDP: &desc})
	return nil
}

func (s *clientSignaler) SendCandidate(init webrtc.ICECandidateInit) error {
	(*Client)(s).send(Message{Type: "ice-candidate", Candidate: &init})
	return nil
}
