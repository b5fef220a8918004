package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

const (
	// Client to server.
	messageTypeHobbyPreference messageType = "hobby-preference"
	messageTypeFindMatch       messageType = "find-match"
	messageTypeOffer           messageType = "offer"
	messageTypeAnswer          messageType = "answer"
	messageTypeICECandidate    messageType = "ice-candidate"
	messageTypeNext            messageType = "next"
	messageTypeReport          messageType = "report"

	// Server to client.
	messageTypeWelcome             messageType = "welcome"
	messageTypeWaiting             messageType = "waiting"
	messageTypeMatchFound          messageType = "match-found"
	messageTypePartnerDisconnected messageType = "partner-disconnected"
	messageTypeReportAck           messageType = "report-ack"
	messageTypeICEServers          messageType = "ice-servers"
	messageTypeError               messageType = "error"
)

type partnerSummary struct {
	Hobby string `json:"hobby"`
}

// wireMessage is the single envelope for both directions. SDP and candidate
// payloads are opaque to the server and relayed verbatim; only the sdp type
// tag is cross-checked against the message type.
type wireMessage struct {
	Type messageType `json:"type"`

	Hobby     string          `json:"hobby,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	SessionID  string          `json:"sessionId,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	Partner    *partnerSummary `json:"partner,omitempty"`
	From       string          `json:"from,omitempty"`
	ICEServers json.RawMessage `json:"iceServers,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseClientMessage(data []byte) (wireMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return wireMessage{}, err
	}
	if err := msg.validateClient(); err != nil {
		return wireMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return wireMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m wireMessage) validateClient() error {
	if m.SessionID != "" || m.RoomID != "" || m.Partner != nil || m.From != "" || len(m.ICEServers) > 0 || m.Code != "" || m.Message != "" {
		return fmt.Errorf("%s message carries server-only fields", m.Type)
	}

	switch m.Type {
	case messageTypeHobbyPreference:
		if m.Hobby == "" {
			return fmt.Errorf("hobby-preference message missing hobby")
		}
		if len(m.SDP) > 0 || len(m.Candidate) > 0 || m.Reason != "" {
			return fmt.Errorf("hobby-preference message has unexpected fields")
		}
	case messageTypeFindMatch, messageTypeNext:
		if m.Hobby != "" || len(m.SDP) > 0 || len(m.Candidate) > 0 || m.Reason != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeOffer, messageTypeAnswer:
		if len(m.SDP) == 0 {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if err := checkSDPTag(m.SDP, string(m.Type)); err != nil {
			return err
		}
		if m.Hobby != "" || len(m.Candidate) > 0 || m.Reason != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeICECandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Hobby != "" || len(m.SDP) > 0 || m.Reason != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case messageTypeReport:
		if m.Reason == "" {
			return fmt.Errorf("report message missing reason")
		}
		if m.Hobby != "" || len(m.SDP) > 0 || len(m.Candidate) > 0 {
			return fmt.Errorf("report message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// checkSDPTag verifies the embedded session description's own type tag agrees
// with the envelope without interpreting the SDP body.
func checkSDPTag(raw json.RawMessage, want string) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return fmt.Errorf("malformed sdp payload: %w", err)
	}
	if tag.Type != want {
		return fmt.Errorf("%s message has sdp.type=%q", want, tag.Type)
	}
	return nil
}
