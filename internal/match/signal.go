package match

import "encoding/json"

// SignalKind tags a relayed negotiation payload. The relay never inspects the
// payload itself; SDP and ICE contents pass through verbatim.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Signal is one negotiation message in flight between partners. From is filled
// in by the relay so the receiver knows provenance.
type Signal struct {
	Kind    SignalKind
	From    string
	Payload json.RawMessage
}

// Reason classifies why an endpoint is leaving its pairing.
type Reason string

const (
	ReasonVoluntaryNext   Reason = "voluntary-next"
	ReasonTransportClosed Reason = "transport-closed"
	ReasonReported        Reason = "reported"
)
