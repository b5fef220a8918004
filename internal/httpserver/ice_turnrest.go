package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/strangerface/matchrelay/internal/config"
	"github.com/strangerface/matchrelay/internal/metrics"
	"github.com/strangerface/matchrelay/internal/turnrest"
)

// ICEServerSource resolves the ICE server list handed to clients. When a TURN
// REST generator is configured it stamps fresh ephemeral credentials onto
// every TURN entry; when minting fails the client still gets the STUN entries
// rather than nothing, so negotiation can proceed without relay.
type ICEServerSource struct {
	cfg     config.Config
	gen     *turnrest.Generator
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewICEServerSource(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*ICEServerSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	var gen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		var err error
		gen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	return &ICEServerSource{cfg: cfg, gen: gen, log: logger, metrics: m}, nil
}

// ServersFor returns the configured ICE servers with TURN credentials minted
// for endpointID.
func (s *ICEServerSource) ServersFor(endpointID string) []webrtc.ICEServer {
	if s.gen == nil {
		return s.cfg.ICEServers
	}
	creds, err := s.gen.Generate(endpointID)
	if err != nil {
		return s.stunOnlyFallback(endpointID, err)
	}
	s.metrics.Inc(metrics.ICECredentialsMinted)
	return withTURNRESTCredentials(s.cfg.ICEServers, creds.Username, creds.Credential)
}

// ServersForAnonymous serves callers outside a signaling session (GET /ice):
// the credential id suffix is random instead of a session id.
func (s *ICEServerSource) ServersForAnonymous() []webrtc.ICEServer {
	if s.gen == nil {
		return s.cfg.ICEServers
	}
	creds, err := s.gen.GenerateRandom()
	if err != nil {
		return s.stunOnlyFallback("", err)
	}
	s.metrics.Inc(metrics.ICECredentialsMinted)
	return withTURNRESTCredentials(s.cfg.ICEServers, creds.Username, creds.Credential)
}

func (s *ICEServerSource) stunOnlyFallback(endpointID string, err error) []webrtc.ICEServer {
	s.metrics.Inc(metrics.ICEFallbackSTUNOnly)
	s.log.Warn("turn credential minting failed, serving stun only", "endpoint", endpointID, "err", err)

	out := make([]webrtc.ICEServer, 0, len(s.cfg.ICEServers))
	for _, server := range s.cfg.ICEServers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
		}
	}
	return out
}

// ProvidePayload implements the signaling server's ICE provider hook.
func (s *ICEServerSource) ProvidePayload(ctx context.Context, endpointID string) (json.RawMessage, error) {
	servers := s.ServersFor(endpointID)
	return json.Marshal(servers)
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode as
		// `[]` rather than `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if asciiHasPrefixFold(url, "turn:") || asciiHasPrefixFold(url, "turns:") {
			return true
		}
	}
	return false
}

func asciiHasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}
