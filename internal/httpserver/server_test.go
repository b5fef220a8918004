package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerface/matchrelay/internal/config"
	"github.com/strangerface/matchrelay/internal/match"
	"github.com/strangerface/matchrelay/internal/metrics"
)

func startTestServer(t *testing.T, cfg config.Config, hub *match.Hub, ice *ICEServerSource, m *metrics.Metrics) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, hub, ice, m, log, build)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthzReadyzVersion(t *testing.T) {
	cfg := config.Config{ListenAddr: "127.0.0.1:0"}
	baseURL := startTestServer(t, cfg, nil, nil, nil)

	t.Run("healthz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/healthz", http.StatusOK)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/readyz", http.StatusOK)
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		body := getJSON(t, baseURL+"/version", http.StatusOK)
		if body["commit"] != "abc" {
			t.Fatalf("body=%v, want commit=abc", body)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	hub := match.NewHub(match.HubConfig{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	cfg := config.Config{ListenAddr: "127.0.0.1:0"}
	baseURL := startTestServer(t, cfg, hub, nil, nil)

	body := getJSON(t, baseURL+"/stats", http.StatusOK)
	for _, key := range []string{"connected", "queued", "paired", "blocked"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("stats missing %q: %v", key, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.MatchCreated)

	cfg := config.Config{ListenAddr: "127.0.0.1:0"}
	baseURL := startTestServer(t, cfg, nil, nil, m)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), string(metrics.MatchCreated)) {
		t.Fatalf("exposition missing counter:\n%s", raw)
	}
}

func TestICEEndpointWithTURNREST(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example:3478"}},
			{URLs: []string{"turn:turn.example:3478?transport=udp"}},
		},
		TURNREST: config.TURNRESTConfig{
			SharedSecret:   "north remembers",
			TTLSeconds:     600,
			UsernamePrefix: "strangerface",
		},
	}

	ice, err := NewICEServerSource(cfg, nil, nil)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	baseURL := startTestServer(t, cfg, nil, ice, nil)

	body := getJSON(t, baseURL+"/ice", http.StatusOK)
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 2 {
		t.Fatalf("iceServers=%v", body["iceServers"])
	}

	turnServer, ok := servers[1].(map[string]any)
	if !ok {
		t.Fatalf("turn entry: %v", servers[1])
	}
	username, _ := turnServer["username"].(string)
	if !strings.Contains(username, ":strangerface:") {
		t.Fatalf("username=%q, want TURN REST form", username)
	}
	if cred, _ := turnServer["credential"].(string); cred == "" {
		t.Fatal("turn entry missing credential")
	}

	stunServer, ok := servers[0].(map[string]any)
	if !ok {
		t.Fatalf("stun entry: %v", servers[0])
	}
	if _, has := stunServer["username"]; has {
		t.Fatalf("stun entry should stay credential-free: %v", stunServer)
	}
}

func TestICEServerSource_PerEndpointCredentials(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"turn:turn.example:3478"}},
		},
		TURNREST: config.TURNRESTConfig{
			SharedSecret:   "secret",
			TTLSeconds:     600,
			UsernamePrefix: "strangerface",
		},
	}
	ice, err := NewICEServerSource(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("source: %v", err)
	}

	servers := ice.ServersFor("ep-1")
	if len(servers) != 1 {
		t.Fatalf("servers=%v", servers)
	}
	if !strings.HasSuffix(servers[0].Username, ":strangerface:ep-1") {
		t.Fatalf("username=%q", servers[0].Username)
	}

	payload, err := ice.ProvidePayload(context.Background(), "ep-2")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(string(payload), ":strangerface:ep-2") {
		t.Fatalf("payload=%s", payload)
	}
}

func TestICEServerSource_STUNOnlyFallback(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example:3478"}},
			{URLs: []string{"turn:turn.example:3478"}},
		},
		TURNREST: config.TURNRESTConfig{
			SharedSecret:   "secret",
			TTLSeconds:     600,
			UsernamePrefix: "strangerface",
		},
	}
	m := metrics.New()
	ice, err := NewICEServerSource(cfg, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("source: %v", err)
	}

	// A session id with a colon cannot be encoded into a TURN REST username.
	servers := ice.ServersFor("bad:id")
	if len(servers) != 1 || !strings.HasPrefix(servers[0].URLs[0], "stun:") {
		t.Fatalf("servers=%v, want stun only", servers)
	}
	if got := m.Get(metrics.ICEFallbackSTUNOnly); got != 1 {
		t.Fatalf("ICEFallbackSTUNOnly = %d, want 1", got)
	}
}
