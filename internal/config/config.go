package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MATCHRELAY_LISTEN_ADDR"
	envVarLogFormat       = "MATCHRELAY_LOG_FORMAT"
	envVarLogLevel        = "MATCHRELAY_LOG_LEVEL"
	envVarShutdownTimeout = "MATCHRELAY_SHUTDOWN_TIMEOUT"

	// WebSocket signaling hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	// Matchmaking knobs.
	envVarReportBlockTTL       = "REPORT_BLOCK_TTL"
	envVarRelayFallbackTimeout = "RELAY_FALLBACK_TIMEOUT"
	envVarHobbyCatalogFile     = "HOBBY_CATALOG_FILE"

	// Abuse-report sink (optional; fire-and-forget HTTP POST).
	envVarReportSinkURL = "REPORT_SINK_URL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	// DefaultReportBlockTTL matches the original ad hoc 10 minute timer; treat
	// it as a tunable, not a contract.
	DefaultReportBlockTTL = 10 * time.Minute

	// DefaultRelayFallbackTimeout bounds how long a client waits for direct or
	// STUN connectivity before rebuilding the peer connection relay-only.
	DefaultRelayFallbackTimeout = 7 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "strangerface"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

// Enabled reports whether ephemeral TURN credentials should be minted per
// /ice request.
func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr string

	LogFormat string
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ReportBlockTTL is the window during which a reported endpoint is skipped
	// by the matchmaker. <= 0 disables report blocking.
	ReportBlockTTL time.Duration

	// RelayFallbackTimeout is handed to clients constructing negotiation state
	// machines through this module.
	RelayFallbackTimeout time.Duration

	// Hobbies is the allowed hobby catalog. Empty means any non-empty tag is
	// accepted.
	Hobbies []string

	// ReportSinkURL is the abuse-report collector endpoint. Empty means reports
	// are only logged.
	ReportSinkURL string

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// HobbyAllowed reports whether tag is acceptable under the configured catalog.
func (c Config) HobbyAllowed(tag string) bool {
	if tag == "" {
		return false
	}
	if len(c.Hobbies) == 0 {
		return true
	}
	for _, h := range c.Hobbies {
		if h == tag {
			return true
		}
	}
	return false
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

func load(lookup func(string) (string, bool), readFile func(string) ([]byte, error), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormat := envOrDefault(lookup, envVarLogFormat, LogFormatJSON)
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	reportBlockTTL, err := envDurationOrDefault(lookup, envVarReportBlockTTL, DefaultReportBlockTTL)
	if err != nil {
		return Config{}, err
	}
	relayFallbackTimeout, err := envDurationOrDefault(lookup, envVarRelayFallbackTimeout, DefaultRelayFallbackTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMsgsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envIntOrDefault(lookup, envVarTURNRESTTTLSeconds, int(DefaultTURNRESTTTLSeconds))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		ShutdownTimeout: shutdownTimeout,

		SignalingWSIdleTimeout:  wsIdleTimeout,
		SignalingWSPingInterval: wsPingInterval,

		MaxSignalingMessageBytes:      int64(maxMsgBytes),
		MaxSignalingMessagesPerSecond: maxMsgsPerSecond,

		ReportBlockTTL:       reportBlockTTL,
		RelayFallbackTimeout: relayFallbackTimeout,

		ReportSinkURL: envOrDefault(lookup, envVarReportSinkURL, ""),

		TURNREST: TURNRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     int64(turnRESTTTL),
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
		},
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected %q or %q)", envVarLogFormat, cfg.LogFormat, LogFormatText, LogFormatJSON)
	}

	fs := flag.NewFlagSet("strangerface-matchrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if catalogPath := envOrDefault(lookup, envVarHobbyCatalogFile, ""); catalogPath != "" {
		hobbies, err := loadHobbyCatalog(readFile, catalogPath)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarHobbyCatalogFile, err)
		}
		cfg.Hobbies = hobbies
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		// Deferred rather than fatal: /readyz and /ice surface the problem, but
		// matchmaking still runs with the STUN-only defaults.
		cfg.iceConfigErr = err
		cfg.ICEServers = DefaultSTUNServers()
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, s)
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
