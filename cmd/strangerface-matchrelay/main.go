package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/strangerface/matchrelay/internal/config"
	"github.com/strangerface/matchrelay/internal/httpserver"
	"github.com/strangerface/matchrelay/internal/match"
	"github.com/strangerface/matchrelay/internal/metrics"
	"github.com/strangerface/matchrelay/internal/report"
	"github.com/strangerface/matchrelay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting strangerface-matchrelay",
		"listen_addr", cfg.ListenAddr,
		"report_block_ttl", cfg.ReportBlockTTL,
		"relay_fallback_timeout", cfg.RelayFallbackTimeout,
		"hobby_catalog_size", len(cfg.Hobbies),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"report_sink_url_set", cfg.ReportSinkURL != "",
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid, serving stun defaults", "err", err)
	}

	m := metrics.New()

	var reports report.Sink = report.LogSink{Log: logger}
	if cfg.ReportSinkURL != "" {
		reports = &report.HTTPSink{URL: cfg.ReportSinkURL, Log: logger}
	}

	hub := match.NewHub(match.HubConfig{
		Log:            logger,
		Metrics:        m,
		Reports:        reports,
		ReportBlockTTL: cfg.ReportBlockTTL,
	})

	ice, err := httpserver.NewICEServerSource(cfg, m, logger)
	if err != nil {
		logger.Error("failed to configure turn credentials", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, hub, ice, m, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	sig := signaling.NewServer(cfg, hub, ice.ProvidePayload, m, logger)
	srv.Mux().Handle("GET /ws", sig)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopHub()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
