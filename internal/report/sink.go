package report

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Sink receives abuse reports. Implementations are fire-and-forget: the
// matchmaking core never consumes a return value and must never block on it.
type Sink interface {
	Record(reportedSessionID, reason string)
}

// LogSink writes reports to the structured log. The default when no collector
// endpoint is configured.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Record(reportedSessionID, reason string) {
	s.Log.Warn("abuse report filed", "reported", reportedSessionID, "reason", reason)
}

// HTTPSink POSTs reports to an external collector. Failures are logged and
// otherwise ignored; report delivery must never stall matchmaking.
type HTTPSink struct {
	URL     string
	Client  *http.Client
	Log     *slog.Logger
	Timeout time.Duration
}

type reportPayload struct {
	ReportedSessionID string `json:"reportedSessionId"`
	Reason            string `json:"reason"`
	FiledAt           string `json:"filedAt"`
}

func (s *HTTPSink) Record(reportedSessionID, reason string) {
	go s.post(reportedSessionID, reason)
}

func (s *HTTPSink) post(reportedSessionID, reason string) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(reportPayload{
		ReportedSessionID: reportedSessionID,
		Reason:            reason,
		FiledAt:           time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		s.Log.Warn("report sink request construction failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		s.Log.Warn("report sink delivery failed", "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.Log.Warn("report sink rejected report", "status", resp.StatusCode)
	}
}
