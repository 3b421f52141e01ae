package slogx

import (
	"log/slog"
	"net/http"
	"time"
)

// Transport logs every outbound request at debug level with its status and
// duration. The logger is taken from the request context when present, so
// per-call attributes (req_id) attached upstream are kept.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	logger := t.Logger
	if l, ok := req.Context().Value(ctxKey{}).(*slog.Logger); ok {
		logger = l
	}
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		logger.Debug("http_request_failed",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration_ms", duration,
			"error", err.Error(),
		)
		return nil, err
	}

	logger.Debug("http_request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
