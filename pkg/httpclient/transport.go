package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/weftworks/weft/internal/tracing"
)

// outboundTransport stamps identifying headers on every request and logs
// the outcome. URLs are sanitized before logging so delivery targets with
// credentials in the query string never reach the log stream.
type outboundTransport struct {
	next      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (t *outboundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	// Correlation ID plus W3C trace context, so receivers can tie the
	// delivery back to the run that caused it.
	tracing.InjectIntoRequest(req.Context(), req)
	tracing.InjectHTTPHeaders(req.Context(), req)

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start)

	safeURL := SanitizeURL(req.URL)
	if err != nil {
		t.logger.Warn("outbound request failed",
			"method", req.Method,
			"url", safeURL,
			"duration_ms", elapsed.Milliseconds(),
			"error", err.Error(),
		)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "outbound request",
		"method", req.Method,
		"url", safeURL,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
