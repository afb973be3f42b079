package httpclient

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// New builds an *http.Client from cfg. The transport chain, outermost
// first: inline retry (only when RetryAttempts > 0), then header
// injection and request logging, then a pooled base transport with
// TLS 1.2 minimum.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var rt http.RoundTripper = &outboundTransport{
		next:      baseTransport(cfg.Timeout),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
	if cfg.RetryAttempts > 0 {
		rt = &retryTransport{
			next:               rt,
			attempts:           cfg.RetryAttempts,
			base:               cfg.RetryBackoff,
			max:                cfg.MaxBackoff,
			retryNonIdempotent: cfg.RetryNonIdempotent,
		}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}, nil
}

func baseTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		// Setting TLSClientConfig disables the automatic HTTP/2 upgrade,
		// so ask for it back explicitly.
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
