// Package httpclient builds the HTTP clients the engine uses for outbound
// deliveries, chiefly webhook steps.
//
// Every client shares the same transport chain: a pooled base transport
// with TLS 1.2 minimum, header injection (User-Agent, X-Correlation-ID,
// W3C traceparent), structured request logging with sanitized URLs, and
// an optional inline retry layer.
//
//	client, err := httpclient.New(httpclient.Config{
//	    Timeout:   30 * time.Second,
//	    UserAgent: "weftd/1.0",
//	})
//
// # Retries
//
// Inline retries are off by default and stay off for webhook step
// delivery: the engine schedules redelivery through its timer wheel and
// records every attempt, so a client that silently re-sent requests would
// corrupt the attempt ledger. Callers outside that path can opt in with
// RetryAttempts > 0, which retries timeouts, connection failures, and
// 408/429/5xx responses (except 501) with doubling backoff, honoring
// Retry-After. Non-idempotent methods are only retried when
// RetryNonIdempotent is set, and only when the request body can be
// replayed through GetBody.
//
// # Sanitization
//
// SanitizeURL drops userinfo passwords and redacts credential-bearing
// query parameters. The webhook deliverer uses it before persisting a
// delivery record, and the logging transport uses it on every entry.
package httpclient
