package httpclient

import (
	"fmt"
	"log/slog"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
)

// Config shapes an outbound delivery client.
type Config struct {
	// Timeout bounds one request end to end: connect, TLS handshake,
	// request write, and response read. Required.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is re-sent inside
	// the client, on top of the initial attempt. Zero disables inline
	// retries entirely. Webhook step delivery keeps this at zero because
	// the engine schedules its own redelivery and records every attempt.
	RetryAttempts int

	// RetryBackoff is the delay before the first inline retry. It doubles
	// per attempt up to MaxBackoff. Required when RetryAttempts > 0.
	RetryBackoff time.Duration

	// MaxBackoff caps the doubling delay between inline retries.
	MaxBackoff time.Duration

	// RetryNonIdempotent permits inline retries for POST, PUT, PATCH,
	// and DELETE. Leave false unless the receiver deduplicates requests.
	RetryNonIdempotent bool

	// UserAgent identifies this process to receivers. Required. It is
	// only applied when the caller did not set its own header.
	UserAgent string

	// Logger receives one entry per outbound request. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// DefaultConfig is the baseline for ad-hoc outbound calls. Inline retries
// stay off; callers that want them opt in per client.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RetryBackoff: 250 * time.Millisecond,
		MaxBackoff:   10 * time.Second,
		UserAgent:    "weft/1.0",
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return &wefterrors.ValidationError{
			Field:      "timeout",
			Message:    fmt.Sprintf("must be positive, got %v", c.Timeout),
			Suggestion: "set a per-request deadline such as 30s",
		}
	}
	if c.RetryAttempts < 0 {
		return &wefterrors.ValidationError{
			Field:   "retryAttempts",
			Message: fmt.Sprintf("must not be negative, got %d", c.RetryAttempts),
		}
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return &wefterrors.ValidationError{
				Field:      "retryBackoff",
				Message:    "must be positive when retries are enabled",
				Suggestion: "set a base delay such as 250ms",
			}
		}
		if c.MaxBackoff < c.RetryBackoff {
			return &wefterrors.ValidationError{
				Field:   "maxBackoff",
				Message: fmt.Sprintf("%v is below the base backoff %v", c.MaxBackoff, c.RetryBackoff),
			}
		}
	}
	if c.UserAgent == "" {
		return &wefterrors.ValidationError{
			Field:      "userAgent",
			Message:    "must not be empty",
			Suggestion: "identify the calling process, e.g. weftd/1.0",
		}
	}
	return nil
}
