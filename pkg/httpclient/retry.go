package httpclient

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// retryTransport re-sends requests that failed transiently. A request is
// eligible only when its method is idempotent (or retryNonIdempotent is
// set) and its body can be replayed through req.GetBody; everything else
// passes through untouched so a receiver never sees a duplicate it cannot
// handle.
type retryTransport struct {
	next               http.RoundTripper
	attempts           int
	base               time.Duration
	max                time.Duration
	retryNonIdempotent bool
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.eligible(req) {
		return t.next.RoundTrip(req)
	}

	var hint time.Duration
	for attempt := 0; ; attempt++ {
		cur := req
		if attempt > 0 {
			var err error
			if cur, err = replay(req); err != nil {
				return nil, err
			}
			if err := sleep(req.Context(), t.delay(attempt, hint)); err != nil {
				return nil, err
			}
		}

		resp, err := t.next.RoundTrip(cur)
		if err != nil {
			if attempt == t.attempts || !transientError(err) {
				return nil, err
			}
			hint = 0
			continue
		}
		if !retryableStatus(resp.StatusCode) || attempt == t.attempts {
			return resp, nil
		}
		hint = retryAfterHint(resp)
		discard(resp)
	}
}

func (t *retryTransport) eligible(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		if !t.retryNonIdempotent {
			return false
		}
	}
	// A consumed body cannot be re-sent without GetBody.
	return req.Body == nil || req.GetBody != nil
}

// delay doubles the base per attempt, capped at max, with jitter up to
// half the computed value. A Retry-After hint from the previous response
// overrides the schedule, still capped at max.
func (t *retryTransport) delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > t.max {
			return t.max
		}
		return hint
	}
	d := t.base << (attempt - 1)
	if d <= 0 || d > t.max {
		d = t.max
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// replay builds a fresh request for the next attempt. The previous
// attempt consumed req.Body, so the clone reads a new body from GetBody.
func replay(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discard drains a response that will not be returned so the underlying
// connection can be reused.
func discard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// retryableStatus reports whether a status code is worth another attempt.
// 501 is excluded from the 5xx range: a receiver that does not implement
// the method will not start implementing it between attempts.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code != http.StatusNotImplemented:
		return true
	}
	return false
}

// transientError reports whether a transport error may heal on retry.
// Context cancellation never does.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transientError(urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// Some resolver and proxy failures only surface as strings.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")
}

// retryAfterHint reads the Retry-After header, in either delta-seconds or
// HTTP-date form. Zero means no usable hint.
func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
