package httpclient

import (
	"net/url"
	"strings"
)

// Query parameter names that commonly carry credentials in delivery URLs.
// Matched case-insensitively as substrings, so api_key, ApiKey, and
// access_token are all caught.
var sensitiveParams = []string{
	"token",
	"secret",
	"signature",
	"sig",
	"key",
	"password",
	"auth",
	"credential",
}

// SanitizeURL renders a URL safe for logs and delivery records: userinfo
// passwords are dropped and credential-bearing query parameters are
// replaced with REDACTED. The input is not modified.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u

	if safe.User != nil {
		if _, hasPassword := safe.User.Password(); hasPassword {
			if name := safe.User.Username(); name != "" {
				safe.User = url.User(name)
			} else {
				safe.User = nil
			}
		}
	}

	q := safe.Query()
	redacted := false
	for name := range q {
		if sensitiveParam(name) {
			q.Set(name, "REDACTED")
			redacted = true
		}
	}
	if redacted {
		safe.RawQuery = q.Encode()
	}
	return safe.String()
}

func sensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
