package server

import "strings"

// sanitizeError maps an internal error to a message safe for API
// responses. Anything that could leak credentials or infrastructure
// details collapses to a generic phrase.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "token"),
		strings.Contains(msg, "credential"),
		strings.Contains(msg, "password"),
		strings.Contains(msg, "secret"),
		strings.Contains(msg, "unauthorized"):
		return "authentication error"
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return "upstream timeout"
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return "upstream unavailable"
	case strings.Contains(msg, "too many"),
		strings.Contains(msg, "rate limit"):
		return "rate limited"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
