package pipeline

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ClassifyError maps a fetch or parse error to a FailureType by
// inspecting sentinel errors first and the error text second. The
// mapping is deliberately centralized so call sites never probe error
// strings themselves.
func ClassifyError(err error) FailureType {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"):
		return FailureTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "tls"),
		strings.Contains(msg, "eof"):
		return FailureNetworkError
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "status 5"), strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"):
		return FailureAPIError
	case strings.Contains(msg, "parse"), strings.Contains(msg, "unexpected"):
		return FailureParseError
	default:
		return FailureUnknown
	}
}

// Retriable reports whether a failure of this type is worth another
// automatic attempt. Empty content and repealed sections will not
// change between fetches; everything transient will.
func (t FailureType) Retriable() bool {
	switch t {
	case FailureAPIError, FailureTimeout, FailureNetworkError, FailureParseError, FailureMultiVersionTimeout:
		return true
	default:
		return false
	}
}
