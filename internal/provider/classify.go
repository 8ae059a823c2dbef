// Copyright 2025 James Ross
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
)

// classifyHTTPStatus maps an API provider's response code to an outcome.
// 429 and 408 are throttling/timeout conditions; other 4xx are requests the
// provider will never accept.
func classifyHTTPStatus(code int, body string) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OK()
	case code == 429 || code == 408:
		return Transient(fmt.Sprintf("http %d: %s", code, body))
	case code >= 400 && code < 500:
		return Permanent(fmt.Sprintf("http %d: %s", code, body))
	case code >= 500:
		return Transient(fmt.Sprintf("http %d: %s", code, body))
	}
	return Unknown(fmt.Sprintf("http %d: %s", code, body))
}

// classifyErr maps a transport-level error to an outcome. Network faults and
// timeouts are retriable; SMTP reply codes carry their own semantics: 4xx is
// a temporary server condition, 5xx a permanent rejection.
func classifyErr(err error) Outcome {
	if err == nil {
		return OK()
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 400 && proto.Code < 500 {
			return Transient(err.Error())
		}
		if proto.Code >= 500 {
			return Permanent(err.Error())
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err.Error())
	}
	return Unknown(err.Error())
}
