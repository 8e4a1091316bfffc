package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/xerrors"
)

// On decides which responses and transport errors are worth another attempt.
// The condition names follow envoy's x-envoy-retry-on header.
type On struct {
	fiveXX         bool
	gatewayError   bool
	connectFailure bool
	reset          bool
	retriable4xx   bool
	statusCodes    map[int]struct{}
}

// NewDefaultRetryOn retries what an image host or callback receiver returns while
// it is restarting or rate limiting.
func NewDefaultRetryOn() *On {
	return &On{
		gatewayError:   true,
		connectFailure: true,
		reset:          true,
		retriable4xx:   true,
		statusCodes:    map[int]struct{}{},
	}
}

// NewRetryOnFromString parses a comma separated list of conditions and status codes,
// e.g. "gateway-error,connect-failure,429".
func NewRetryOnFromString(s string) (*On, error) {
	o := &On{statusCodes: map[int]struct{}{}}
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		switch token {
		case "":
		case "5xx":
			o.fiveXX = true
		case "gateway-error":
			o.gatewayError = true
		case "connect-failure":
			o.connectFailure = true
		case "reset":
			o.reset = true
		case "retriable-4xx":
			o.retriable4xx = true
		default:
			statusCode, err := strconv.Atoi(token)
			if err != nil || statusCode < 100 || statusCode > 599 {
				return nil, xerrors.Errorf("invalid retry condition: %q", token)
			}
			o.statusCodes[statusCode] = struct{}{}
		}
	}
	return o, nil
}

// ref https://github.com/envoyproxy/envoy/blob/70d6ec1df6384118cf2fa2f02c0041edb76b2377/source/common/router/retry_state_impl.cc#L387
func (o *On) CheckResponse(response *http.Response) bool {
	code := response.StatusCode
	switch {
	case o.fiveXX && code >= 500 && code < 600:
		return true
	case o.gatewayError && code >= 502 && code < 505:
		return true
	case o.retriable4xx && (code == http.StatusConflict || code == http.StatusTooManyRequests):
		return true
	}

	_, ok := o.statusCodes[code]
	return ok
}

func (o *On) CheckError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// 5xx also covers upstreams that never answered
	if isReset(err) {
		return o.reset || o.fiveXX
	}
	if isConnectFailure(err) {
		return o.connectFailure || o.fiveXX
	}
	return false
}

func isConnectFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	type temporary interface{ Temporary() bool }
	var terr temporary
	return errors.As(err, &terr) && terr.Temporary()
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
