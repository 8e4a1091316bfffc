package retry

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/xerrors"
)

// Transport is an http.RoundTripper that replays requests according to RetryOn
// and RetryStrategy. Requests with a body are only replayed when GetBody is set,
// which http.NewRequest does for in-memory bodies.
type Transport struct {
	Base          http.RoundTripper
	RetryStrategy Strategy
	RetryOn       *On
}

func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()

	for retryCount := uint(0); ; retryCount++ {
		if retryCount > 0 {
			rewound, err := rewind(request)
			if err != nil {
				return nil, err
			}
			request = rewound
		}

		sleep, exceeded := t.retryStrategy().Sleep(retryCount)
		response, err := t.base().RoundTrip(request)

		retryable := false
		if err != nil {
			retryable = t.RetryOn != nil && t.RetryOn.CheckError(err)
		} else {
			retryable = t.RetryOn != nil && t.RetryOn.CheckResponse(response)
		}
		if exceeded || !retryable || (request.Body != nil && request.GetBody == nil) {
			return response, err
		}

		if response != nil {
			drain(response)
		}
		slog.DebugContext(ctx, "retrying request",
			slog.String("url", request.URL.String()),
			slog.Uint64("retryCount", uint64(retryCount+1)),
			slog.Duration("sleep", sleep),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func rewind(request *http.Request) (*http.Request, error) {
	if request.Body == nil || request.GetBody == nil {
		return request, nil
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, xerrors.Errorf("failed to rewind request body: %w", err)
	}
	clone := request.Clone(request.Context())
	clone.Body = body
	return clone, nil
}

// drain lets the connection of a discarded response be reused.
func drain(response *http.Response) {
	if response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	_ = response.Body.Close()
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) retryStrategy() Strategy {
	if t.RetryStrategy != nil {
		return t.RetryStrategy
	}
	return NewNever()
}
