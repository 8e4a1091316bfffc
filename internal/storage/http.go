package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pixelmatch/internal/retry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type httpStorage struct {
	client *http.Client
	config HTTPConfig
}

type HTTPConfig struct {
	// BaseURL relative keys are resolved against on Put. Absolute URLs are used as is.
	BaseURL string
	// MaxBytes caps the size of a downloaded image. Zero means 64MiB.
	MaxBytes int64
	// Transport defaults to a retrying, traced http.DefaultTransport.
	Transport http.RoundTripper
}

func NewHTTPStorage(ctx context.Context, h HTTPConfig) (Storage, error) {
	if h.MaxBytes <= 0 {
		h.MaxBytes = 64 << 20
	}
	if h.Transport == nil {
		h.Transport = &retry.Transport{
			Base:          otelhttp.NewTransport(http.DefaultTransport),
			RetryStrategy: retry.NewExponentialBackOff(10*time.Millisecond, 1*time.Second, 3, nil),
			RetryOn:       retry.NewDefaultRetryOn(),
		}
	}

	return &httpStorage{
		client: &http.Client{
			Transport: h.Transport,
			Timeout:   time.Minute,
		},
		config: h,
	}, nil
}

// Put uploads data with an HTTP PUT, as accepted by presigned URLs and WebDAV servers.
func (h *httpStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	target := key
	if h.config.BaseURL != "" && scheme(key) == "" {
		target = strings.TrimSuffix(h.config.BaseURL, "/") + "/" + strings.TrimPrefix(key, "/")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", http.DetectContentType(data))

	response, err := h.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("failed to upload: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("failed to upload: unexpected status %s", response.Status)
	}

	return target, nil
}

func (h *httpStorage) Get(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	response, err := h.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download: unexpected status %s", response.Status)
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, h.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > h.config.MaxBytes {
		return nil, fmt.Errorf("failed to download: body exceeds %d bytes", h.config.MaxBytes)
	}

	return data, nil
}
