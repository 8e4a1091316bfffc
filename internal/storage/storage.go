package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type Storage interface {
	// Put stores data with the given key and returns the storage URL
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves data from the given storage URL
	Get(ctx context.Context, url string) ([]byte, error)
}

// ForURL returns the backend able to read and write rawURL: S3 for s3://bucket/...,
// HTTP for http(s)://..., and the local filesystem otherwise.
func ForURL(ctx context.Context, rawURL string) (Storage, error) {
	switch scheme(rawURL) {
	case "s3":
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("S3 URL has no bucket: %s", rawURL)
		}
		return NewS3Storage(ctx, S3Config{
			Bucket: u.Host,
		})
	case "http", "https":
		return NewHTTPStorage(ctx, HTTPConfig{})
	default:
		return NewFileStorage(ctx, FileConfig{})
	}
}

// Fetch reads rawURL through the backend ForURL picks for it.
func Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	s, err := ForURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, rawURL)
}

// Store writes data to rawURL, which names the destination object itself rather than
// a directory or bucket, and returns the URL it was stored under.
func Store(ctx context.Context, rawURL string, data []byte) (string, error) {
	switch scheme(rawURL) {
	case "s3":
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("failed to parse S3 URL: %w", err)
		}
		s, err := NewS3Storage(ctx, S3Config{
			Bucket: u.Host,
		})
		if err != nil {
			return "", err
		}
		return s.Put(ctx, strings.TrimPrefix(u.Path, "/"), data)
	case "http", "https":
		s, err := NewHTTPStorage(ctx, HTTPConfig{})
		if err != nil {
			return "", err
		}
		return s.Put(ctx, rawURL, data)
	default:
		s, err := NewFileStorage(ctx, FileConfig{})
		if err != nil {
			return "", err
		}
		return s.Put(ctx, rawURL, data)
	}
}

func scheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}
