// Package kvstore provides the pluggable key/value persistence used for cost history
// and alert state. Values are opaque blobs owned by the caller.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store is closed")

// Store is a string-keyed blob store.
type Store interface {
	// Get returns the value for key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Clear removes key. Clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error
	// Close releases resources held by the store.
	Close() error
}

// Open builds a Store from a URL:
//
//	memory://
//	file:///var/lib/telemetryd/state
//	sqlite:///var/lib/telemetryd/state.db
//	redis://localhost:6379/0?prefix=telemetryd:
func Open(ctx context.Context, rawURL string) (Store, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || rawURL == "memory://" || rawURL == "memory" {
		return NewMemoryStore(), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(pathFromURL(u))
	case "sqlite":
		return NewSQLiteStore(pathFromURL(u))
	case "redis", "rediss":
		return NewRedisStoreFromURL(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

func pathFromURL(u *url.URL) string {
	if u.Host != "" && u.Host != "localhost" {
		// file://relative/path parses "relative" as the host.
		return u.Host + u.Path
	}
	return u.Path
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: key is required")
	}
	return nil
}
