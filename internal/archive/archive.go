// Package archive persists raw provider payloads for audit and replay.
package archive

import (
	"context"
)

// Store writes one raw payload and returns its URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// NoOp discards payloads. Used when archiving is disabled.
type NoOp struct{}

// PutObject does nothing and returns an empty URI.
func (NoOp) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
