// Package blob stores face sample images.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store persists opaque image bytes and hands back a reference to them.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
