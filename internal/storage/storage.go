// Package storage provides the small durable key-value store behind the embedding cache.
package storage

import (
	"context"
	"errors"
)

// ErrCapacity is returned by Set when a value does not fit the store's quota.
var ErrCapacity = errors.New("storage capacity exceeded")

// KV is a string key-value store. Get reports found=false for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
