package cache

import (
	"context"
	"errors"
	"time"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

var ErrMiss = errors.New("cache miss")

// Cache stores analytics views. A ttl of 0 means no expiry.
type Cache interface {
	Set(ctx context.Context, key string, v readmodel.View, ttl time.Duration) error
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (readmodel.View, error)
	Delete(ctx context.Context, key string) error
}
