package coordinator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records processed keys in Redis so that only one instance acts on
// each of them.
type Deduper struct {
	client *redis.Client
	prefix string
}

// NewDeduper creates a deduper whose keys live under the given scope.
func NewDeduper(client *redis.Client, scope string) *Deduper {
	return &Deduper{client: client, prefix: "prism:" + scope + ":"}
}

// Claim records key if it does not already exist. It returns true when the
// key was newly recorded.
func (d *Deduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
}
