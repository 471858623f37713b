// Package natskv implements the cache port on a NATS JetStream KeyValue
// bucket. Used as the shared L2 tier so completion cache hits survive
// process restarts and are visible to every instance.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps one KV bucket. Entry TTL is a bucket-level property in
// JetStream, so the per-call TTL is ignored here.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a cache over an existing bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// EnsureBucket creates or reuses the named bucket with the given TTL.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (*Cache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: name,
		TTL:    ttl,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{kv: kv}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, sanitize(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, sanitize(key), value)
	return err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, sanitize(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// sanitize maps cache keys onto the KV key alphabet. Colons are common in
// our keys but invalid in JetStream KV.
func sanitize(key string) string {
	out := []byte(key)
	for i, b := range out {
		if b == ':' {
			out[i] = '.'
		}
	}
	return string(out)
}
