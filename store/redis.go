package store

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	backend "github.com/redis/go-redis/v9"
)

// Redis is a Store keeping one hash per location in a redis server.
type Redis struct {
	client *backend.Client
	prefix string
	owned  bool
}

var _ Store = (*Redis)(nil)

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix for the store's hashes.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis creates a store on an existing client. Close does not close the
// client.
func NewRedis(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "softkey:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to the server named by a redis:// URL and verifies the
// connection.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	o, err := backend.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := backend.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "ping redis")
	}
	r := NewRedis(client, opts...)
	r.owned = true
	return r, nil
}

func (r *Redis) key(loc Location) string {
	return r.prefix + "files:" + loc.String()
}

// Read implements Store.
func (r *Redis) Read(ctx context.Context, loc Location, path string) ([]byte, error) {
	if err := CheckPath(loc, path); err != nil {
		return nil, err
	}
	data, err := r.client.HGet(ctx, r.key(loc), path).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, notFound(loc, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s:%s", loc, path)
	}
	return data, nil
}

// Write implements Store.
func (r *Redis) Write(ctx context.Context, loc Location, path string, data []byte) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	return errors.Wrapf(r.client.HSet(ctx, r.key(loc), path, data).Err(), "write %s:%s", loc, path)
}

// Remove implements Store.
func (r *Redis) Remove(ctx context.Context, loc Location, path string) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	n, err := r.client.HDel(ctx, r.key(loc), path).Result()
	if err != nil {
		return errors.Wrapf(err, "remove %s:%s", loc, path)
	}
	if n == 0 {
		return notFound(loc, path)
	}
	return nil
}

// List implements Store.
func (r *Redis) List(ctx context.Context, loc Location, prefix string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key(loc)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list %s:%s", loc, prefix)
	}
	paths := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	slices.Sort(paths)
	if len(paths) == 0 {
		return nil, nil
	}
	return paths, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
