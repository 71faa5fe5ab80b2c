package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"stashbin/cfg"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	blobKeyPrefix = "blob:"
	evictChannel  = "stashbin:blob-evict"
)

// Redis is the shared cache tier. It never holds paste records, only blob
// bytes keyed by their never-reused object ref, plus rate-limit windows.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if opt.TLSConfig != nil && c.RedisCACert != "" {
		pool, err := loadCertPool(c.RedisCACert)
		if err != nil {
			return nil, err
		}
		opt.TLSConfig.RootCAs = pool
		opt.TLSConfig.MinVersion = tls.VersionTLS12
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read redis CA cert")
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append redis CA cert to pool")
	}
	return pool, nil
}
func (r *Redis) CacheBlob(ctx context.Context, ref string, data []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, blobKeyPrefix+ref, data, ttl).Err(), "set blob")
}

// GetBlob returns (nil, false, nil) on a cache miss.
func (r *Redis) GetBlob(ctx context.Context, ref string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, blobKeyPrefix+ref).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get blob")
	}
	return data, true, nil
}
func (r *Redis) DeleteBlob(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, blobKeyPrefix+ref).Err(); err != nil {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (r *Redis) PublishEviction(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Publish(ctx, evictChannel, ref).Err(), "publish eviction")
}

// SubscribeEvictions calls fn for every ref published on the eviction channel
// until ctx is done. The client resubscribes on its own after reconnects.
func (r *Redis) SubscribeEvictions(ctx context.Context, fn func(ref string)) error {
	sub := r.client.Subscribe(ctx, evictChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe evictions")
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// RateLimit counts a hit in a fixed window and returns the usage so far. Once
// limit is reached the counter stops growing and every further hit reports
// limit+1 until the window expires.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
