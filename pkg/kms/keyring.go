package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const dataKeySize = 32

// Keyring mints data keys and caches unwrapped ones, so a hot blob costs one
// master-key round trip per TTL rather than one per read.
type Keyring struct {
	wrapper  Wrapper
	ttl      time.Duration
	cache    sync.Map
	group    singleflight.Group
	quit     chan struct{}
	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
}
type cachedKey struct {
	dek       []byte
	expiresAt time.Time
}

func NewKeyring(w Wrapper, ttl time.Duration) *Keyring {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	k := &Keyring{wrapper: w, ttl: ttl, quit: make(chan struct{})}
	go k.evictionLoop()
	return k
}
func (k *Keyring) Name() string { return k.wrapper.Name() }

// NewDataKey returns a fresh key and its wrapped form.
func (k *Keyring) NewDataKey(ctx context.Context) ([]byte, []byte, error) {
	if k.isStopped() {
		return nil, nil, ErrProviderUnavailable
	}
	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, errors.Wrap(err, "generate data key")
	}
	wrapped, err := k.wrapper.Wrap(ctx, dek)
	if err != nil {
		wipe(dek)
		return nil, nil, err
	}
	k.remember(cacheKey(wrapped), dek)
	return dek, wrapped, nil
}

// OpenDataKey unwraps a key, coalescing concurrent misses for the same key.
// The returned slice is the caller's to wipe.
func (k *Keyring) OpenDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if k.isStopped() {
		return nil, ErrProviderUnavailable
	}
	ck := cacheKey(wrapped)
	if dek, ok := k.lookup(ck); ok {
		return dek, nil
	}
	v, err, _ := k.group.Do(ck, func() (interface{}, error) {
		if dek, ok := k.lookup(ck); ok {
			return dek, nil
		}
		dek, err := k.wrapper.Unwrap(ctx, wrapped)
		if err != nil {
			return nil, err
		}
		k.remember(ck, dek)
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	src := v.([]byte)
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
func (k *Keyring) lookup(ck string) ([]byte, bool) {
	v, ok := k.cache.Load(ck)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedKey)
	if time.Now().After(entry.expiresAt) {
		k.cache.Delete(ck)
		return nil, false
	}
	out := make([]byte, len(entry.dek))
	copy(out, entry.dek)
	return out, true
}
func (k *Keyring) remember(ck string, dek []byte) {
	jitter := hashToJitter(ck, int64(k.ttl/10/time.Millisecond))
	entry := &cachedKey{dek: make([]byte, len(dek)), expiresAt: time.Now().Add(k.ttl + jitter)}
	copy(entry.dek, dek)
	k.cache.Store(ck, entry)
}
func cacheKey(wrapped []byte) string {
	h := sha256.Sum256(wrapped)
	return hex.EncodeToString(h[:])
}

// hashToJitter spreads expiries so keys cached together do not all miss at once.
func hashToJitter(hashStr string, maxJitterMillis int64) time.Duration {
	if maxJitterMillis <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMillis) * time.Millisecond
}
func (k *Keyring) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-k.quit:
			return
		case <-ticker.C:
			k.evictExpired()
		}
	}
}
func (k *Keyring) evictExpired() {
	now := time.Now()
	k.cache.Range(func(key, value interface{}) bool {
		if now.After(value.(*cachedKey).expiresAt) {
			k.cache.Delete(key)
		}
		return true
	})
}
func (k *Keyring) isStopped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopped
}

// Stop halts eviction and wipes every cached key.
func (k *Keyring) Stop() {
	k.stopOnce.Do(func() {
		k.mu.Lock()
		k.stopped = true
		k.mu.Unlock()
		close(k.quit)
		k.cache.Range(func(key, value interface{}) bool {
			wipe(value.(*cachedKey).dek)
			k.cache.Delete(key)
			return true
		})
	})
}

// Len reports the number of cached keys, expired or not.
func (k *Keyring) Len() int {
	n := 0
	k.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
