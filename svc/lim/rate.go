package lim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"stashbin/metrics"
	"stashbin/svc/util"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisCheckLimit = 100 * time.Millisecond
)

// Counter is a shared fixed-window counter, normally Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter admits requests per client and endpoint. Client IPs are hashed with
// a per-process key before they are used in any counter key.
type Limiter struct {
	counter        Counter
	trustedProxies []string
	rpm            int
	burst          int
	hashKey        []byte
	localLimiters  map[string]*limiterEntry
	mu             sync.Mutex
	quit           chan struct{}
	stopOnce       sync.Once
	evictionSem    chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter allowing rpm requests per minute with the given burst.
// counter may be nil, in which case limits are kept in process.
func New(rpm, burst int, counter Counter, trustedProxies []string) (*Limiter, error) {
	if rpm <= 0 || burst <= 0 {
		return nil, errors.New("rate limit and burst must be positive")
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate client hash key")
	}
	l := &Limiter{
		counter:        counter,
		trustedProxies: trustedProxies,
		rpm:            rpm,
		burst:          burst,
		hashKey:        key,
		localLimiters:  make(map[string]*limiterEntry),
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
	}
	go l.cleanupLoop()
	return l, nil
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// clientKey is a keyed blake2b digest of the client address.
func (l *Limiter) clientKey(ip string) string {
	h, err := blake2b.New(16, l.hashKey)
	if err != nil {
		sum := blake2b.Sum256([]byte(ip))
		return hex.EncodeToString(sum[:16])
	}
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	key := endpoint + ":" + l.clientKey(ip)
	var res *RateLimitResult
	if l.counter != nil {
		res = l.checkShared(r.Context(), key)
	}
	if res == nil {
		res = l.checkLocal(key)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

// checkShared returns nil when the shared counter is unreachable.
func (l *Limiter) checkShared(ctx context.Context, key string) *RateLimitResult {
	ctx, cancel := context.WithTimeout(ctx, redisCheckLimit)
	defer cancel()
	usage, err := l.counter.RateLimit(ctx, "rl:"+key, l.rpm, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		return nil
	}
	remaining := l.rpm - usage
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   usage <= l.rpm,
		Limit:     l.rpm,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}
func (l *Limiter) checkLocal(key string) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	entry, exists := l.localLimiters[key]
	if !exists {
		if len(l.localLimiters) >= maxLimiters {
			util.Warn().Int("limiters", len(l.localLimiters)).Msg("rate limiter at capacity, rejecting request")
			return &RateLimitResult{Allowed: false, Limit: l.rpm, Reset: time.Now().Add(time.Minute)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = time.Now()
	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     l.rpm,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}
func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP walks X-Forwarded-For from the right, skipping trusted proxies,
// but only when the direct peer is itself trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
