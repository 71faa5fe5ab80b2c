package lim

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// windowCounter mimics the shared fixed-window script.
type windowCounter struct {
	mu   sync.Mutex
	hits map[string]int
	keys []string
	down bool
}

func (w *windowCounter) RateLimit(_ context.Context, key string, limit int, _ time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		return 0, errors.New("dial tcp: connection refused")
	}
	w.keys = append(w.keys, key)
	if w.hits[key] >= limit {
		return limit + 1, nil
	}
	w.hits[key]++
	return w.hits[key], nil
}

func TestLimiter_LocalBurst(t *testing.T) {
	l, err := New(60, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	r := httptest.NewRequest("POST", "/pastes", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	for i := 0; i < 3; i++ {
		if !l.CheckLimit(r, "create").Allowed {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}
	if l.CheckLimit(r, "create").Allowed {
		t.Error("request beyond burst should be rejected")
	}
	if !l.CheckLimit(r, "read").Allowed {
		t.Error("limits are per endpoint")
	}
	other := httptest.NewRequest("POST", "/pastes", nil)
	other.RemoteAddr = "198.51.100.8:4000"
	if !l.CheckLimit(other, "create").Allowed {
		t.Error("limits are per client")
	}
}

func TestLimiter_SharedCounterUsesHashedKeys(t *testing.T) {
	c := &windowCounter{hits: map[string]int{}}
	l, err := New(2, 1, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	r := httptest.NewRequest("GET", "/pastes/abcd", nil)
	r.RemoteAddr = "203.0.113.9:5000"
	if !l.CheckLimit(r, "read").Allowed || !l.CheckLimit(r, "read").Allowed {
		t.Fatal("first two requests should pass")
	}
	res := l.CheckLimit(r, "read")
	if res.Allowed || res.Remaining != 0 {
		t.Errorf("third request = %+v, want rejection", res)
	}
	for _, k := range c.keys {
		if strings.Contains(k, "203.0.113.9") {
			t.Errorf("raw client IP leaked into counter key %q", k)
		}
		if !strings.HasPrefix(k, "rl:read:") {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestLimiter_FallsBackWhenSharedCounterDown(t *testing.T) {
	c := &windowCounter{hits: map[string]int{}, down: true}
	l, _ := New(60, 1, c, nil)
	defer l.Stop()
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:1"
	if !l.CheckLimit(r, "read").Allowed {
		t.Error("first request should pass on the local limiter")
	}
	if l.CheckLimit(r, "read").Allowed {
		t.Error("local limiter burst should apply while the shared counter is down")
	}
}

func TestNew_RejectsBadProxies(t *testing.T) {
	if _, err := New(60, 10, nil, []string{"10.0.0.0/99"}); err == nil {
		t.Error("bad CIDR accepted")
	}
	if _, err := New(60, 10, nil, []string{"not-an-ip"}); err == nil {
		t.Error("bad IP accepted")
	}
}

func TestGetRealIP(t *testing.T) {
	proxies := []string{"10.0.0.0/8"}
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "198.51.100.1:1234", "", "198.51.100.1"},
		{"untrusted peer ignores xff", "198.51.100.1:1234", "1.2.3.4", "198.51.100.1"},
		{"trusted proxy", "10.1.2.3:1234", "203.0.113.5", "203.0.113.5"},
		{"spoofed left entries", "10.1.2.3:1234", "6.6.6.6, 203.0.113.5, 10.9.9.9", "203.0.113.5"},
		{"garbage skipped", "10.1.2.3:1234", "203.0.113.5, nonsense", "203.0.113.5"},
		{"all trusted", "10.1.2.3:1234", "10.2.2.2", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetRealIP(r, proxies); got != tt.want {
				t.Errorf("GetRealIP = %q, want %q", got, tt.want)
			}
		})
	}
}
