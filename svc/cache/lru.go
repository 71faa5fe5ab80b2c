package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU keeps recently read blob bytes in process memory, keyed by object ref.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	data []byte
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ref string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(ref)
	if !ok {
		return nil, false
	}
	if !time.Now().Before(it.exp) {
		l.c.Remove(ref)
		return nil, false
	}
	return it.data, true
}
func (l *LRU) Set(ref string, data []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(ref, item{
		data: data,
		exp:  time.Now().Add(ttl),
	})
}
func (l *LRU) Delete(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(ref)
}
func (l *LRU) Len() int {
	return l.c.Len()
}
