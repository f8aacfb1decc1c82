package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMemorySize bounds the number of keys held in process.
	DefaultMemorySize = 10_000
	// MaxMemoryTTL is the longest an entry lives, whatever ttl Set was given.
	MaxMemoryTTL = 24 * time.Hour
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// memoryCache backs single-process deployments that run without Redis. The
// LRU evicts by size and by MaxMemoryTTL; shorter per-key ttls are checked
// on read.
type memoryCache struct {
	items       *expirable.LRU[string, memoryItem]
	serviceName string
	now         func() time.Time
}

func NewMemoryCache(serviceName string) Cache {
	return &memoryCache{
		items:       expirable.NewLRU[string, memoryItem](DefaultMemorySize, nil, MaxMemoryTTL),
		serviceName: serviceName,
		now:         time.Now,
	}
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}

	item := memoryItem{value: s}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items.Add(key, item)
	return nil
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	item, ok := m.items.Get(key)
	if !ok {
		return "", nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.items.Remove(key)
		return "", nil
	}
	return item.value, nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.items.Remove(k)
	}
	return nil
}

func (m *memoryCache) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", m.serviceName, operation, key)
}
