package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type memoryItem struct {
	value   string
	expires time.Time
}

// MemoryService is a single-process stand-in for RedisService, used when no redis
// is configured. Publish only reaches subscribers in the same process.
type MemoryService struct {
	mu          sync.Mutex
	items       map[string]memoryItem
	subscribers map[string][]func(string)
	now         func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		items:       make(map[string]memoryItem),
		subscribers: make(map[string][]func(string)),
		now:         time.Now,
	}
}

func (m *MemoryService) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

func (m *MemoryService) getLocked(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expires.IsZero() && !m.now().Before(item.expires) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryService) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryService) GetValue(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.getLocked(key)
	if !ok {
		return "", ErrKeyNotExist
	}
	return item.value, nil
}

func (m *MemoryService) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryService) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.getLocked(key); ok {
		return false, nil
	}
	m.items[key] = memoryItem{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryService) DelValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryService) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	m.mu.Lock()
	handlers := append([]func(string){}, m.subscribers[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		go h(string(data))
	}
	return nil
}

func (m *MemoryService) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[channel] = append(m.subscribers[channel], handler)
	return nil
}

func (m *MemoryService) Ping(ctx context.Context) error {
	return nil
}

// SetClock replaces the time source. Tests use it to expire keys.
func (m *MemoryService) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
