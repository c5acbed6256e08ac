package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// memoryStore 进程内去重存储，供单机运行与纯逻辑测试使用。
// 后台 janitor 周期清理过期 key；时钟可注入便于测试。
type memoryStore struct {
	mu        sync.Mutex
	marks     map[string]memoryEntry
	responses map[string]memoryEntry
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// MemoryStoreOption 配置 memoryStore 的选项
type MemoryStoreOption func(*memoryStore)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *memoryStore) {
		s.now = now
	}
}

// NewMemoryStore 创建进程内去重存储并启动清理协程
func NewMemoryStore(opts ...MemoryStoreOption) Store {
	s := &memoryStore{
		marks:     make(map[string]memoryEntry),
		responses: make(map[string]memoryEntry),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.janitor()
	return s
}

func (s *memoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *memoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.marks {
		if now.After(e.expiresAt) {
			delete(s.marks, key)
		}
	}
	for key, e := range s.responses {
		if now.After(e.expiresAt) {
			delete(s.responses, key)
		}
	}
}

func (s *memoryStore) MarkIfFirst(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.marks[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.marks[key] = memoryEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *memoryStore) Unmark(_ context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, key)
	return nil
}

func (s *memoryStore) CacheResponse(_ context.Context, correlationID string, payload []byte, ttl time.Duration) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[correlationID] = memoryEntry{payload: payload, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *memoryStore) CachedResponse(_ context.Context, correlationID string) ([]byte, bool, error) {
	if correlationID == "" {
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.responses[correlationID]
	if !ok || s.now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}
