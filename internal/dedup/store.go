// Package dedup 提供消费端幂等所需的去重标记与回执缓存。
// "已处理" 仅指成功处理：handler 失败时标记必须释放，让重投有机会重新执行。
package dedup

import (
	"context"
	"time"
)

// Store 幂等去重存储。
// MarkIfFirst 必须是原子的 set-if-absent：并发竞争同一 key 时恰好一个调用方得到 true。
// TTL 必须大于消息中间件的重投窗口，否则过期后重投会被二次执行。
type Store interface {
	// MarkIfFirst 尝试占用幂等 key，首个占用者返回 true
	MarkIfFirst(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unmark 释放幂等 key，处理失败时调用
	Unmark(ctx context.Context, key string) error
	// CacheResponse 按 correlation id 缓存成功回执
	CacheResponse(ctx context.Context, correlationID string, payload []byte, ttl time.Duration) error
	// CachedResponse 查询缓存回执，第二个返回值表示是否命中
	CachedResponse(ctx context.Context, correlationID string) ([]byte, bool, error)
	// Close 释放底层资源
	Close() error
}
