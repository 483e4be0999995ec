package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jinford/insight-engine/internal/core/embedcache"
)

const (
	// keyPrefix はEmbeddingキャッシュのキー名前空間
	keyPrefix = "emb:"

	// statsSampleSize はサイズ概算に使うサンプルキー数
	statsSampleSize = 20
)

// Store は embedcache.Store を実装する Redis バッキングストア。
// すべてのエラーは呼び出し側（Cache）でキャッシュミスとして吸収される。
type Store struct {
	client *redis.Client
}

// NewStore は新しい Store を作成する
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

var _ embedcache.Store = (*Store)(nil)

// Get はキーの値を返す。キー不在は (nil, false, nil)。
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

// Set はキーの値をTTL付きで保存する
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// GetBatch は複数キーの値をMGETで取得する。不在キーは結果から省略される。
func (s *Store) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}

	values, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	result := make(map[string][]byte, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		result[keys[i]] = []byte(str)
	}
	return result, nil
}

// SetBatch は複数キーの値をパイプラインで保存する
func (s *Store) SetBatch(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	for key, value := range values {
		pipe.Set(ctx, keyPrefix+key, value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline set failed: %w", err)
	}
	return nil
}

// Stats はキャッシュの概算統計を返す。
// サイズはサンプルキーの MEMORY USAGE 平均から外挿する。
func (s *Store) Stats(ctx context.Context) (embedcache.Stats, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", statsSampleSize).Result()
		if err != nil {
			return embedcache.Stats{}, fmt.Errorf("redis scan failed: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 || len(keys) >= statsSampleSize {
			break
		}
	}

	// 総キー数はSCANの打ち切りに依存しないようCOUNTで数える
	var totalKeys int64
	cursor = 0
	for {
		batch, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 1000).Result()
		if err != nil {
			return embedcache.Stats{}, fmt.Errorf("redis scan failed: %w", err)
		}
		totalKeys += int64(len(batch))
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if totalKeys == 0 || len(keys) == 0 {
		return embedcache.Stats{TotalKeys: totalKeys}, nil
	}

	var sampledBytes int64
	sampled := 0
	for _, key := range keys {
		if sampled >= statsSampleSize {
			break
		}
		size, err := s.client.MemoryUsage(ctx, key).Result()
		if err != nil {
			continue
		}
		sampledBytes += size
		sampled++
	}

	stats := embedcache.Stats{TotalKeys: totalKeys}
	if sampled > 0 {
		avg := float64(sampledBytes) / float64(sampled)
		stats.EstimatedSizeMB = avg * float64(totalKeys) / (1024 * 1024)
	}
	return stats, nil
}
