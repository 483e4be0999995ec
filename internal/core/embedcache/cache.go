package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// DefaultTTL はキャッシュエントリのデフォルト有効期限
const DefaultTTL = 7 * 24 * time.Hour

// Entry はキャッシュされたEmbeddingを表す
type Entry struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// Stats はキャッシュの概算統計情報を表す。
// 運用上の可視化のためのみに使用し、正確性を前提としてはならない。
type Stats struct {
	TotalKeys       int64
	EstimatedSizeMB float64
}

// Store はキャッシュのバッキングストアインターフェース。
// キーが存在しない場合は (nil, false, nil) を返す。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	SetBatch(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	Stats(ctx context.Context) (Stats, error)
}

// Cache はコンテンツアドレス方式のEmbeddingキャッシュ。
// バッキングストアは任意であり、未設定またはストア障害時は
// 常にキャッシュミスとして振る舞う。キャッシュは純粋なメモ化層であり、
// エントリの有無が生成結果の正しさを変えることはない。
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// CacheOption は Cache のオプション設定
type CacheOption func(*Cache)

// WithCacheStore はバッキングストアを設定する
func WithCacheStore(store Store) CacheOption {
	return func(c *Cache) {
		c.store = store
	}
}

// WithCacheTTL はエントリの有効期限を設定する
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithCacheLogger はロガーを設定する
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache は新しいCacheを作成する。
// ストア未指定の場合、Getは常に不在を返し、Setは何もしない。
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Hash は (テキスト, テンプレートID) の組から決定的なキャッシュキーを生成する。
// 正規化したテキストとテンプレートIDの連結に対するSHA-256ハッシュのため、
// 同一の入力は常に同一のキーとなる。
func Hash(text, templateID string) string {
	sum := sha256.Sum256([]byte(normalize(text) + "\x00" + templateID))
	return hex.EncodeToString(sum[:])
}

// normalize はハッシュ対象のテキストを正規化する（小文字化 + 空白の圧縮）
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Get はキーに対応するエントリを返す。
// 不在およびストア障害はいずれも (Entry{}, false) として扱う。
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("embedding cache get failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("embedding cache entry corrupted", "key", key, "error", err)
		return Entry{}, false
	}
	return entry, true
}

// Set はエントリをベストエフォートで保存する。失敗はログのみで伝播しない。
func (c *Cache) Set(ctx context.Context, key string, embedding []float32, model string, dimensions int) {
	if c.store == nil {
		return
	}

	data, err := json.Marshal(Entry{
		Embedding:  embedding,
		Model:      model,
		Dimensions: dimensions,
	})
	if err != nil {
		c.logger.Warn("embedding cache entry marshal failed", "key", key, "error", err)
		return
	}

	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("embedding cache set failed", "key", key, "error", err)
	}
}

// GetBatch は複数キーのエントリを返す。
// 存在するキーのみが結果マップに含まれる（不在キーは省略される）。
func (c *Cache) GetBatch(ctx context.Context, keys []string) map[string]Entry {
	result := make(map[string]Entry)
	if c.store == nil || len(keys) == 0 {
		return result
	}

	values, err := c.store.GetBatch(ctx, keys)
	if err != nil {
		c.logger.Warn("embedding cache batch get failed", "keys", len(keys), "error", err)
		return result
	}

	for key, data := range values {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("embedding cache entry corrupted", "key", key, "error", err)
			continue
		}
		result[key] = entry
	}
	return result
}

// SetBatch は複数エントリをベストエフォートで保存する。
func (c *Cache) SetBatch(ctx context.Context, entries map[string]Entry) {
	if c.store == nil || len(entries) == 0 {
		return
	}

	values := make(map[string][]byte, len(entries))
	for key, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			c.logger.Warn("embedding cache entry marshal failed", "key", key, "error", err)
			continue
		}
		values[key] = data
	}

	if err := c.store.SetBatch(ctx, values, c.ttl); err != nil {
		c.logger.Warn("embedding cache batch set failed", "entries", len(values), "error", err)
	}
}

// Stats はキャッシュの概算統計を返す。障害時はゼロ値を返す。
func (c *Cache) Stats(ctx context.Context) Stats {
	if c.store == nil {
		return Stats{}
	}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("embedding cache stats failed", "error", err)
		return Stats{}
	}
	return stats
}
