package embedcache

import (
	"context"
	"fmt"
	"log/slog"
)

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// BatchEmbed はバッチで Embedding を生成する
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder は Embedder をキャッシュ越しに呼び出すラッパー。
// キャッシュにないテキストのみを実際にEmbeddingし、結果をベストエフォートで保存する。
type CachedEmbedder struct {
	cache      *Cache
	embedder   Embedder
	model      string
	dimensions int
	logger     *slog.Logger
}

// CachedEmbedderOption は CachedEmbedder のオプション設定
type CachedEmbedderOption func(*CachedEmbedder)

// WithEmbedderLogger はロガーを設定する
func WithEmbedderLogger(logger *slog.Logger) CachedEmbedderOption {
	return func(e *CachedEmbedder) {
		e.logger = logger
	}
}

// NewCachedEmbedder は新しいCachedEmbedderを作成する
func NewCachedEmbedder(cache *Cache, embedder Embedder, model string, dimensions int, opts ...CachedEmbedderOption) *CachedEmbedder {
	e := &CachedEmbedder{
		cache:      cache,
		embedder:   embedder,
		model:      model,
		dimensions: dimensions,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Embed は単一テキストのEmbeddingを生成する
func (e *CachedEmbedder) Embed(ctx context.Context, text, templateID string) ([]float32, error) {
	vectors, err := e.BatchEmbed(ctx, []string{text}, templateID)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}
	return vectors[0], nil
}

// BatchEmbed は複数テキストのEmbeddingを入力順を保って生成する。
// キャッシュヒット分はEmbedder呼び出しを省略する。
func (e *CachedEmbedder) BatchEmbed(ctx context.Context, texts []string, templateID string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = Hash(text, templateID)
	}

	cached := e.cache.GetBatch(ctx, keys)

	// キャッシュミスのみを収集
	var missTexts []string
	var missIndexes []int
	for i, key := range keys {
		if _, ok := cached[key]; !ok {
			missTexts = append(missTexts, texts[i])
			missIndexes = append(missIndexes, i)
		}
	}

	vectors := make([][]float32, len(texts))
	for i, key := range keys {
		if entry, ok := cached[key]; ok {
			vectors[i] = entry.Embedding
		}
	}

	if len(missTexts) > 0 {
		embedded, err := e.embedder.BatchEmbed(ctx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts: %w", err)
		}
		if len(embedded) != len(missTexts) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(embedded), len(missTexts))
		}

		newEntries := make(map[string]Entry, len(missTexts))
		for j, idx := range missIndexes {
			vectors[idx] = embedded[j]
			newEntries[keys[idx]] = Entry{
				Embedding:  embedded[j],
				Model:      e.model,
				Dimensions: e.dimensions,
			}
		}
		e.cache.SetBatch(ctx, newEntries)
	}

	e.logger.Debug("batch embed completed",
		"total", len(texts),
		"cacheHits", len(texts)-len(missTexts),
		"cacheMisses", len(missTexts),
	)

	return vectors, nil
}
