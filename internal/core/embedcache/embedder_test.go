package embedcache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder は呼び出されたテキストを記録するスタブ
type stubEmbedder struct {
	calls   [][]string
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.err != nil {
		return nil, s.err
	}
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = s.vectors[text]
	}
	return result, nil
}

func TestCachedEmbedder_MissesOnly(t *testing.T) {
	store := newMemoryStore()
	cache := NewCache(WithCacheStore(store), WithCacheLogger(discardLogger()))
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"alpha": {0.1},
		"beta":  {0.2},
		"gamma": {0.3},
	}}
	cached := NewCachedEmbedder(cache, embedder, "model-1", 1, WithEmbedderLogger(discardLogger()))
	ctx := context.Background()

	// betaのみ事前にキャッシュしておく
	cache.Set(ctx, Hash("beta", "tpl"), []float32{0.2}, "model-1", 1)

	vectors, err := cached.BatchEmbed(ctx, []string{"alpha", "beta", "gamma"}, "tpl")
	require.NoError(t, err)

	// ミス分のみがEmbedderに渡り、入力順は保たれる
	require.Len(t, embedder.calls, 1)
	assert.Equal(t, []string{"alpha", "gamma"}, embedder.calls[0])
	assert.Equal(t, [][]float32{{0.1}, {0.2}, {0.3}}, vectors)

	// ミス分はキャッシュへ書き戻される
	_, found := cache.Get(ctx, Hash("alpha", "tpl"))
	assert.True(t, found)
}

func TestCachedEmbedder_AllHitsSkipsEmbedder(t *testing.T) {
	store := newMemoryStore()
	cache := NewCache(WithCacheStore(store), WithCacheLogger(discardLogger()))
	embedder := &stubEmbedder{}
	cached := NewCachedEmbedder(cache, embedder, "model-1", 1, WithEmbedderLogger(discardLogger()))
	ctx := context.Background()

	cache.Set(ctx, Hash("alpha", "tpl"), []float32{0.1}, "model-1", 1)

	vectors, err := cached.BatchEmbed(ctx, []string{"alpha"}, "tpl")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1}}, vectors)
	assert.Empty(t, embedder.calls)
}

func TestCachedEmbedder_EmbedderFailure(t *testing.T) {
	cache := NewCache(WithCacheLogger(discardLogger()))
	embedder := &stubEmbedder{err: fmt.Errorf("api down")}
	cached := NewCachedEmbedder(cache, embedder, "model-1", 1, WithEmbedderLogger(discardLogger()))

	_, err := cached.BatchEmbed(context.Background(), []string{"alpha"}, "tpl")
	assert.Error(t, err)
}

func TestCachedEmbedder_EmptyInput(t *testing.T) {
	cache := NewCache(WithCacheLogger(discardLogger()))
	cached := NewCachedEmbedder(cache, &stubEmbedder{}, "model-1", 1, WithEmbedderLogger(discardLogger()))

	_, err := cached.BatchEmbed(context.Background(), nil, "tpl")
	assert.Error(t, err)
}
