package assembly

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/insight-engine/internal/core/intent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRetriever はベクトル検索のスタブ
type stubRetriever struct {
	chunks []*RetrievedChunk
	err    error
	params []SearchParams
}

func (s *stubRetriever) Search(ctx context.Context, params SearchParams) (*SearchResultSet, error) {
	s.params = append(s.params, params)
	if s.err != nil {
		return nil, s.err
	}
	return &SearchResultSet{Chunks: s.chunks, TotalResults: len(s.chunks)}, nil
}

// stubReranker はリランキングのスタブ
type stubReranker struct {
	result []*RetrievedChunk
	err    error
	calls  int
}

func (s *stubReranker) Rerank(ctx context.Context, query string, chunks []*RetrievedChunk) ([]*RetrievedChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return chunks, nil
}

func chunk(name string, score float64) *RetrievedChunk {
	return &RetrievedChunk{
		ShardID:   uuid.New(),
		ShardName: name,
		Content:   "content of " + name,
		Score:     score,
	}
}

func searchIntent(scope intent.Scope) *intent.Result {
	return &intent.Result{
		Type:       intent.InsightTypeSearch,
		Confidence: 0.5,
		Scope:      scope,
	}
}

func TestAssemble_NilIntent(t *testing.T) {
	service := NewService(NewRegistry(), &stubRetriever{}, WithAssemblyLogger(discardLogger()))

	_, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
	})
	assert.Error(t, err)
}

func TestAssemble_FiltersByTemplateMinScore(t *testing.T) {
	retriever := &stubRetriever{chunks: []*RetrievedChunk{
		chunk("high", 0.9),
		chunk("borderline", 0.3),
		chunk("low", 0.1),
	}}
	service := NewService(NewRegistry(), retriever, WithAssemblyLogger(discardLogger()))

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)

	// search-tenant テンプレートの minScore=0.3 未満は除外される
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "high", result.Chunks[0].ShardName)
	assert.Equal(t, "borderline", result.Chunks[1].ShardName)
	assert.Contains(t, result.FormattedContext, "content of high")
	assert.NotContains(t, result.FormattedContext, "content of low")
}

func TestAssemble_TemplateDrivesSearchParams(t *testing.T) {
	retriever := &stubRetriever{}
	service := NewService(NewRegistry(), retriever, WithAssemblyLogger(discardLogger()))
	tenantID := uuid.New()

	_, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: tenantID,
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)

	require.Len(t, retriever.params, 1)
	assert.Equal(t, tenantID, retriever.params[0].TenantID)
	assert.Equal(t, "search-tenant", retriever.params[0].TemplateID)
	assert.Equal(t, 8, retriever.params[0].MaxChunks)
	assert.Equal(t, 0.3, retriever.params[0].MinScore)
}

func TestAssemble_RetrievalFailureYieldsEmptyContext(t *testing.T) {
	retriever := &stubRetriever{err: fmt.Errorf("vector store down")}
	service := NewService(NewRegistry(), retriever, WithAssemblyLogger(discardLogger()))

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)
	assert.Empty(t, result.FormattedContext)
	assert.Empty(t, result.Chunks)
	require.NotNil(t, result.Template)
}

// blockingRetriever はコンテキストが打ち切られるまで応答しないスタブ
type blockingRetriever struct{}

func (s *blockingRetriever) Search(ctx context.Context, params SearchParams) (*SearchResultSet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAssemble_HungRetrieverDegradesWithinTimeout(t *testing.T) {
	service := NewService(NewRegistry(), &blockingRetriever{},
		WithSearchTimeout(50*time.Millisecond),
		WithAssemblyLogger(discardLogger()),
	)

	start := time.Now()
	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	elapsed := time.Since(start)

	// 検索タイムアウトは空コンテキストへの縮退であり、リクエスト全体を止めない
	require.NoError(t, err)
	assert.Empty(t, result.FormattedContext)
	assert.Empty(t, result.Chunks)
	assert.Less(t, elapsed, time.Second)
}

func TestAssemble_ZeroChunksIsNotAnError(t *testing.T) {
	service := NewService(NewRegistry(), &stubRetriever{}, WithAssemblyLogger(discardLogger()))

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)
	assert.Empty(t, result.FormattedContext)
	assert.Zero(t, result.TokenCount)
}

func TestAssemble_RerankingReorders(t *testing.T) {
	first := chunk("first", 0.9)
	second := chunk("second", 0.8)
	reranker := &stubReranker{result: []*RetrievedChunk{
		{ShardID: first.ShardID, ShardName: first.ShardName, Content: first.Content, Score: 0.4},
		{ShardID: second.ShardID, ShardName: second.ShardName, Content: second.Content, Score: 0.95},
	}}
	retriever := &stubRetriever{chunks: []*RetrievedChunk{first, second}}
	service := NewService(NewRegistry(), retriever,
		WithReranker(reranker),
		WithAssemblyLogger(discardLogger()),
	)

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID:        uuid.New(),
		Query:           "q",
		Intent:          searchIntent(intent.TenantScope()),
		EnableReranking: true,
	})
	require.NoError(t, err)

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "second", result.Chunks[0].ShardName)
	assert.Equal(t, "first", result.Chunks[1].ShardName)
}

func TestAssemble_RerankingDisabledByDefault(t *testing.T) {
	reranker := &stubReranker{}
	retriever := &stubRetriever{chunks: []*RetrievedChunk{chunk("a", 0.9), chunk("b", 0.8)}}
	service := NewService(NewRegistry(), retriever,
		WithReranker(reranker),
		WithAssemblyLogger(discardLogger()),
	)

	_, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)
	assert.Zero(t, reranker.calls)
}

func TestAssemble_RerankingFailureKeepsRetrievalOrder(t *testing.T) {
	reranker := &stubReranker{err: fmt.Errorf("llm down")}
	retriever := &stubRetriever{chunks: []*RetrievedChunk{chunk("a", 0.9), chunk("b", 0.8)}}
	service := NewService(NewRegistry(), retriever,
		WithReranker(reranker),
		WithAssemblyLogger(discardLogger()),
	)

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID:        uuid.New(),
		Query:           "q",
		Intent:          searchIntent(intent.TenantScope()),
		EnableReranking: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, reranker.calls)
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "a", result.Chunks[0].ShardName)
	assert.Equal(t, "b", result.Chunks[1].ShardName)
}

func TestAssemble_MalformedRerankKeepsRetrievalOrder(t *testing.T) {
	// チャンク数が一致しない結果は破棄される
	reranker := &stubReranker{result: []*RetrievedChunk{chunk("only-one", 0.99)}}
	retriever := &stubRetriever{chunks: []*RetrievedChunk{chunk("a", 0.9), chunk("b", 0.8)}}
	service := NewService(NewRegistry(), retriever,
		WithReranker(reranker),
		WithAssemblyLogger(discardLogger()),
	)

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID:        uuid.New(),
		Query:           "q",
		Intent:          searchIntent(intent.TenantScope()),
		EnableReranking: true,
	})
	require.NoError(t, err)

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "a", result.Chunks[0].ShardName)
	assert.Equal(t, "b", result.Chunks[1].ShardName)
}

func TestAssemble_TruncatesAtChunkBoundary(t *testing.T) {
	big := &RetrievedChunk{
		ShardID:   uuid.New(),
		ShardName: "big",
		Content:   strings.Repeat("filler content that consumes the budget ", 1000),
		Score:     0.9,
	}
	small := chunk("small", 0.8)
	retriever := &stubRetriever{chunks: []*RetrievedChunk{small, big}}
	service := NewService(NewRegistry(), retriever, WithAssemblyLogger(discardLogger()))

	result, err := service.Assemble(context.Background(), AssembleParams{
		TenantID: uuid.New(),
		Query:    "q",
		Intent:   searchIntent(intent.TenantScope()),
	})
	require.NoError(t, err)

	// 予算を超えるチャンクは途中で切らず、丸ごと除外される
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "small", result.Chunks[0].ShardName)
	assert.NotContains(t, result.FormattedContext, "filler content")
	assert.LessOrEqual(t, result.TokenCount, result.Template.MaxContextTokens)
}

func TestRegistry_SelectFallsBack(t *testing.T) {
	registry := NewRegistry()

	// 完全一致
	assert.Equal(t, "search-project", registry.Select(intent.InsightTypeSearch, intent.ScopeModeProject).ID)
	// 種別一致のみ（shardスコープの専用テンプレートはない）
	assert.Equal(t, "summary-tenant", registry.Select(intent.InsightTypeSummary, intent.ScopeModeShard).ID)
	// どちらも一致しない場合はデフォルト
	assert.Equal(t, "default", registry.Select(intent.InsightType("unknown"), intent.ScopeModeTenant).ID)
}

func TestTemplate_Validate(t *testing.T) {
	valid := &Template{ID: "t", RAG: RAGConfig{MaxChunks: 5, MinScore: 0.3}}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Template{RAG: RAGConfig{MaxChunks: 5}}).Validate())
	assert.Error(t, (&Template{ID: "t", RAG: RAGConfig{MaxChunks: 0}}).Validate())
	assert.Error(t, (&Template{ID: "t", RAG: RAGConfig{MaxChunks: 5, MinScore: 1.5}}).Validate())
}
