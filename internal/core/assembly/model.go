package assembly

import (
	"context"

	"github.com/google/uuid"

	"github.com/jinford/insight-engine/internal/core/intent"
)

// RAGConfig はテンプレートの検索設定を表す
type RAGConfig struct {
	MaxChunks int
	MinScore  float64 // [0,1] 未満のチャンクは組み立て前に除外される
}

// Template はコンテキスト組み立てテンプレートを表す。
// (InsightType, ScopeMode) に基づいて選択され、このコアからは読み取り専用。
type Template struct {
	ID               string
	Name             string
	RAG              RAGConfig
	MaxContextTokens int
	Instruction      string // インサイト種別ごとのシステム指示
}

// RetrievedChunk は検索で取得されたチャンクを表す。リクエストごとの一時データ。
type RetrievedChunk struct {
	ShardID     uuid.UUID
	ShardTypeID uuid.UUID
	ShardName   string
	Content     string
	ChunkIndex  int
	Score       float64
}

// SearchParams はベクトル検索のパラメータを表す
type SearchParams struct {
	TenantID   uuid.UUID
	Scope      intent.Scope
	Query      string
	TemplateID string
	MaxChunks  int
	MinScore   float64
}

// SearchResultSet はベクトル検索の結果を表す
type SearchResultSet struct {
	Chunks       []*RetrievedChunk
	TotalResults int
}

// Retriever はベクトル検索コラボレータインターフェース
type Retriever interface {
	Search(ctx context.Context, params SearchParams) (*SearchResultSet, error)
}

// Reranker はセマンティックリランキングのコラボレータインターフェース。
// 取得チャンクの並べ替えとスコア更新を返す。失敗は致命的ではない。
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []*RetrievedChunk) ([]*RetrievedChunk, error)
}

// AssembleParams はコンテキスト組み立てのパラメータを表す
type AssembleParams struct {
	TenantID        uuid.UUID
	Query           string
	Intent          *intent.Result
	EnableReranking bool
}

// AssembledContext は組み立て済みコンテキストを表す
type AssembledContext struct {
	Template         *Template
	FormattedContext string
	Chunks           []*RetrievedChunk // コンテキストに採用されたチャンク（出典引用用）
	TokenCount       int
}
