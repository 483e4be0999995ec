package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jinford/insight-engine/pkg/tokens"
)

// DefaultSearchTimeout はベクトル検索1回あたりのタイムアウト
const DefaultSearchTimeout = 10 * time.Second

// Service はテンプレート駆動のコンテキスト組み立てを提供する。
// 検索 → スコアフィルタ → （任意の）リランキング → トークン予算内の結合
// の順で処理し、検索・リランキングの失敗（タイムアウト含む）はいずれも
// 空コンテキストまたは元の並び順への縮退として扱う。
type Service struct {
	registry      *Registry
	retriever     Retriever
	reranker      Reranker // 任意。nil の場合リランキングは行わない
	counter       *tokens.Counter
	logger        *slog.Logger
	searchTimeout time.Duration
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithReranker はリランキングコラボレータを設定する
func WithReranker(reranker Reranker) ServiceOption {
	return func(s *Service) {
		s.reranker = reranker
	}
}

// WithAssemblyLogger はロガーを設定する
func WithAssemblyLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAssemblyTokenCounter はトークンカウンターを差し替える
func WithAssemblyTokenCounter(counter *tokens.Counter) ServiceOption {
	return func(s *Service) {
		s.counter = counter
	}
}

// WithSearchTimeout はベクトル検索のタイムアウトを設定する
func WithSearchTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.searchTimeout = timeout
	}
}

// NewService は新しいServiceを作成する
func NewService(registry *Registry, retriever Retriever, opts ...ServiceOption) *Service {
	s := &Service{
		registry:      registry,
		retriever:     retriever,
		logger:        slog.Default(),
		searchTimeout: DefaultSearchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.counter == nil {
		s.counter = tokens.NewCounter()
	}
	return s
}

// Assemble は (クエリ, インテント) から整形済みコンテキストを組み立てる。
// チャンクが1件も得られない場合もエラーとせず、空コンテキストで生成を続行させる。
func (s *Service) Assemble(ctx context.Context, params AssembleParams) (*AssembledContext, error) {
	if params.Intent == nil {
		return nil, fmt.Errorf("intent result is required")
	}

	// 1. テンプレート選択（スコープ未指定でも必ず選択される）
	tmpl := s.registry.Select(params.Intent.Type, params.Intent.Scope.Mode)

	// 2. ベクトル検索（テンプレートの maxChunks / minScore で制約）。
	// ストアのハングがリクエスト全体を巻き込まないよう呼び出し単位で期限を切る
	searchCtx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	resultSet, err := s.retriever.Search(searchCtx, SearchParams{
		TenantID:   params.TenantID,
		Scope:      params.Intent.Scope,
		Query:      params.Query,
		TemplateID: tmpl.ID,
		MaxChunks:  tmpl.RAG.MaxChunks,
		MinScore:   tmpl.RAG.MinScore,
	})
	if err != nil {
		// 検索失敗はRAGなしの生成に縮退する
		s.logger.Warn("retrieval failed, continuing with empty context",
			"tenantID", params.TenantID.String(),
			"templateID", tmpl.ID,
			"error", err,
		)
		return &AssembledContext{Template: tmpl, FormattedContext: ""}, nil
	}

	// 3. スコアフィルタ（リランキングより前に適用する）
	chunks := filterByScore(resultSet.Chunks, tmpl.RAG.MinScore)

	// 4. リランキング（任意）。失敗は検索時の並び順に縮退
	if params.EnableReranking && s.reranker != nil && len(chunks) > 1 {
		reranked, err := s.reranker.Rerank(ctx, params.Query, chunks)
		if err != nil {
			s.logger.Warn("reranking failed, falling back to retrieval order",
				"templateID", tmpl.ID,
				"chunks", len(chunks),
				"error", err,
			)
		} else if len(reranked) != len(chunks) {
			s.logger.Warn("reranker returned malformed permutation, falling back to retrieval order",
				"got", len(reranked),
				"want", len(chunks),
			)
		} else {
			chunks = reranked
			sort.SliceStable(chunks, func(i, j int) bool {
				return chunks[i].Score > chunks[j].Score
			})
		}
	}

	// 5. トークン予算内でチャンク境界を保って結合
	formatted, used, tokenCount := s.buildContext(chunks, tmpl.MaxContextTokens)

	s.logger.Info("context assembled",
		"templateID", tmpl.ID,
		"retrieved", len(resultSet.Chunks),
		"afterFilter", len(chunks),
		"used", len(used),
		"tokens", tokenCount,
	)

	return &AssembledContext{
		Template:         tmpl,
		FormattedContext: formatted,
		Chunks:           used,
		TokenCount:       tokenCount,
	}, nil
}

// filterByScore は関連度がminScore未満のチャンクを除外する
func filterByScore(chunks []*RetrievedChunk, minScore float64) []*RetrievedChunk {
	filtered := make([]*RetrievedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Score >= minScore {
			filtered = append(filtered, chunk)
		}
	}
	return filtered
}

// buildContext はチャンクを出典情報付きで結合する。
// 次のチャンクを丸ごと足すと予算を超える場合はそこで打ち切る
// （チャンクの途中で切ることはない）。
func (s *Service) buildContext(chunks []*RetrievedChunk, maxTokens int) (string, []*RetrievedChunk, int) {
	var sb strings.Builder
	var used []*RetrievedChunk
	total := 0

	for i, chunk := range chunks {
		block := formatChunk(i+1, chunk)
		cost := s.counter.Count(block)
		if total+cost > maxTokens {
			break
		}
		sb.WriteString(block)
		total += cost
		used = append(used, chunk)
	}

	return sb.String(), used, total
}

// formatChunk は1チャンクを出典ヘッダー付きで整形する
func formatChunk(index int, chunk *RetrievedChunk) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("### [参照 %d] %s\n", index, chunk.ShardName))
	sb.WriteString(fmt.Sprintf("シャードID: %s / チャンク: %d / 関連度: %.3f\n", chunk.ShardID, chunk.ChunkIndex, chunk.Score))
	sb.WriteString(chunk.Content)
	sb.WriteString("\n\n")
	return sb.String()
}
