package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/insight-engine/internal/core/assembly"
	"github.com/jinford/insight-engine/internal/core/insight"
)

// Reranker はLLMを用いたセマンティックリランキング実装。
// 候補チャンクごとの関連度スコアをJSONで回答させ、スコアを更新して返す。
// いかなる失敗（タイムアウト、不正な出力）も呼び出し元で検索順への
// フォールバックとして扱われるため、ここではエラーを返すだけでよい。
type Reranker struct {
	llm   insight.LLMClient
	model string
}

// NewReranker は新しい Reranker を作成する
func NewReranker(llm insight.LLMClient, model string) *Reranker {
	return &Reranker{llm: llm, model: model}
}

// rerankResponse はリランキング回答のJSON構造
type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank は候補チャンクを関連度スコア更新付きで返す
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []*assembly.RetrievedChunk) ([]*assembly.RetrievedChunk, error) {
	resp, err := r.llm.Chat(ctx, insight.ChatRequest{
		Model: r.model,
		Messages: []insight.ChatMessage{
			{Role: "system", Content: "あなたは検索結果の関連度を評価するアシスタントです。JSONのみで回答してください。"},
			{Role: "user", Content: buildRerankPrompt(query, chunks)},
		},
		Temperature:    0,
		ResponseFormat: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("rerank call failed: %w", err)
	}

	scores, err := parseRerankScores(resp.Content, len(chunks))
	if err != nil {
		return nil, err
	}

	reranked := make([]*assembly.RetrievedChunk, len(chunks))
	for i, chunk := range chunks {
		updated := *chunk
		updated.Score = scores[i]
		reranked[i] = &updated
	}
	return reranked, nil
}

// buildRerankPrompt はリランキング用プロンプトを構築する
func buildRerankPrompt(query string, chunks []*assembly.RetrievedChunk) string {
	var sb strings.Builder

	sb.WriteString("以下のクエリに対する各文書の関連度を 0.0〜1.0 で採点してください。\n\n")
	sb.WriteString("## クエリ\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## 文書\n")

	for i, chunk := range chunks {
		sb.WriteString(fmt.Sprintf("### 文書 %d (%s)\n", i+1, chunk.ShardName))
		sb.WriteString(truncateForPrompt(chunk.Content, 800))
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("文書の順番どおりに %d 件のスコアを返してください。\n", len(chunks)))
	sb.WriteString(`出力形式: {"scores": [0.9, 0.3, ...]}`)

	return sb.String()
}

// parseRerankScores はJSON回答からスコア配列を取り出し検証する
func parseRerankScores(raw string, expected int) ([]float64, error) {
	var parsed rerankResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}
	if len(parsed.Scores) != expected {
		return nil, fmt.Errorf("rerank score count mismatch: got %d, want %d", len(parsed.Scores), expected)
	}
	for i, score := range parsed.Scores {
		if score < 0 || score > 1 {
			return nil, fmt.Errorf("rerank score out of range at %d: %f", i, score)
		}
	}
	return parsed.Scores, nil
}

// truncateForPrompt はプロンプト肥大を防ぐためにチャンク本文を切り詰める
func truncateForPrompt(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}

// インターフェース実装の確認
var _ assembly.Reranker = (*Reranker)(nil)
