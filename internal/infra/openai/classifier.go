package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/insight-engine/internal/core/insight"
	"github.com/jinford/insight-engine/internal/core/intent"
)

// Classifier はLLMによるインテント分類の実装。
// 分類結果は助言的であり、失敗時はヒューリスティック分類が使われる。
type Classifier struct {
	llm   insight.LLMClient
	model string
}

// NewClassifier は新しい Classifier を作成する
func NewClassifier(llm insight.LLMClient, model string) *Classifier {
	return &Classifier{llm: llm, model: model}
}

// classifyResponse は分類回答のJSON構造
type classifyResponse struct {
	InsightType string   `json:"insight_type"`
	Confidence  float64  `json:"confidence"`
	Entities    []string `json:"entities"`
}

var validInsightTypes = map[string]intent.InsightType{
	"search":     intent.InsightTypeSearch,
	"summary":    intent.InsightTypeSummary,
	"analysis":   intent.InsightTypeAnalysis,
	"comparison": intent.InsightTypeComparison,
	"trend":      intent.InsightTypeTrend,
}

// Classify はクエリのインサイト種別・確信度・エンティティを返す
func (c *Classifier) Classify(ctx context.Context, query string) (intent.InsightType, float64, []string, error) {
	resp, err := c.llm.Chat(ctx, insight.ChatRequest{
		Model: c.model,
		Messages: []insight.ChatMessage{
			{Role: "system", Content: "あなたはCRM分析クエリのインテントを分類するアシスタントです。JSONのみで回答してください。"},
			{Role: "user", Content: buildClassifyPrompt(query)},
		},
		Temperature:    0,
		ResponseFormat: "json",
	})
	if err != nil {
		return "", 0, nil, fmt.Errorf("classify call failed: %w", err)
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return "", 0, nil, fmt.Errorf("failed to parse classify response: %w", err)
	}

	insightType, ok := validInsightTypes[strings.ToLower(parsed.InsightType)]
	if !ok {
		return "", 0, nil, fmt.Errorf("unknown insight type: %s", parsed.InsightType)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return "", 0, nil, fmt.Errorf("confidence out of range: %f", parsed.Confidence)
	}

	return insightType, parsed.Confidence, parsed.Entities, nil
}

// buildClassifyPrompt は分類用プロンプトを構築する
func buildClassifyPrompt(query string) string {
	var sb strings.Builder
	sb.WriteString("次のクエリのインテントを分類してください。\n\n")
	sb.WriteString("## クエリ\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	sb.WriteString("insight_type は search / summary / analysis / comparison / trend のいずれかです。\n")
	sb.WriteString("クエリ中の固有名詞を entities として抽出してください。\n")
	sb.WriteString(`出力形式: {"insight_type": "search", "confidence": 0.9, "entities": ["..."]}`)
	return sb.String()
}

// インターフェース実装の確認
var _ intent.Classifier = (*Classifier)(nil)
