package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Classifier はLLMによるインテント分類インターフェース。
// 決定的である必要はなく、失敗してもヒューリスティック分類で続行する。
type Classifier interface {
	Classify(ctx context.Context, query string) (InsightType, float64, []string, error)
}

// Analyzer はクエリのインテント分析を提供する。
// ヒューリスティック分類を基本とし、Classifier が設定されている場合は
// プライマリインテントの分類をLLMで補正する。
type Analyzer struct {
	classifier Classifier
	logger     *slog.Logger
}

// AnalyzerOption は Analyzer のオプション設定
type AnalyzerOption func(*Analyzer)

// WithClassifier はLLM分類器を設定する
func WithClassifier(classifier Classifier) AnalyzerOption {
	return func(a *Analyzer) {
		a.classifier = classifier
	}
}

// WithAnalyzerLogger はロガーを設定する
func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// NewAnalyzer は新しいAnalyzerを作成する
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// connectives は複合クエリの分割に使う接続表現
var connectives = []string{
	" and also ",
	" and then ",
	"; also ",
	"、また",
	"。また、",
}

// Analyze はクエリを分類し、プライマリインテントと副次インテントを返す。
// 結果はこのリクエストに対する単一の判断点として扱われ、
// 以降のテンプレート選択はプライマリの insightType/scope が駆動する。
func (a *Analyzer) Analyze(ctx context.Context, query string, tenantID uuid.UUID, scope mo.Option[Scope]) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	parts := splitByConnectives(query)
	primary := parts[0]

	primaryType, confidence := classifyHeuristic(primary)

	// LLMによる補正（失敗は致命的ではない）
	entities := extractEntities(primary)
	if a.classifier != nil {
		llmType, llmConfidence, llmEntities, err := a.classifier.Classify(ctx, primary)
		if err != nil {
			a.logger.Warn("llm intent classification failed, using heuristic result",
				"tenantID", tenantID.String(),
				"error", err,
			)
		} else if llmConfidence > confidence {
			primaryType = llmType
			confidence = llmConfidence
			if len(llmEntities) > 0 {
				entities = llmEntities
			}
		}
	}

	result := &Result{
		Type:       primaryType,
		Confidence: confidence,
		Entities:   entities,
		Scope:      scope.OrElse(TenantScope()),
	}

	// 接続表現で分割できた場合は副次インテントとして保持する
	if len(parts) > 1 {
		result.IsMultiIntent = true
		for _, part := range parts[1:] {
			secondaryType, secondaryConfidence := classifyHeuristic(part)
			result.SecondaryIntents = append(result.SecondaryIntents, SecondaryIntent{
				Type:       secondaryType,
				Confidence: secondaryConfidence * 0.75,
				Query:      part,
			})
		}
	}

	a.logger.Info("intent analysis completed",
		"tenantID", tenantID.String(),
		"insightType", string(result.Type),
		"confidence", result.Confidence,
		"isMultiIntent", result.IsMultiIntent,
		"secondaryIntents", len(result.SecondaryIntents),
	)

	return result, nil
}

// splitByConnectives はクエリを接続表現で分割する。分割できない場合は全体を返す。
func splitByConnectives(query string) []string {
	parts := []string{query}
	for _, conn := range connectives {
		var next []string
		for _, part := range parts {
			for _, piece := range strings.Split(part, conn) {
				piece = strings.TrimSpace(piece)
				if piece != "" {
					next = append(next, piece)
				}
			}
		}
		parts = next
	}
	return parts
}

// classifyHeuristic はキーワードベースでインテント種別を分類する
func classifyHeuristic(query string) (InsightType, float64) {
	lower := strings.ToLower(query)

	keywords := []struct {
		insightType InsightType
		words       []string
	}{
		{InsightTypeSummary, []string{"summarize", "summary", "overview", "要約", "まとめ"}},
		{InsightTypeComparison, []string{"compare", "versus", " vs ", "difference between", "比較"}},
		{InsightTypeTrend, []string{"trend", "over time", "growth", "推移", "傾向"}},
		{InsightTypeAnalysis, []string{"analyze", "analysis", "why", "insight", "分析", "なぜ"}},
	}

	for _, kw := range keywords {
		for _, word := range kw.words {
			if strings.Contains(lower, word) {
				return kw.insightType, 0.8
			}
		}
	}

	return InsightTypeSearch, 0.5
}

// extractEntities はクエリからエンティティ候補を抽出する。
// 引用された語句と大文字始まりの語を拾う簡易実装。
func extractEntities(query string) []string {
	var entities []string
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		entities = append(entities, s)
	}

	// 引用句
	for _, quote := range []string{`"`, "'"} {
		pieces := strings.Split(query, quote)
		for i := 1; i < len(pieces); i += 2 {
			add(pieces[i])
		}
	}

	// 大文字始まりの語（文頭以外）
	words := strings.Fields(query)
	for i, word := range words {
		if i == 0 {
			continue
		}
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) {
			add(trimmed)
		}
	}

	return entities
}
