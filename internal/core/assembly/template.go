package assembly

import (
	"fmt"

	"github.com/jinford/insight-engine/internal/core/intent"
)

// templateKey は (InsightType, ScopeMode) の組
type templateKey struct {
	insightType intent.InsightType
	scopeMode   intent.ScopeMode
}

// Registry はテンプレートの選択を提供する。
// 完全一致がない場合はインサイト種別のみで選択し、
// それもない場合はデフォルトテンプレートに必ずフォールバックする。
type Registry struct {
	templates map[templateKey]*Template
	byType    map[intent.InsightType]*Template
	fallback  *Template
}

// NewRegistry は組み込みテンプレートを持つRegistryを作成する
func NewRegistry() *Registry {
	r := &Registry{
		templates: make(map[templateKey]*Template),
		byType:    make(map[intent.InsightType]*Template),
		fallback: &Template{
			ID:               "default",
			Name:             "汎用検索テンプレート",
			RAG:              RAGConfig{MaxChunks: 8, MinScore: 0.3},
			MaxContextTokens: 4000,
			Instruction:      "コンテキストに含まれる情報のみを使用して、質問に正確かつ簡潔に回答してください。",
		},
	}

	for _, tmpl := range builtinTemplates() {
		r.Register(tmpl.insightType, tmpl.scopeMode, tmpl.template)
	}

	return r
}

type builtinTemplate struct {
	insightType intent.InsightType
	scopeMode   intent.ScopeMode
	template    *Template
}

func builtinTemplates() []builtinTemplate {
	return []builtinTemplate{
		{
			insightType: intent.InsightTypeSearch,
			scopeMode:   intent.ScopeModeTenant,
			template: &Template{
				ID:               "search-tenant",
				Name:             "テナント横断検索",
				RAG:              RAGConfig{MaxChunks: 8, MinScore: 0.3},
				MaxContextTokens: 4000,
				Instruction:      "コンテキストから該当する情報を特定し、出典（シャード名）を明示して回答してください。",
			},
		},
		{
			insightType: intent.InsightTypeSearch,
			scopeMode:   intent.ScopeModeProject,
			template: &Template{
				ID:               "search-project",
				Name:             "プロジェクト内検索",
				RAG:              RAGConfig{MaxChunks: 10, MinScore: 0.25},
				MaxContextTokens: 4000,
				Instruction:      "対象プロジェクトのコンテキストから該当する情報を特定し、出典を明示して回答してください。",
			},
		},
		{
			insightType: intent.InsightTypeSummary,
			scopeMode:   intent.ScopeModeTenant,
			template: &Template{
				ID:               "summary-tenant",
				Name:             "テナント要約",
				RAG:              RAGConfig{MaxChunks: 12, MinScore: 0.2},
				MaxContextTokens: 6000,
				Instruction:      "コンテキスト全体を俯瞰し、重要なポイントを構造化して要約してください。",
			},
		},
		{
			insightType: intent.InsightTypeAnalysis,
			scopeMode:   intent.ScopeModeTenant,
			template: &Template{
				ID:               "analysis-tenant",
				Name:             "テナント分析",
				RAG:              RAGConfig{MaxChunks: 10, MinScore: 0.35},
				MaxContextTokens: 6000,
				Instruction:      "コンテキストの情報を根拠として、要因と傾向を分析してください。根拠のない推測は避けてください。",
			},
		},
		{
			insightType: intent.InsightTypeComparison,
			scopeMode:   intent.ScopeModeTenant,
			template: &Template{
				ID:               "comparison-tenant",
				Name:             "比較分析",
				RAG:              RAGConfig{MaxChunks: 12, MinScore: 0.3},
				MaxContextTokens: 6000,
				Instruction:      "比較対象ごとにコンテキストを整理し、相違点と共通点を明示してください。",
			},
		},
		{
			insightType: intent.InsightTypeTrend,
			scopeMode:   intent.ScopeModeTenant,
			template: &Template{
				ID:               "trend-tenant",
				Name:             "トレンド分析",
				RAG:              RAGConfig{MaxChunks: 12, MinScore: 0.3},
				MaxContextTokens: 6000,
				Instruction:      "時系列の変化に着目し、コンテキストから読み取れる傾向を説明してください。",
			},
		},
	}
}

// Register はテンプレートを登録する
func (r *Registry) Register(insightType intent.InsightType, scopeMode intent.ScopeMode, tmpl *Template) {
	r.templates[templateKey{insightType: insightType, scopeMode: scopeMode}] = tmpl
	if _, ok := r.byType[insightType]; !ok {
		r.byType[insightType] = tmpl
	}
}

// Select は (InsightType, ScopeMode) に対応するテンプレートを返す。
// スコープ未指定を含め、必ずいずれかのテンプレートを返す。
func (r *Registry) Select(insightType intent.InsightType, scopeMode intent.ScopeMode) *Template {
	if tmpl, ok := r.templates[templateKey{insightType: insightType, scopeMode: scopeMode}]; ok {
		return tmpl
	}
	if tmpl, ok := r.byType[insightType]; ok {
		return tmpl
	}
	return r.fallback
}

// Validate はテンプレート定義の妥当性を検証する
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.RAG.MaxChunks <= 0 {
		return fmt.Errorf("template %s: maxChunks must be positive", t.ID)
	}
	if t.RAG.MinScore < 0 || t.RAG.MinScore > 1 {
		return fmt.Errorf("template %s: minScore must be in [0,1]", t.ID)
	}
	return nil
}
