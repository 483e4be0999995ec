package intent

import (
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// InsightType はインサイトの種別を表す
type InsightType string

const (
	InsightTypeSearch     InsightType = "search"
	InsightTypeSummary    InsightType = "summary"
	InsightTypeAnalysis   InsightType = "analysis"
	InsightTypeComparison InsightType = "comparison"
	InsightTypeTrend      InsightType = "trend"
)

// ScopeMode は検索スコープの種別を表す
type ScopeMode string

const (
	// ScopeModeTenant はテナント全体を対象とする
	ScopeModeTenant ScopeMode = "tenant"
	// ScopeModeProject は単一プロジェクトを対象とする
	ScopeModeProject ScopeMode = "project"
	// ScopeModeShard は単一シャードを対象とする
	ScopeModeShard ScopeMode = "shard"
)

// Scope は検索スコープを表す
type Scope struct {
	Mode     ScopeMode
	TargetID mo.Option[uuid.UUID] // project/shard指定時の対象ID
}

// TenantScope はテナント全体スコープを返す
func TenantScope() Scope {
	return Scope{Mode: ScopeModeTenant, TargetID: mo.None[uuid.UUID]()}
}

// SecondaryIntent は複合クエリから導出された副次インテントを表す
type SecondaryIntent struct {
	Type       InsightType
	Confidence float64
	Query      string // 分解された派生クエリ
}

// Result はインテント分析の結果を表す。
// リクエストごとに一度だけ生成され、リクエストの生存期間を超えて永続化されない。
type Result struct {
	Type             InsightType
	Confidence       float64
	Entities         []string
	Scope            Scope
	IsMultiIntent    bool
	SecondaryIntents []SecondaryIntent // IsMultiIntent が true の場合のみ
}
