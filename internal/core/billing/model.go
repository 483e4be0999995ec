package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// TokenUsage はトークン使用量を表す
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageRecord はLLM使用記録を表す。
// このコアからは書き込み専用であり、集計は外部の課金コラボレータが担う。
type UsageRecord struct {
	TenantID       uuid.UUID
	UserID         uuid.UUID
	Provider       string
	Model          string
	Operation      string // "chat" など
	Usage          TokenUsage
	EstimatedCost  float64
	InsightType    string
	ConversationID mo.Option[uuid.UUID]
	CreatedAt      time.Time
}

// BudgetStatus は予算チェックの結果を表す
type BudgetStatus struct {
	HasCapacity  bool
	CurrentUsage float64
	Limit        float64
}

// Recorder は使用量記録インターフェース
type Recorder interface {
	RecordUsage(ctx context.Context, record UsageRecord) error
}

// BudgetChecker はテナント予算チェックインターフェース
type BudgetChecker interface {
	CheckBudget(ctx context.Context, tenantID uuid.UUID, projectedCost float64) (BudgetStatus, error)
}
