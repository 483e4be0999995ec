package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/insight-engine/internal/core/billing"
	"github.com/jinford/insight-engine/internal/platform/database"
)

// UsageRepository は billing.Recorder と billing.BudgetChecker を実装する
// PostgreSQL リポジトリ。使用記録は追記専用。
type UsageRepository struct {
	db            *database.Database
	monthlyBudget float64 // テナントあたりの月間予算（USD）。0以下は無制限
}

// NewUsageRepository は新しい UsageRepository を返す
func NewUsageRepository(db *database.Database, monthlyBudget float64) *UsageRepository {
	return &UsageRepository{db: db, monthlyBudget: monthlyBudget}
}

var (
	_ billing.Recorder      = (*UsageRepository)(nil)
	_ billing.BudgetChecker = (*UsageRepository)(nil)
)

// RecordUsage は使用記録を追記する
func (r *UsageRepository) RecordUsage(ctx context.Context, record billing.UsageRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var conversationID *uuid.UUID
	if id, ok := record.ConversationID.Get(); ok {
		conversationID = &id
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO usage_records (
			id, tenant_id, user_id, provider, model, operation,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_cost, insight_type, conversation_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		uuid.New(), record.TenantID, record.UserID, record.Provider, record.Model, record.Operation,
		record.Usage.PromptTokens, record.Usage.CompletionTokens, record.Usage.TotalTokens,
		record.EstimatedCost, record.InsightType, conversationID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// CheckBudget は今月の累積コストと予測コストの和が予算内かを返す
func (r *UsageRepository) CheckBudget(ctx context.Context, tenantID uuid.UUID, projectedCost float64) (billing.BudgetStatus, error) {
	if r.monthlyBudget <= 0 {
		return billing.BudgetStatus{HasCapacity: true}, nil
	}

	var currentUsage float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(estimated_cost), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= date_trunc('month', now())
	`, tenantID).Scan(&currentUsage)
	if err != nil {
		return billing.BudgetStatus{}, fmt.Errorf("failed to check budget: %w", err)
	}

	return billing.BudgetStatus{
		HasCapacity:  currentUsage+projectedCost <= r.monthlyBudget,
		CurrentUsage: currentUsage,
		Limit:        r.monthlyBudget,
	}, nil
}

// UsageSummary はテナントの使用量集計を表す
type UsageSummary struct {
	TenantID     uuid.UUID
	RequestCount int
	TotalTokens  int
	TotalCost    float64
}

// SummarizeUsage は指定期間のテナント使用量を集計する
func (r *UsageRepository) SummarizeUsage(ctx context.Context, tenantID uuid.UUID, since time.Time) (*UsageSummary, error) {
	summary := &UsageSummary{TenantID: tenantID}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&summary.RequestCount, &summary.TotalTokens, &summary.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summary, nil
}
