package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// UsageAction はテナント使用量集計コマンドのアクション
func UsageAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := uuid.Parse(cmd.String("tenant"))
	if err != nil {
		return fmt.Errorf("テナントIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	since := time.Now().AddDate(0, 0, -cmd.Int("days"))
	summary, err := appCtx.Container.UsageRepo.SummarizeUsage(ctx, tenantID, since)
	if err != nil {
		return err
	}

	fmt.Printf("テナント: %s\n", summary.TenantID)
	fmt.Printf("リクエスト数: %d\n", summary.RequestCount)
	fmt.Printf("合計トークン: %d\n", summary.TotalTokens)
	fmt.Printf("推定コスト: $%.4f\n", summary.TotalCost)

	return nil
}
