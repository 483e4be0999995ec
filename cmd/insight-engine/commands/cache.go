package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// CacheStatsAction はキャッシュ統計コマンドのアクション
func CacheStatsAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	stats := appCtx.Container.Cache.Stats(ctx)
	fmt.Printf("キー数: %d\n", stats.TotalKeys)
	fmt.Printf("概算サイズ: %.2f MB\n", stats.EstimatedSizeMB)

	return nil
}
