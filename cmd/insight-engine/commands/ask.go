package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/insight-engine/internal/core/insight"
)

// AskAction はインサイト生成コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	tenantID, err := uuid.Parse(cmd.String("tenant"))
	if err != nil {
		return fmt.Errorf("テナントIDが不正です: %w", err)
	}
	userID, err := uuid.Parse(cmd.String("user"))
	if err != nil {
		return fmt.Errorf("ユーザーIDが不正です: %w", err)
	}

	conversationID := mo.None[uuid.UUID]()
	if raw := cmd.String("conversation"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("会話IDが不正です: %w", err)
		}
		conversationID = mo.Some(id)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	params := insight.GenerateParams{
		TenantID:       tenantID,
		UserID:         userID,
		Query:          cmd.String("query"),
		ConversationID: conversationID,
		Options: insight.GenerateOptions{
			EnableReranking: cmd.Bool("rerank"),
		},
	}

	if cmd.Bool("stream") {
		return runStream(ctx, appCtx, params)
	}
	return runGenerate(ctx, appCtx, params)
}

func runGenerate(ctx context.Context, appCtx *AppContext, params insight.GenerateParams) error {
	result, err := appCtx.Container.InsightService.Generate(ctx, params)
	if err != nil {
		slog.Error("インサイト生成に失敗しました", "error", err)
		return err
	}

	fmt.Println(result.Content)
	fmt.Println()

	if id, ok := result.ConversationID.Get(); ok {
		fmt.Printf("会話ID: %s\n", id)
	}
	fmt.Printf("種別: %s / トークン: %d / 推定コスト: $%.6f\n",
		result.InsightType, result.Usage.TotalTokens, result.EstimatedCost)

	if len(result.Sources) > 0 {
		fmt.Println("\n--- 参照ソース ---")
		for i, source := range result.Sources {
			fmt.Printf("[%d] %s スコア: %.4f\n", i+1, source.ShardName, source.Score)
		}
	}

	return nil
}

func runStream(ctx context.Context, appCtx *AppContext, params insight.GenerateParams) error {
	stream, err := appCtx.Container.InsightService.GenerateStream(ctx, params)
	if err != nil {
		slog.Error("ストリーミング生成に失敗しました", "error", err)
		return err
	}
	defer stream.Close()

	for stream.Next() {
		event := stream.Event()
		switch event.Type {
		case insight.StreamEventDelta:
			fmt.Print(event.Content)
		case insight.StreamEventComplete:
			fmt.Println()
			if id, ok := event.ConversationID.Get(); ok {
				fmt.Printf("会話ID: %s\n", id)
			}
			fmt.Printf("トークン: %d / 推定コスト: $%.6f\n",
				event.Usage.TotalTokens, event.EstimatedCost)
		}
	}

	if err := stream.Err(); err != nil {
		slog.Error("ストリームが異常終了しました", "error", err)
		return err
	}

	return nil
}
