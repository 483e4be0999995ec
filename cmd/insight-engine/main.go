package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/insight-engine/cmd/insight-engine/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "insight-engine",
		Usage: "マルチテナントCRM向けインサイト生成パイプライン",
		Commands: []*cli.Command{
			{
				Name:  "ask",
				Usage: "クエリからインサイトを生成",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "tenant",
						Usage:    "テナントID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "user",
						Usage:    "ユーザーID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "query",
						Usage:    "クエリ文",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "conversation",
						Usage: "既存の会話ID（継続する場合）",
					},
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "ストリーミングで出力する",
					},
					&cli.BoolFlag{
						Name:  "rerank",
						Usage: "リランキングを有効にする",
					},
				},
				Action: commands.AskAction,
			},
			{
				Name:  "cache",
				Usage: "Embeddingキャッシュ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "stats",
						Usage: "キャッシュの概算統計を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
						},
						Action: commands.CacheStatsAction,
					},
				},
			},
			{
				Name:  "usage",
				Usage: "テナントの使用量集計を表示",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "tenant",
						Usage:    "テナントID",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "days",
						Usage: "集計対象の日数",
						Value: 30,
					},
				},
				Action: commands.UsageAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
