package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jinford/insight-engine/internal/core/assembly"
	"github.com/jinford/insight-engine/internal/core/billing"
	"github.com/jinford/insight-engine/internal/core/conversation"
	"github.com/jinford/insight-engine/internal/core/embedcache"
	"github.com/jinford/insight-engine/internal/core/insight"
	"github.com/jinford/insight-engine/internal/core/intent"
	infraopenai "github.com/jinford/insight-engine/internal/infra/openai"
	"github.com/jinford/insight-engine/internal/infra/postgres"
	infraredis "github.com/jinford/insight-engine/internal/infra/redis"
	"github.com/jinford/insight-engine/internal/platform/database"
	"github.com/jinford/insight-engine/pkg/config"
)

// ServiceContainer はインサイト生成パイプラインの依存関係を保持する。
// プロセス起動時に一度だけ構築され、明示的に受け渡される（隠れたグローバルはない）。
type ServiceContainer struct {
	InsightService *insight.Service
	Cache          *embedcache.Cache
	UsageRepo      *postgres.UsageRepository

	logger   *slog.Logger
	database *database.Database
	redis    *goredis.Client
}

type containerOptions struct {
	logger     *slog.Logger
	llmClient  insight.LLMClient
	retriever  assembly.Retriever
	cacheStore embedcache.Store
	convStore  conversation.Store
	recorder   billing.Recorder
	budget     billing.BudgetChecker
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerLLMClient は LLM クライアントを差し替える
func WithContainerLLMClient(client insight.LLMClient) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerRetriever はベクトル検索コラボレータを差し替える
func WithContainerRetriever(retriever assembly.Retriever) ContainerOption {
	return func(opts *containerOptions) {
		opts.retriever = retriever
	}
}

// WithContainerCacheStore はキャッシュのバッキングストアを差し替える
func WithContainerCacheStore(store embedcache.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.cacheStore = store
	}
}

// WithContainerConversationStore は会話ストアを差し替える
func WithContainerConversationStore(store conversation.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.convStore = store
	}
}

// WithContainerRecorder は使用量記録コラボレータを差し替える
func WithContainerRecorder(recorder billing.Recorder) ContainerOption {
	return func(opts *containerOptions) {
		opts.recorder = recorder
	}
}

// WithContainerBudgetChecker は予算チェックコラボレータを差し替える
func WithContainerBudgetChecker(budget billing.BudgetChecker) ContainerOption {
	return func(opts *containerOptions) {
		opts.budget = budget
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	return NewContainerWithDB(cfg, db, opts...)
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// Embeddingキャッシュ（Redis未設定の場合はストアなしで縮退動作）
	var redisClient *goredis.Client
	cacheStore := options.cacheStore
	if cacheStore == nil && cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cacheStore = infraredis.NewStore(redisClient)
	}

	cacheOpts := []embedcache.CacheOption{
		embedcache.WithCacheLogger(options.logger),
		embedcache.WithCacheTTL(time.Duration(cfg.Redis.TTLHours) * time.Hour),
	}
	if cacheStore != nil {
		cacheOpts = append(cacheOpts, embedcache.WithCacheStore(cacheStore))
	}
	cache := embedcache.NewCache(cacheOpts...)

	// LLMクライアント (OpenAI)
	llmClient := options.llmClient
	if llmClient == nil {
		client, err := infraopenai.NewClient(cfg.OpenAI.APIKey)
		if err != nil {
			return nil, fmt.Errorf("LLMクライアント初期化に失敗しました: %w", err)
		}
		llmClient = client
	}

	// ベクトル検索（キャッシュ付きEmbedder経由）
	retriever := options.retriever
	if retriever == nil {
		embedder := infraopenai.NewEmbedder(
			cfg.OpenAI.APIKey,
			infraopenai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			infraopenai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
		cachedEmbedder := embedcache.NewCachedEmbedder(
			cache,
			embedder,
			cfg.OpenAI.EmbeddingModel,
			cfg.OpenAI.EmbeddingDimension,
			embedcache.WithEmbedderLogger(options.logger),
		)
		retriever = postgres.NewVectorRepository(db, cachedEmbedder)
	}

	// 会話ストア
	convStore := options.convStore
	if convStore == nil {
		convStore = postgres.NewConversationRepository(db)
	}
	memory := conversation.NewMemoryService(convStore,
		conversation.WithMemoryLogger(options.logger),
	)

	// インテント分析（LLM分類器付き）
	analyzer := intent.NewAnalyzer(
		intent.WithClassifier(infraopenai.NewClassifier(llmClient, cfg.OpenAI.ChatModel)),
		intent.WithAnalyzerLogger(options.logger),
	)

	// コンテキスト組み立て
	assemblyOpts := []assembly.ServiceOption{
		assembly.WithAssemblyLogger(options.logger),
	}
	if cfg.Insight.EnableReranking {
		assemblyOpts = append(assemblyOpts, assembly.WithReranker(
			infraopenai.NewReranker(llmClient, cfg.OpenAI.ChatModel),
		))
	}
	assembler := assembly.NewService(assembly.NewRegistry(), retriever, assemblyOpts...)

	// 価格表と使用量記録
	pricing, err := billing.LoadPricingTable(cfg.Billing.PricingPath)
	if err != nil {
		return nil, fmt.Errorf("価格表の読み込みに失敗しました: %w", err)
	}

	usageRepo := postgres.NewUsageRepository(db, cfg.Billing.MonthlyBudgetUSD)

	recorder := options.recorder
	if recorder == nil {
		recorder = usageRepo
	}
	budget := options.budget
	if budget == nil {
		budget = usageRepo
	}

	insightService := insight.NewService(
		memory,
		analyzer,
		assembler,
		llmClient,
		pricing,
		insight.WithRecorder(recorder),
		insight.WithBudgetChecker(budget),
		insight.WithModel(cfg.OpenAI.ChatModel),
		insight.WithDefaultTemperature(cfg.Insight.Temperature),
		insight.WithInsightLogger(options.logger),
	)

	return &ServiceContainer{
		InsightService: insightService,
		Cache:          cache,
		UsageRepo:      usageRepo,
		logger:         options.logger,
		database:       db,
		redis:          redisClient,
	}, nil
}

// Close はコンテナが保持する接続を閉じる
func (c *ServiceContainer) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if c.database != nil {
		c.database.Close()
	}
}
