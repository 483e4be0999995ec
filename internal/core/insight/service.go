package insight

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/insight-engine/internal/core/assembly"
	"github.com/jinford/insight-engine/internal/core/billing"
	"github.com/jinford/insight-engine/internal/core/conversation"
	"github.com/jinford/insight-engine/internal/core/intent"
	"github.com/jinford/insight-engine/pkg/tokens"
)

const (
	// DefaultModel はデフォルトで使用するチャットモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTemperature はデフォルトの生成温度
	DefaultTemperature = 0.2

	// DefaultMaxCompletionTokens は1回の生成の最大トークン数
	DefaultMaxCompletionTokens = 2048

	// operationChat は使用量記録上の操作種別
	operationChat = "chat"
)

// Service はインサイト生成のオーケストレータ。
// 会話解決 → インテント分析 → コンテキスト組み立て → LLM生成 →
// ベストエフォートの後処理（永続化・課金記録）を順に実行する。
// 後処理の失敗が生成済みレスポンスに影響することはない。
type Service struct {
	memory    *conversation.MemoryService
	analyzer  *intent.Analyzer
	assembler *assembly.Service
	llm       LLMClient
	pricing   *billing.PricingTable
	recorder  billing.Recorder      // 任意
	budget    billing.BudgetChecker // 任意
	counter   *tokens.Counter
	logger    *slog.Logger

	model       string
	temperature float64
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithRecorder は使用量記録コラボレータを設定する
func WithRecorder(recorder billing.Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithBudgetChecker は予算チェックコラボレータを設定する
func WithBudgetChecker(budget billing.BudgetChecker) ServiceOption {
	return func(s *Service) {
		s.budget = budget
	}
}

// WithModel はチャットモデルを設定する
func WithModel(model string) ServiceOption {
	return func(s *Service) {
		s.model = model
	}
}

// WithDefaultTemperature はデフォルトの生成温度を設定する
func WithDefaultTemperature(temperature float64) ServiceOption {
	return func(s *Service) {
		s.temperature = temperature
	}
}

// WithInsightLogger はロガーを設定する
func WithInsightLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService は新しいServiceを作成する
func NewService(
	memory *conversation.MemoryService,
	analyzer *intent.Analyzer,
	assembler *assembly.Service,
	llm LLMClient,
	pricing *billing.PricingTable,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		memory:      memory,
		analyzer:    analyzer,
		assembler:   assembler,
		llm:         llm,
		pricing:     pricing,
		counter:     tokens.NewCounter(),
		logger:      slog.Default(),
		model:       DefaultModel,
		temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// preparation は生成前処理の結果を保持する
type preparation struct {
	state     *conversation.State
	intent    *intent.Result
	assembled *assembly.AssembledContext
	messages  []ChatMessage
	request   ChatRequest
}

// prepare は会話解決・インテント分析・コンテキスト組み立て・プロンプト構築を行う。
// 非ストリーミング/ストリーミング両経路で共通であり、ストリーミングでは
// 最初のイベントを返す前にここまでが完了している。
func (s *Service) prepare(ctx context.Context, params GenerateParams) (*preparation, error) {
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.TenantID == uuid.Nil {
		return nil, fmt.Errorf("tenantID is required")
	}

	// 1. 会話の解決（ID指定時は既存読み込み、未指定時は新規作成）
	state, err := s.memory.Resolve(ctx, conversation.ResolveParams{
		ConversationID: params.ConversationID,
		TenantID:       params.TenantID,
		UserID:         params.UserID,
		Query:          params.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	// 2. 履歴のトークン予算トリム（プロンプト構築前に必ず適用）
	history := s.memory.TrimToBudget(state.Messages, params.Options.MaxHistoryTokens)

	// 3. インテント分析
	intentResult, err := s.analyzer.Analyze(ctx, params.Query, params.TenantID, params.Scope)
	if err != nil {
		return nil, fmt.Errorf("intent analysis failed: %w", err)
	}

	// 4. コンテキスト組み立て（検索失敗は内部で空コンテキストに縮退する）
	assembled, err := s.assembler.Assemble(ctx, assembly.AssembleParams{
		TenantID:        params.TenantID,
		Query:           params.Query,
		Intent:          intentResult,
		EnableReranking: params.Options.EnableReranking,
	})
	if err != nil {
		return nil, fmt.Errorf("context assembly failed: %w", err)
	}

	// 5. プロンプト構築
	messages := BuildMessages(assembled, history, params.Query)

	request := ChatRequest{
		Model:          s.model,
		Messages:       messages,
		Temperature:    params.Options.Temperature.OrElse(s.temperature),
		MaxTokens:      DefaultMaxCompletionTokens,
		ResponseFormat: params.Options.ResponseFormat,
	}

	// 6. 任意の事前予算チェック
	if params.Options.CheckBudget && s.budget != nil {
		if err := s.checkBudget(ctx, params.TenantID, messages); err != nil {
			return nil, err
		}
	}

	return &preparation{
		state:     state,
		intent:    intentResult,
		assembled: assembled,
		messages:  messages,
		request:   request,
	}, nil
}

// checkBudget は推定プロンプトコストに基づく事前予算チェックを行う。
// 容量不足は型付きエラーとして失敗させるが、チェック呼び出し自体の失敗は
// 生成を妨げない（ログのみ）。
func (s *Service) checkBudget(ctx context.Context, tenantID uuid.UUID, messages []ChatMessage) error {
	promptTokens := 0
	for _, msg := range messages {
		promptTokens += s.counter.Count(msg.Content)
	}
	projected := s.pricing.EstimateCost(s.model, billing.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: DefaultMaxCompletionTokens,
		TotalTokens:      promptTokens + DefaultMaxCompletionTokens,
	})

	status, err := s.budget.CheckBudget(ctx, tenantID, projected)
	if err != nil {
		s.logger.Warn("budget check failed, continuing without pre-flight control",
			"tenantID", tenantID.String(),
			"error", err,
		)
		return nil
	}
	if !status.HasCapacity {
		return fmt.Errorf("%w: current usage %.4f of %.4f", ErrBudgetExceeded, status.CurrentUsage, status.Limit)
	}
	return nil
}

// Generate はインサイトを生成する。
// LLM呼び出しの失敗は致命的エラーとして伝播し、後処理（永続化・課金記録）の
// 失敗はログのみで、返却されるレスポンスには影響しない。
func (s *Service) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	prep, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}

	// LLM呼び出し（致命的エラー）
	resp, err := s.llm.Chat(ctx, prep.request)
	if err != nil {
		return nil, fmt.Errorf("insight generation failed: %w", err)
	}

	cost := s.pricing.EstimateCost(resp.Model, resp.Usage)
	provider := resp.Provider
	if provider == "" {
		provider = s.pricing.ProviderFor(resp.Model)
	}

	// ベストエフォートの後処理。互いに独立に並行実行され、
	// どちらが失敗してもレスポンス内容は変わらない。
	s.runTail(ctx, params, prep, resp.Content, resp.Usage, resp.Model, provider, cost)

	result := &GenerateResult{
		Content:          resp.Content,
		InsightType:      prep.intent.Type,
		SecondaryIntents: prep.intent.SecondaryIntents,
		Sources:          sourceReferences(prep.assembled),
		Usage:            resp.Usage,
		EstimatedCost:    cost,
		Model:            resp.Model,
		Provider:         provider,
		ConversationID:   mo.None[uuid.UUID](),
	}
	if prep.state.Persisted {
		result.ConversationID = mo.Some(prep.state.ID)
	}

	s.logger.Info("insight generated",
		"tenantID", params.TenantID.String(),
		"insightType", string(prep.intent.Type),
		"totalTokens", resp.Usage.TotalTokens,
		"estimatedCost", cost,
	)

	return result, nil
}

// GenerateStream はインサイトをストリーミング生成する。
// 会話解決とコンテキスト組み立ては最初のイベントより前に同期的に完了する。
// 終端イベント生成後、非ストリーミング経路と同じ後処理が一度だけ実行される。
// 消費者が終端前に Close した場合、このターンの永続化・課金は行われない。
func (s *Service) GenerateStream(ctx context.Context, params GenerateParams) (*Stream, error) {
	prep, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}

	chatStream, err := s.llm.ChatStream(ctx, prep.request)
	if err != nil {
		return nil, fmt.Errorf("insight stream failed: %w", err)
	}

	convID := mo.None[uuid.UUID]()
	if prep.state.Persisted {
		convID = mo.Some(prep.state.ID)
	}

	costFn := func(usage billing.TokenUsage) float64 {
		return s.pricing.EstimateCost(s.model, usage)
	}

	finish := func(content string, usage billing.TokenUsage, provider, connectionID string) {
		if provider == "" {
			provider = s.pricing.ProviderFor(s.model)
		}
		cost := s.pricing.EstimateCost(s.model, usage)
		s.runTail(ctx, params, prep, content, usage, s.model, provider, cost)
	}

	return newStream(chatStream, convID, costFn, finish), nil
}

// runTail は永続化と課金記録をベストエフォートで実行する。
// 両者は互いに独立であり並行に実行される。失敗はログのみ。
func (s *Service) runTail(ctx context.Context, params GenerateParams, prep *preparation, content string, usage billing.TokenUsage, model, provider string, cost float64) {
	var wg sync.WaitGroup

	if prep.state.Persisted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.memory.Append(ctx, conversation.AppendParams{
				ConversationID:   prep.state.ID,
				TenantID:         params.TenantID,
				UserMessage:      params.Query,
				AssistantMessage: content,
				TotalTokens:      usage.TotalTokens,
				Cost:             cost,
			})
			if err != nil {
				s.logger.Error("failed to persist conversation turn",
					"conversationID", prep.state.ID.String(),
					"error", err,
				)
			}
		}()
	}

	if s.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			convID := mo.None[uuid.UUID]()
			if prep.state.Persisted {
				convID = mo.Some(prep.state.ID)
			}
			err := s.recorder.RecordUsage(ctx, billing.UsageRecord{
				TenantID:       params.TenantID,
				UserID:         params.UserID,
				Provider:       provider,
				Model:          model,
				Operation:      operationChat,
				Usage:          usage,
				EstimatedCost:  cost,
				InsightType:    string(prep.intent.Type),
				ConversationID: convID,
			})
			if err != nil {
				s.logger.Error("failed to record usage",
					"tenantID", params.TenantID.String(),
					"error", err,
				)
			}
		}()
	}

	wg.Wait()
}

// sourceReferences は採用チャンクから出典参照リストを構築する
func sourceReferences(assembled *assembly.AssembledContext) []SourceReference {
	sources := make([]SourceReference, 0, len(assembled.Chunks))
	for _, chunk := range assembled.Chunks {
		sources = append(sources, SourceReference{
			ShardID:   chunk.ShardID,
			ShardName: chunk.ShardName,
			Score:     chunk.Score,
		})
	}
	return sources
}
