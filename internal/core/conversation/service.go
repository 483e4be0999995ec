package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/insight-engine/pkg/tokens"
)

const (
	// DefaultMaxHistoryTokens は履歴トリムのデフォルトトークン予算
	DefaultMaxHistoryTokens = 2000

	// DefaultVisibility は新規会話のデフォルト公開範囲
	DefaultVisibility = "private"

	// titleMaxRunes は派生タイトルの最大文字数
	titleMaxRunes = 64

	// messageOverheadTokens はメッセージ1件あたりのロール/区切りの固定オーバーヘッド
	messageOverheadTokens = 4

	// historyLoadLimit はストアから読み込む履歴の上限件数。
	// トリムはトークン予算で行うため、ここは暴走防止の上限でしかない。
	historyLoadLimit = 200

	// DefaultStoreTimeout はストア呼び出し1回あたりのタイムアウト
	DefaultStoreTimeout = 5 * time.Second
)

// ResolveParams は会話解決のパラメータを表す
type ResolveParams struct {
	ConversationID mo.Option[uuid.UUID]
	TenantID       uuid.UUID
	UserID         uuid.UUID
	Query          string
}

// AppendParams はターン追記のパラメータを表す
type AppendParams struct {
	ConversationID   uuid.UUID
	TenantID         uuid.UUID
	UserMessage      string
	AssistantMessage string
	TotalTokens      int
	Cost             float64
}

// MemoryService は会話メモリの管理を提供する。
// 履歴のトークン予算トリムと、ターン追記の会話単位での直列化を保証する。
type MemoryService struct {
	store        Store
	counter      *tokens.Counter
	logger       *slog.Logger
	storeTimeout time.Duration

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// MemoryServiceOption は MemoryService のオプション設定
type MemoryServiceOption func(*MemoryService)

// WithMemoryLogger はロガーを設定する
func WithMemoryLogger(logger *slog.Logger) MemoryServiceOption {
	return func(s *MemoryService) {
		s.logger = logger
	}
}

// WithTokenCounter はトークンカウンターを差し替える
func WithTokenCounter(counter *tokens.Counter) MemoryServiceOption {
	return func(s *MemoryService) {
		s.counter = counter
	}
}

// WithStoreTimeout はストア呼び出しのタイムアウトを設定する
func WithStoreTimeout(timeout time.Duration) MemoryServiceOption {
	return func(s *MemoryService) {
		s.storeTimeout = timeout
	}
}

// NewMemoryService は新しいMemoryServiceを作成する
func NewMemoryService(store Store, opts ...MemoryServiceOption) *MemoryService {
	s := &MemoryService{
		store:        store,
		logger:       slog.Default(),
		locks:        make(map[uuid.UUID]*sync.Mutex),
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.counter == nil {
		s.counter = tokens.NewCounter()
	}
	return s
}

// Resolve は会話を解決する。
// ConversationID が指定されている場合は既存会話のメッセージを読み込む
// （新規作成は行わない）。未指定の場合はクエリから導出したタイトルで
// 新規会話を作成する。作成失敗時はエフェメラル会話に縮退する。
func (s *MemoryService) Resolve(ctx context.Context, params ResolveParams) (*State, error) {
	if id, ok := params.ConversationID.Get(); ok {
		loadCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		messages, err := s.store.GetMessages(loadCtx, id, params.TenantID, historyLoadLimit)
		if err != nil {
			// 既存会話の読み込み失敗は履歴なしで続行する（生成は中断しない）
			s.logger.Warn("failed to load conversation messages, continuing without history",
				"conversationID", id.String(),
				"error", err,
			)
			messages = nil
		}
		return &State{
			ID:        id,
			TenantID:  params.TenantID,
			Messages:  messages,
			Persisted: true,
		}, nil
	}

	title := deriveTitle(params.Query)
	createCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	id, err := s.store.Create(createCtx, params.TenantID, params.UserID, title, DefaultVisibility)
	if err != nil {
		// 作成失敗はエフェメラル会話に縮退（conversationIdはレスポンスに含めない）
		s.logger.Warn("failed to create conversation, degrading to ephemeral",
			"tenantID", params.TenantID.String(),
			"error", err,
		)
		return &State{
			TenantID:  params.TenantID,
			Persisted: false,
		}, nil
	}

	s.logger.Info("conversation created",
		"conversationID", id.String(),
		"title", title,
	)

	return &State{
		ID:        id,
		TenantID:  params.TenantID,
		Persisted: true,
	}, nil
}

// TrimToBudget は履歴の末尾（最新側）からトークン予算内に収まる
// サフィックスを返す。順序は保持される（保持範囲内では古い順）。
// トリムはプロンプト構築の前に必ず適用され、会話の長さによらず
// プロンプトサイズを抑える。
func (s *MemoryService) TrimToBudget(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxHistoryTokens
	}

	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := s.counter.Count(messages[i].Content) + messageOverheadTokens
		if total+cost > maxTokens {
			break
		}
		total += cost
		start = i
	}

	return messages[start:]
}

// Append は生成完了後のユーザー/アシスタント両ターンを追記する。
// 同一会話への追記は会話単位のロックで直列化され、並行ターンが
// 順序を壊すことはない。エラーは呼び出し元でログされる想定であり、
// 生成済みレスポンスを破棄する理由にはならない。
func (s *MemoryService) Append(ctx context.Context, params AppendParams) error {
	lock := s.lockFor(params.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := time.Now()
	userMsg := Message{
		ID:        uuid.New(),
		Role:      RoleUser,
		Content:   params.UserMessage,
		CreatedAt: now,
	}
	if err := s.store.AddMessage(ctx, params.ConversationID, params.TenantID, userMsg); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}

	assistantMsg := Message{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		Content:   params.AssistantMessage,
		CreatedAt: now,
	}
	if err := s.store.AddAssistantMessage(ctx, params.ConversationID, params.TenantID, assistantMsg, params.TotalTokens, params.Cost); err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}

	return nil
}

// lockFor は会話IDに対応するロックを返す。
// ロックは会話IDごとに作られ、プロセス終了まで解放されない。
// 常駐プロセスに載せる場合はエビクション付きのマップに置き換えること。
func (s *MemoryService) lockFor(conversationID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

// deriveTitle はクエリの先頭から会話タイトルを導出する
func deriveTitle(query string) string {
	runes := []rune(query)
	if len(runes) <= titleMaxRunes {
		return query
	}
	return string(runes[:titleMaxRunes])
}
