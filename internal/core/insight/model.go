package insight

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/insight-engine/internal/core/billing"
	"github.com/jinford/insight-engine/internal/core/intent"
)

var (
	// ErrModelUnavailable は指定モデルが利用できない場合のエラー。
	// LLM障害一般とは区別され、そのまま呼び出し元に伝播する。
	ErrModelUnavailable = errors.New("requested model is unavailable")

	// ErrBudgetExceeded はテナント予算が不足している場合のエラー
	ErrBudgetExceeded = errors.New("tenant budget exceeded")
)

// GenerateOptions はリクエスト単位の生成オプションを表す
type GenerateOptions struct {
	EnableReranking  bool
	MaxHistoryTokens int                // 0 の場合はサービスのデフォルト
	Temperature      mo.Option[float64] // 未指定の場合はサービスのデフォルト
	CheckBudget      bool               // 生成前に予算チェックを行う
	ResponseFormat   string             // "text"（デフォルト）または "json"
}

// GenerateParams はインサイト生成のパラメータを表す。入力は不変。
type GenerateParams struct {
	TenantID       uuid.UUID
	UserID         uuid.UUID
	Query          string
	ConversationID mo.Option[uuid.UUID]
	Scope          mo.Option[intent.Scope]
	Options        GenerateOptions
}

// SourceReference は回答の根拠となったシャード参照を表す
type SourceReference struct {
	ShardID   uuid.UUID
	ShardName string
	Score     float64
}

// GenerateResult はインサイト生成の結果を表す
type GenerateResult struct {
	Content          string
	ConversationID   mo.Option[uuid.UUID] // エフェメラル会話の場合は None
	InsightType      intent.InsightType
	SecondaryIntents []intent.SecondaryIntent // 拡張ポイント。自動実行はしない
	Sources          []SourceReference
	Usage            billing.TokenUsage
	EstimatedCost    float64
	Model            string
	Provider         string
}

// StreamEventType はストリームイベントの種別を表す
type StreamEventType string

const (
	// StreamEventDelta は部分トークンの増分イベント
	StreamEventDelta StreamEventType = "delta"
	// StreamEventComplete はストリーム終端イベント。ストリームごとに正確に1回。
	StreamEventComplete StreamEventType = "complete"
)

// StreamEvent はストリーミング生成のイベントを表す
type StreamEvent struct {
	Type           StreamEventType
	Content        string // delta のみ
	Usage          billing.TokenUsage
	EstimatedCost  float64
	Provider       string
	ConnectionID   string
	ConversationID mo.Option[uuid.UUID]
}

// ChatMessage はLLMへ送る1メッセージを表す
type ChatMessage struct {
	Role    string // "system" / "user" / "assistant"
	Content string
}

// ChatRequest はLLMチャット呼び出しのリクエストを表す
type ChatRequest struct {
	Model          string
	Messages       []ChatMessage
	Temperature    float64
	MaxTokens      int
	ResponseFormat string // "json" 指定時はJSONモード
}

// ChatResponse はLLMチャット呼び出しのレスポンスを表す
type ChatResponse struct {
	Content      string
	Usage        billing.TokenUsage
	Model        string
	Provider     string
	ConnectionID string
}

// ChatChunk はLLMストリーミングの1チャンクを表す。
// 終端チャンクには使用量と接続情報が含まれる。
type ChatChunk struct {
	Delta        string
	Usage        billing.TokenUsage
	Provider     string
	ConnectionID string
}

// ChatStream はLLMストリーミングのプル型インターフェース。
// openai-go の ssestream と同じ Next/Current/Err/Close 規約に従う。
type ChatStream interface {
	Next() bool
	Current() ChatChunk
	Err() error
	Close() error
}

// LLMClient はLLM通信インターフェース
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error)
}
