package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role はメッセージの発話者種別を表す
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message は会話内の1メッセージを表す
type Message struct {
	ID        uuid.UUID
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Stats は会話の累積統計を表す
type Stats struct {
	MessageCount int
	TotalTokens  int
	TotalCost    float64
}

// State は会話の状態を表す。
// Persisted が false の場合、この会話は一時的（エフェメラル）であり、
// レスポンスに conversationId を含めない。
type State struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Messages  []Message
	Stats     Stats
	Persisted bool
}

// Store は会話ストアインターフェース
type Store interface {
	// Create は新しい会話を作成する
	Create(ctx context.Context, tenantID, userID uuid.UUID, title, visibility string) (uuid.UUID, error)

	// GetMessages は会話のメッセージを作成日時昇順で返す
	GetMessages(ctx context.Context, conversationID, tenantID uuid.UUID, limit int) ([]Message, error)

	// AddMessage はユーザーメッセージを追記する
	AddMessage(ctx context.Context, conversationID, tenantID uuid.UUID, msg Message) error

	// AddAssistantMessage はアシスタントメッセージを使用量とともに追記する
	AddAssistantMessage(ctx context.Context, conversationID, tenantID uuid.UUID, msg Message, totalTokens int, cost float64) error
}
