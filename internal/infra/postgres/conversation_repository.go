package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jinford/insight-engine/internal/core/conversation"
	"github.com/jinford/insight-engine/internal/platform/database"
)

// ConversationRepository は conversation.Store を実装する PostgreSQL リポジトリ。
// 会話本体と累積統計を conversations、各ターンを conversation_messages に保持する。
type ConversationRepository struct {
	db *database.Database
}

// NewConversationRepository は新しい ConversationRepository を返す
func NewConversationRepository(db *database.Database) *ConversationRepository {
	return &ConversationRepository{db: db}
}

var _ conversation.Store = (*ConversationRepository)(nil)

// Create は新しい会話を作成する
func (r *ConversationRepository) Create(ctx context.Context, tenantID, userID uuid.UUID, title, visibility string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, user_id, title, visibility, message_count, total_tokens, total_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, now(), now())
	`, id, tenantID, userID, title, visibility)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// GetMessages は会話のメッセージを作成日時昇順で返す
func (r *ConversationRepository) GetMessages(ctx context.Context, conversationID, tenantID uuid.UUID, limit int) ([]conversation.Message, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, conversationID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = conversation.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

// AddMessage はユーザーメッセージを追記し、会話の統計を更新する
func (r *ConversationRepository) AddMessage(ctx context.Context, conversationID, tenantID uuid.UUID, msg conversation.Message) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, conversationID, tenantID, msg); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1, updated_at = now()
			WHERE id = $1 AND tenant_id = $2
		`, conversationID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to update conversation stats: %w", err)
		}
		return nil
	})
}

// AddAssistantMessage はアシスタントメッセージを使用量とともに追記する
func (r *ConversationRepository) AddAssistantMessage(ctx context.Context, conversationID, tenantID uuid.UUID, msg conversation.Message, totalTokens int, cost float64) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, conversationID, tenantID, msg); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1,
			    total_tokens = total_tokens + $3,
			    total_cost = total_cost + $4,
			    updated_at = now()
			WHERE id = $1 AND tenant_id = $2
		`, conversationID, tenantID, totalTokens, cost)
		if err != nil {
			return fmt.Errorf("failed to update conversation stats: %w", err)
		}
		return nil
	})
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID, tenantID uuid.UUID, msg conversation.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, tenant_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, conversationID, tenantID, string(msg.Role), msg.Content, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// withTx はトランザクション内で fn を実行する
func (r *ConversationRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
