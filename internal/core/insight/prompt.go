package insight

import (
	"strings"

	"github.com/jinford/insight-engine/internal/core/assembly"
	"github.com/jinford/insight-engine/internal/core/conversation"
)

// BuildMessages はシステム指示・トリム済み履歴・組み立て済みコンテキスト・
// 現在のクエリからLLMへ送るメッセージ列を構築する
func BuildMessages(assembled *assembly.AssembledContext, history []conversation.Message, query string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)

	messages = append(messages, ChatMessage{
		Role:    "system",
		Content: buildSystemPrompt(assembled),
	})

	for _, msg := range history {
		messages = append(messages, ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	messages = append(messages, ChatMessage{
		Role:    "user",
		Content: query,
	})

	return messages
}

// buildSystemPrompt はテンプレート指示と検索コンテキストを含む
// システムプロンプトを構築する
func buildSystemPrompt(assembled *assembly.AssembledContext) string {
	var sb strings.Builder

	sb.WriteString("あなたはCRMデータに精通した分析アシスタントです。\n")
	sb.WriteString("以下のコンテキスト情報を基に、ユーザーの質問に正確かつ簡潔に回答してください。\n\n")

	sb.WriteString("## 回答のガイドライン\n")
	sb.WriteString("- コンテキストに含まれる情報のみを使用して回答してください\n")
	sb.WriteString("- 根拠となったシャード名を出典として明示してください\n")
	sb.WriteString("- 不明な点がある場合は、推測せずにその旨を述べてください\n")
	if assembled.Template != nil && assembled.Template.Instruction != "" {
		sb.WriteString("- ")
		sb.WriteString(assembled.Template.Instruction)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## コンテキスト: 関連データ\n")
	if assembled.FormattedContext != "" {
		sb.WriteString(assembled.FormattedContext)
	} else {
		sb.WriteString("(該当する関連データはありません)\n")
	}

	return sb.String()
}
