package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter はテキストのトークン数を見積もる。
// tiktoken (cl100k_base) が利用できる場合は正確にカウントし、
// 初期化に失敗した場合は文字数ベースの概算にフォールバックする。
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter は新しいCounterを作成する。
// エンコーディングの初期化失敗は致命的エラーとせず、概算モードで動作する。
func NewCounter() *Counter {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}
	}
	return &Counter{encoding: encoding}
}

// Count はテキストのトークン数を返す。
func (c *Counter) Count(text string) int {
	if c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Estimate はテキストの推定トークン数を返す。
// 正確にカウントせず、大まかな推定値を返す（文字数を基準）。
// 英語は約4文字で1トークン、日本語は約1文字で1トークンのため、
// 平均的な値として3文字で1トークンとする。
func Estimate(text string) int {
	return len([]rune(text)) / 3
}
