package insight

import (
	"strings"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/insight-engine/internal/core/billing"
)

// finishFunc はストリーム終端時に一度だけ呼ばれるコールバック。
// 完全なレスポンス本文と集計使用量を受け取り、永続化・課金記録を行う。
type finishFunc func(content string, usage billing.TokenUsage, provider, connectionID string)

// Stream はインサイト生成のプル型ストリーム。
// イベントは要求されるまで計算されず（先読みバッファリングなし）、
// 終端の complete イベントはストリームごとに正確に1回、最後に出現する。
// 終端前に Close された場合、永続化・課金は実行されず、
// 下層のLLM接続は確実に解放される。
type Stream struct {
	source       ChatStream
	costFn       func(usage billing.TokenUsage) float64
	finish       finishFunc
	convID       mo.Option[uuid.UUID]
	current      StreamEvent
	content      strings.Builder
	usage        billing.TokenUsage
	provider     string
	connectionID string
	err          error
	completed    bool
	closed       bool
}

// newStream は新しいStreamを作成する
func newStream(source ChatStream, convID mo.Option[uuid.UUID], costFn func(billing.TokenUsage) float64, finish finishFunc) *Stream {
	return &Stream{
		source: source,
		costFn: costFn,
		finish: finish,
		convID: convID,
	}
}

// Next は次のイベントへ進む。イベントがある場合は true を返す。
// false を返した後は Err を確認すること。
func (s *Stream) Next() bool {
	if s.err != nil || s.completed || s.closed {
		return false
	}

	for {
		if s.source.Next() {
			chunk := s.source.Current()

			// 使用量・接続情報は終端チャンクに載るため随時取り込む
			if chunk.Usage.TotalTokens > 0 {
				s.usage = chunk.Usage
			}
			if chunk.Provider != "" {
				s.provider = chunk.Provider
			}
			if chunk.ConnectionID != "" {
				s.connectionID = chunk.ConnectionID
			}

			if chunk.Delta == "" {
				continue
			}

			s.content.WriteString(chunk.Delta)
			s.current = StreamEvent{
				Type:    StreamEventDelta,
				Content: chunk.Delta,
			}
			return true
		}

		if err := s.source.Err(); err != nil {
			// 途中終了は complete イベントなしでストリームエラーとして表出する
			s.err = err
			return false
		}

		// 終端イベントの生成。永続化・課金はここで一度だけ実行される。
		s.completed = true
		var cost float64
		if s.costFn != nil {
			cost = s.costFn(s.usage)
		}
		s.current = StreamEvent{
			Type:           StreamEventComplete,
			Usage:          s.usage,
			EstimatedCost:  cost,
			Provider:       s.provider,
			ConnectionID:   s.connectionID,
			ConversationID: s.convID,
		}
		if s.finish != nil {
			s.finish(s.content.String(), s.usage, s.provider, s.connectionID)
		}
		return true
	}
}

// Event は現在のイベントを返す
func (s *Stream) Event() StreamEvent {
	return s.current
}

// Err はストリームのエラーを返す
func (s *Stream) Err() error {
	return s.err
}

// Completed は終端イベントが生成済みかを返す
func (s *Stream) Completed() bool {
	return s.completed
}

// Close はストリームを閉じ、下層のLLM接続を解放する。
// 終端イベント到達前のCloseでは、このターンの永続化・課金は行われない。
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.source.Close()
}
