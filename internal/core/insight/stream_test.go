package insight

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/insight-engine/internal/core/billing"
)

type finishCall struct {
	content  string
	usage    billing.TokenUsage
	provider string
}

func collectEvents(t *testing.T, stream *Stream) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for stream.Next() {
		events = append(events, stream.Event())
	}
	return events
}

func TestStream_CompleteIsExactlyOnceAndLast(t *testing.T) {
	source := &stubChatStream{chunks: []ChatChunk{
		{Delta: "hello"},
		{Delta: " world"},
		{Usage: billing.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, Provider: "openai"},
	}}
	var finishes []finishCall
	stream := newStream(source, mo.None[uuid.UUID](), nil, func(content string, usage billing.TokenUsage, provider, connectionID string) {
		finishes = append(finishes, finishCall{content: content, usage: usage, provider: provider})
	})

	events := collectEvents(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 3)

	assert.Equal(t, StreamEventDelta, events[0].Type)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, StreamEventDelta, events[1].Type)
	assert.Equal(t, " world", events[1].Content)

	terminal := events[2]
	assert.Equal(t, StreamEventComplete, terminal.Type)
	assert.Equal(t, 15, terminal.Usage.TotalTokens)
	assert.Equal(t, "openai", terminal.Provider)

	// 終端後のNextは常にfalseで、終端イベントが再生成されることはない
	assert.False(t, stream.Next())
	assert.False(t, stream.Next())
	assert.True(t, stream.Completed())

	require.Len(t, finishes, 1)
	assert.Equal(t, "hello world", finishes[0].content)
	assert.Equal(t, 15, finishes[0].usage.TotalTokens)
	assert.Equal(t, "openai", finishes[0].provider)
}

func TestStream_EmptySourceYieldsOnlyComplete(t *testing.T) {
	source := &stubChatStream{}
	stream := newStream(source, mo.None[uuid.UUID](), nil, nil)

	events := collectEvents(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 1)
	assert.Equal(t, StreamEventComplete, events[0].Type)
}

func TestStream_EmptyDeltaChunksAbsorbed(t *testing.T) {
	source := &stubChatStream{chunks: []ChatChunk{
		{ConnectionID: "conn-1"},
		{Delta: "content"},
		{Usage: billing.TokenUsage{TotalTokens: 8}},
	}}
	stream := newStream(source, mo.None[uuid.UUID](), nil, nil)

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, StreamEventDelta, events[0].Type)

	// 空デルタのチャンクはイベントにならないが、メタデータは終端に反映される
	terminal := events[1]
	assert.Equal(t, "conn-1", terminal.ConnectionID)
	assert.Equal(t, 8, terminal.Usage.TotalTokens)
}

func TestStream_CostAppliedToTerminal(t *testing.T) {
	source := &stubChatStream{chunks: []ChatChunk{
		{Delta: "x"},
		{Usage: billing.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}},
	}}
	stream := newStream(source, mo.None[uuid.UUID](), func(usage billing.TokenUsage) float64 {
		return float64(usage.TotalTokens) * 0.001
	}, nil)

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.InDelta(t, 2.0, events[1].EstimatedCost, 1e-9)
}

func TestStream_ConversationIDCarriedOnTerminal(t *testing.T) {
	conversationID := uuid.New()
	source := &stubChatStream{}
	stream := newStream(source, mo.Some(conversationID), nil, nil)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, conversationID, events[0].ConversationID.MustGet())
}

func TestStream_MidStreamErrorHasNoTerminal(t *testing.T) {
	source := &stubChatStream{
		chunks: []ChatChunk{{Delta: "partial"}},
		err:    fmt.Errorf("connection reset"),
	}
	finishCalls := 0
	stream := newStream(source, mo.None[uuid.UUID](), nil, func(string, billing.TokenUsage, string, string) {
		finishCalls++
	})

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, StreamEventDelta, events[0].Type)

	// 途中終了はcompleteイベントなしでエラーとして表出する
	assert.Error(t, stream.Err())
	assert.False(t, stream.Completed())
	assert.Zero(t, finishCalls)

	// エラー後のNextは常にfalse
	assert.False(t, stream.Next())
}

func TestStream_CloseBeforeTerminal(t *testing.T) {
	source := &stubChatStream{chunks: []ChatChunk{
		{Delta: "a"},
		{Delta: "b"},
	}}
	finishCalls := 0
	stream := newStream(source, mo.None[uuid.UUID](), nil, func(string, billing.TokenUsage, string, string) {
		finishCalls++
	})

	require.True(t, stream.Next())
	require.NoError(t, stream.Close())

	assert.False(t, stream.Next())
	assert.False(t, stream.Completed())
	assert.Zero(t, finishCalls)
	assert.Equal(t, 1, source.closeCalls)

	// 二重Closeは冪等
	require.NoError(t, stream.Close())
	assert.Equal(t, 1, source.closeCalls)
}

func TestStream_CloseAfterTerminalKeepsCompleted(t *testing.T) {
	source := &stubChatStream{chunks: []ChatChunk{{Delta: "x"}}}
	finishCalls := 0
	stream := newStream(source, mo.None[uuid.UUID](), nil, func(string, billing.TokenUsage, string, string) {
		finishCalls++
	})

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	require.NoError(t, stream.Close())

	assert.True(t, stream.Completed())
	assert.Equal(t, 1, finishCalls)
}
