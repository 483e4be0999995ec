package openai

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/insight-engine/internal/core/assembly"
)

func TestParseRerankScores(t *testing.T) {
	scores, err := parseRerankScores(`{"scores": [0.9, 0.3, 0.7]}`, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.3, 0.7}, scores)
}

func TestParseRerankScores_InvalidJSON(t *testing.T) {
	_, err := parseRerankScores(`not json`, 2)
	assert.Error(t, err)
}

func TestParseRerankScores_CountMismatch(t *testing.T) {
	_, err := parseRerankScores(`{"scores": [0.9]}`, 3)
	assert.Error(t, err)
}

func TestParseRerankScores_OutOfRange(t *testing.T) {
	_, err := parseRerankScores(`{"scores": [0.9, 1.5]}`, 2)
	assert.Error(t, err)

	_, err = parseRerankScores(`{"scores": [-0.1, 0.5]}`, 2)
	assert.Error(t, err)
}

func TestBuildRerankPrompt(t *testing.T) {
	chunks := []*assembly.RetrievedChunk{
		{ShardID: uuid.New(), ShardName: "売上データ", Content: "8月の売上", Score: 0.9},
		{ShardID: uuid.New(), ShardName: "契約情報", Content: strings.Repeat("あ", 1000), Score: 0.8},
	}

	prompt := buildRerankPrompt("売上を教えて", chunks)

	assert.Contains(t, prompt, "売上を教えて")
	assert.Contains(t, prompt, "文書 1 (売上データ)")
	assert.Contains(t, prompt, "文書 2 (契約情報)")
	assert.Contains(t, prompt, "2 件のスコア")
	// 長い本文は切り詰められる
	assert.NotContains(t, prompt, strings.Repeat("あ", 1000))
	assert.Contains(t, prompt, strings.Repeat("あ", 800)+"...")
}

func TestTruncateForPrompt(t *testing.T) {
	assert.Equal(t, "short", truncateForPrompt("short", 800))
	assert.Equal(t, "abc...", truncateForPrompt("abcdef", 3))
}
