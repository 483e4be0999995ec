package intent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubClassifier はLLM分類器のスタブ
type stubClassifier struct {
	insightType InsightType
	confidence  float64
	entities    []string
	err         error
	calls       int
}

func (s *stubClassifier) Classify(ctx context.Context, query string) (InsightType, float64, []string, error) {
	s.calls++
	if s.err != nil {
		return "", 0, nil, s.err
	}
	return s.insightType, s.confidence, s.entities, nil
}

func TestAnalyzer_HeuristicClassification(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected InsightType
	}{
		{name: "summary", query: "summarize last month's sales", expected: InsightTypeSummary},
		{name: "summary japanese", query: "先月の売上を要約して", expected: InsightTypeSummary},
		{name: "comparison", query: "compare product A with product B", expected: InsightTypeComparison},
		{name: "trend", query: "show the revenue trend", expected: InsightTypeTrend},
		{name: "analysis", query: "why did churn increase", expected: InsightTypeAnalysis},
		{name: "default search", query: "customer contracts", expected: InsightTypeSearch},
	}

	analyzer := NewAnalyzer(WithAnalyzerLogger(discardLogger()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := analyzer.Analyze(context.Background(), tt.query, uuid.New(), mo.None[Scope]())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Type)
		})
	}
}

func TestAnalyzer_EmptyQuery(t *testing.T) {
	analyzer := NewAnalyzer(WithAnalyzerLogger(discardLogger()))

	_, err := analyzer.Analyze(context.Background(), "   ", uuid.New(), mo.None[Scope]())
	assert.Error(t, err)
}

func TestAnalyzer_MultiIntent(t *testing.T) {
	analyzer := NewAnalyzer(WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(),
		"summarize recent deals and also compare them with last quarter",
		uuid.New(), mo.None[Scope]())
	require.NoError(t, err)

	assert.True(t, result.IsMultiIntent)
	assert.Equal(t, InsightTypeSummary, result.Type)
	require.Len(t, result.SecondaryIntents, 1)
	assert.Equal(t, InsightTypeComparison, result.SecondaryIntents[0].Type)
	// 副次インテントの確度はプライマリ相当から割り引かれる
	assert.InDelta(t, 0.8*0.75, result.SecondaryIntents[0].Confidence, 1e-9)
	assert.Equal(t, "compare them with last quarter", result.SecondaryIntents[0].Query)
}

func TestAnalyzer_SingleIntentNotMulti(t *testing.T) {
	analyzer := NewAnalyzer(WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(), "summarize recent deals", uuid.New(), mo.None[Scope]())
	require.NoError(t, err)

	assert.False(t, result.IsMultiIntent)
	assert.Empty(t, result.SecondaryIntents)
}

func TestAnalyzer_ClassifierOverridesWhenMoreConfident(t *testing.T) {
	classifier := &stubClassifier{
		insightType: InsightTypeAnalysis,
		confidence:  0.95,
		entities:    []string{"churn"},
	}
	analyzer := NewAnalyzer(WithClassifier(classifier), WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(), "customer contracts", uuid.New(), mo.None[Scope]())
	require.NoError(t, err)

	assert.Equal(t, InsightTypeAnalysis, result.Type)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, []string{"churn"}, result.Entities)
}

func TestAnalyzer_ClassifierIgnoredWhenLessConfident(t *testing.T) {
	classifier := &stubClassifier{
		insightType: InsightTypeSearch,
		confidence:  0.3,
	}
	analyzer := NewAnalyzer(WithClassifier(classifier), WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(), "summarize recent deals", uuid.New(), mo.None[Scope]())
	require.NoError(t, err)

	assert.Equal(t, InsightTypeSummary, result.Type)
	assert.Equal(t, 0.8, result.Confidence)
}

func TestAnalyzer_ClassifierFailureFallsBack(t *testing.T) {
	classifier := &stubClassifier{err: fmt.Errorf("llm unavailable")}
	analyzer := NewAnalyzer(WithClassifier(classifier), WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(), "summarize recent deals", uuid.New(), mo.None[Scope]())
	require.NoError(t, err)

	assert.Equal(t, 1, classifier.calls)
	assert.Equal(t, InsightTypeSummary, result.Type)
}

func TestAnalyzer_ScopeDefaultsToTenant(t *testing.T) {
	analyzer := NewAnalyzer(WithAnalyzerLogger(discardLogger()))

	result, err := analyzer.Analyze(context.Background(), "customer contracts", uuid.New(), mo.None[Scope]())
	require.NoError(t, err)
	assert.Equal(t, ScopeModeTenant, result.Scope.Mode)

	projectID := uuid.New()
	scoped, err := analyzer.Analyze(context.Background(), "customer contracts", uuid.New(),
		mo.Some(Scope{Mode: ScopeModeProject, TargetID: mo.Some(projectID)}))
	require.NoError(t, err)
	assert.Equal(t, ScopeModeProject, scoped.Scope.Mode)
	assert.Equal(t, projectID, scoped.Scope.TargetID.MustGet())
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities(`show contracts for "Acme Corp" and Initech`)
	assert.Contains(t, entities, "Acme Corp")
	assert.Contains(t, entities, "Initech")
}
