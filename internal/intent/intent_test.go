package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/apischema"
)

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{1, 0}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	require.Equal(t, 0.0, Cosine(nil, []float64{1, 0}))
	require.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 0}))
}

func TestFusedScore(t *testing.T) {
	zs := ZeroShotResponse{PredictedClass: "book_flight", PredictedClassScore: 0.9}
	descScores := map[string]float64{"book_flight": 0.5}
	require.InDelta(t, 0.7*0.9+0.3*0.5, FusedScore(zs, descScores), 1e-9)
}

func TestResolve_BelowThresholdPassesThrough(t *testing.T) {
	zs := ZeroShotResponse{PredictedClass: "book_flight", PredictedClassScore: 0.1}
	d := Resolve(zs, map[string]float64{"book_flight": 0.1}, false, 0.6)
	require.False(t, d.Matched)
}

func TestResolve_AboveThresholdMatches(t *testing.T) {
	zs := ZeroShotResponse{PredictedClass: "book_flight", PredictedClassScore: 0.95}
	d := Resolve(zs, map[string]float64{"book_flight": 0.9}, false, 0.6)
	require.True(t, d.Matched)
	require.Equal(t, "book_flight", d.Target)
}

func TestResolve_ContinuityBypassesThreshold(t *testing.T) {
	zs := ZeroShotResponse{PredictedClass: "book_flight", PredictedClassScore: 0.01}
	d := Resolve(zs, map[string]float64{"book_flight": 0.0}, true, 0.6)
	require.True(t, d.Matched)
}

func TestAssistantContinuity(t *testing.T) {
	require.True(t, AssistantContinuity(apischema.Message{Model: "CurveAssistantV2"}, true))
	require.False(t, AssistantContinuity(apischema.Message{Model: "gpt-4o"}, true))
	require.False(t, AssistantContinuity(apischema.Message{Model: "CurveAssistantV2"}, false))
}
