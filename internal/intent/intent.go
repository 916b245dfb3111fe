// Package intent implements the intent resolver: fusing cosine similarity
// over description embeddings with a zero-shot classifier score to decide
// whether a user turn matches a configured prompt target closely enough to
// route through the function resolver.
package intent

import (
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/curvegateway/curve-gateway/internal/apischema"
	"github.com/curvegateway/curve-gateway/internal/catalog"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
)

// DefaultIntentModel is the model name stamped onto zero-shot calls.
const DefaultIntentModel = "curve-zeroshot-v1"

// curveAssistantPrefix is the Model-field prefix that marks an assistant
// turn as an in-progress parameter-collection dialogue; its presence on
// the second-to-last message bypasses the threshold check entirely.
const curveAssistantPrefix = "Curve"

// Cosine computes cosine similarity between a and b. Mismatched lengths or
// a zero vector on either side yields 0.
func Cosine(a, b catalog.Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DescriptionScores computes s_desc(t) for every target in cat against the
// user message's embedding vector v.
func DescriptionScores(cat *catalog.Catalog, v catalog.Vector) map[string]float64 {
	scores := make(map[string]float64, len(cat.Targets))
	for _, t := range cat.Targets {
		scores[t.Name] = Cosine(v, cat.Description(t.Name))
	}
	return scores
}

// zeroShotRequest/Response mirror the zero-shot classifier backend's wire
// contract.
type zeroShotRequest struct {
	Input  string   `json:"input"`
	Model  string   `json:"model"`
	Labels []string `json:"labels"`
}

type ZeroShotResponse struct {
	PredictedClass      string             `json:"predicted_class"`
	PredictedClassScore float64            `json:"predicted_class_score"`
	Scores              map[string]float64 `json:"scores"`
	Model               string             `json:"model"`
}

// DispatchZeroShot issues the zero-shot classification call for
// userMessage against every configured target name.
func DispatchZeroShot(ctx context.Context, cat *catalog.Catalog, d *dispatch.Dispatcher, cluster, userMessage string) (uint32, <-chan dispatch.Reply, error) {
	labels := make([]string, len(cat.Targets))
	for i, t := range cat.Targets {
		labels[i] = t.Name
	}
	body, err := json.Marshal(zeroShotRequest{Input: userMessage, Model: DefaultIntentModel, Labels: labels})
	if err != nil {
		return 0, nil, err
	}
	return d.Dispatch(ctx, cluster, "/zeroshot", nil, body, 5*time.Second)
}

// ParseZeroShot decodes a zero-shot backend reply.
func ParseZeroShot(reply dispatch.Reply) (ZeroShotResponse, error) {
	if reply.Err != nil {
		return ZeroShotResponse{}, reply.Err
	}
	if reply.StatusCode/100 != 2 {
		return ZeroShotResponse{}, fmt.Errorf("zero-shot backend returned status %d", reply.StatusCode)
	}
	var resp ZeroShotResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return ZeroShotResponse{}, fmt.Errorf("decode zero-shot response: %w", err)
	}
	return resp, nil
}

// FusedScore computes S = 0.7*predicted_class_score + 0.3*s_desc(predicted_class).
func FusedScore(zs ZeroShotResponse, descScores map[string]float64) float64 {
	return 0.7*zs.PredictedClassScore + 0.3*descScores[zs.PredictedClass]
}

// AssistantContinuity reports whether msg (the second-to-last message in
// the request) marks an in-progress Curve-assistant parameter-collection
// dialogue, in which case the threshold check is bypassed entirely.
func AssistantContinuity(msg apischema.Message, ok bool) bool {
	return ok && strings.HasPrefix(msg.Model, curveAssistantPrefix)
}

// Decision is the resolver's verdict for a single request.
type Decision struct {
	Matched   bool
	Target    string
	FusedScore float64
}

// Resolve decides whether the fused score clears threshold, with an
// assistant-continuity override that bypasses the check entirely.
func Resolve(zs ZeroShotResponse, descScores map[string]float64, continuity bool, threshold float64) Decision {
	s := FusedScore(zs, descScores)
	if continuity {
		return Decision{Matched: true, Target: zs.PredictedClass, FusedScore: s}
	}
	if s < threshold {
		return Decision{Matched: false, FusedScore: s}
	}
	return Decision{Matched: true, Target: zs.PredictedClass, FusedScore: s}
}
