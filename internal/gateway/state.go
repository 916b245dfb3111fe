package gateway

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/curvegateway/curve-gateway/internal/apischema"
	"github.com/curvegateway/curve-gateway/internal/config"
)

// handlerKind is the tagged-variant discriminator for which stage a
// CallContext's reply feeds into, declared as an enum rather than an
// interface hierarchy. Nothing sets or switches on CallContext.Kind:
// processRequestBody runs the stages in a fixed sequence.
type handlerKind int

const (
	handlerEmbedding handlerKind = iota
	handlerJailbreak
	handlerZeroShot
	handlerFunctionResolver
	handlerToolCall
)

// CallContext is the bookkeeping carried across one outbound sub-request's
// suspension. Only one suspension point is ever active per request at a
// time, so a RequestState needs only a single current CallContext rather
// than a token-keyed map of many: the map invariants (uniqueness,
// fatal-on-unknown-token) are instead enforced by dispatch.Dispatcher,
// which does multiplex many requests' tokens concurrently.
type CallContext struct {
	Kind handlerKind

	Request     *apischema.ChatCompletionsRequest
	UserMessage string

	DescScores map[string]float64

	// ToolCluster/ToolPath record where a tool call was issued, kept for
	// diagnostics only.
	ToolCluster string
	ToolPath    string
}

// RequestState is the per-inbound-request context the gateway processor
// carries across the lifetime of one ext_proc stream.
type RequestState struct {
	Catalog  CatalogView
	Provider *config.LlmProvider

	// RatelimitSelector is the two-hop-resolved header value captured at
	// the headers stage.
	RatelimitSelector string

	Streaming        bool
	IsChatCompletions bool

	// ResponseTokens accumulates completion tokens across the response
	// body, whether delivered as one non-streaming payload or many SSE
	// chunks.
	ResponseTokens int

	Current *CallContext

	// Span is the root span opened when request headers arrive, carrying
	// an event per state transition until the exchange ends (either a
	// short-circuit reply or the real response's end-of-stream).
	Span oteltrace.Span
}

// CatalogView is the subset of catalog.Catalog the gateway package needs,
// kept as an interface so tests can substitute a fake catalog without
// building a real embedding set.
type CatalogView interface {
	TargetByName(name string) (*config.PromptTarget, bool)
	DefaultProvider() *config.LlmProvider
	ProviderByName(name string) *config.LlmProvider
}
