// Package gateway implements the request state machine: the per-stream
// ext_proc processor that rewrites headers, intercepts chat-completions
// bodies, drives intent resolution and tool invocation, and accounts
// response tokens.
package gateway

// Header names the filter consumes or produces.
const (
	// RoutingHeaderKey is set on the outbound request so upstream load
	// balancers know which provider cluster to send it to.
	RoutingHeaderKey = "x-curve-selected-provider"

	// DeterministicProviderHintHeader, when present, names the provider
	// to route to instead of the configured default.
	DeterministicProviderHintHeader = "x-curve-deterministic-provider"

	// RatelimitSelectorHeaderKey names the header whose value is itself
	// the name of the header to read the actual rate-limit selector
	// from (a two-hop lookup).
	RatelimitSelectorHeaderKey = "x-curve-ratelimit-selector-header"

	// PoweredByHeader is stamped on replies that short-circuit the
	// dialogue (e.g. a resolver clarifying question) so clients can
	// distinguish a gateway-synthesized reply from an upstream one.
	PoweredByHeader      = "x-powered-by"
	PoweredByHeaderValue = "Curve"

	// RequestIDHeader carries the per-stream correlation id generated at
	// the start of each request, so gateway log lines for one request can
	// be grepped out of a shared log stream.
	RequestIDHeader = "x-curve-request-id"
)

// Cluster names the filter dispatches calls to. These are looked up in
// Configuration.Endpoints by name.
const (
	ClusterEmbeddings       = "embeddings"
	ClusterZeroShot         = "zeroshot"
	ClusterJailbreak        = "jailbreak_guard"
	ClusterFunctionResolver = "function_resolver"
)

const noneSentinel = "[NONE]"
const doneSentinel = "[DONE]"
