package gateway

import (
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/curvegateway/curve-gateway/internal/apischema"
	"github.com/curvegateway/curve-gateway/internal/catalog"
	"github.com/curvegateway/curve-gateway/internal/config"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
	"github.com/curvegateway/curve-gateway/internal/extproc/backendauth"
	"github.com/curvegateway/curve-gateway/internal/intent"
	"github.com/curvegateway/curve-gateway/internal/ratelimit"
	"github.com/curvegateway/curve-gateway/internal/redaction"
	"github.com/curvegateway/curve-gateway/internal/telemetry"
	"github.com/curvegateway/curve-gateway/internal/tokenizer"
)

const chatCompletionsPath = "/v1/chat/completions"

// tracerName identifies the span source for the per-request trace opened
// at request headers and carried on RequestState.Span.
const tracerName = "github.com/curvegateway/curve-gateway/internal/gateway"

// endSpan records an error (if any) and closes a short-circuited request's
// span. Response-carrying exchanges end their span instead at the
// response's end-of-stream, in processResponseBody.
func endSpan(span oteltrace.Span, event string, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	} else {
		span.AddEvent(event)
	}
	span.End()
}

// Server implements extprocv3.ExternalProcessorServer. One processor value
// is constructed per stream at the top of Process, matching the host
// contract's per-stream context creation.
type Server struct {
	logger     *slog.Logger
	builder    *catalog.Builder
	dispatcher *dispatch.Dispatcher
	cfg        *config.Configuration
	ratelimiter *ratelimit.Limiter
	metrics    *telemetry.Metrics
	authHandlers map[string]backendauth.Handler
}

// NewServer wires the gateway's collaborators into a ready-to-serve
// external processor.
func NewServer(logger *slog.Logger, builder *catalog.Builder, dispatcher *dispatch.Dispatcher, cfg *config.Configuration, metrics *telemetry.Metrics) (*Server, error) {
	handlers := make(map[string]backendauth.Handler, len(cfg.LlmProviders))
	for _, p := range cfg.LlmProviders {
		if p.Auth == nil {
			continue
		}
		h, err := backendauth.NewHandler(context.Background(), p.Auth, logger)
		if err != nil {
			return nil, fmt.Errorf("gateway: build auth handler for provider %q: %w", p.Name, err)
		}
		handlers[p.Name] = h
	}

	var allLimits []config.LlmRatelimit
	allLimits = append(allLimits, cfg.Ratelimits...)
	for _, p := range cfg.LlmProviders {
		allLimits = append(allLimits, p.RateLimits...)
	}

	return &Server{
		logger:       logger,
		builder:      builder,
		dispatcher:   dispatcher,
		cfg:          cfg,
		ratelimiter:  ratelimit.New(allLimits),
		metrics:      metrics,
		authHandlers: handlers,
	}, nil
}

// Process implements [extprocv3.ExternalProcessorServer]. Every suspension
// point in the request state machine is an ordinary blocking channel
// receive from the dispatcher: because this goroutine owns the stream
// exclusively until it sends the next ProcessingResponse, blocking here
// does not violate the host's one-response-per-message contract, and
// other streams' goroutines keep running concurrently.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	sp := &streamProcessor{srv: s, headers: map[string]string{}, streamID: uuid.NewString()}
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		} else if err != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		resp, err := sp.handle(ctx, req)
		if err != nil {
			s.logger.Error("processing failed", slog.String("error", err.Error()))
			return status.Errorf(codes.Unknown, "processing failed: %v", err)
		}
		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "cannot send response: %v", err)
		}
	}
}

// Check implements [grpc_health_v1.HealthServer].
func (s *Server) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s.builder.Published() == nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch implements [grpc_health_v1.HealthServer].
func (s *Server) Watch(*grpc_health_v1.HealthCheckRequest, grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

// streamProcessor carries the per-stream state across the sequence of
// ProcessingRequest messages for one inbound HTTP request.
type streamProcessor struct {
	srv      *Server
	headers  map[string]string
	path     string
	state    RequestState
	bodyBuf  []byte
	streamID string

	// bodyBuf2 and respLineBuf accumulate response-body bytes for token
	// accounting: the former for a buffered non-streamed body, the latter
	// as a partial-line carry across streamed SSE chunks.
	bodyBuf2   []byte
	respLineBuf []byte
}

func (sp *streamProcessor) handle(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch v := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return sp.processRequestHeaders(ctx, v.RequestHeaders.Headers)
	case *extprocv3.ProcessingRequest_RequestBody:
		return sp.processRequestBody(ctx, v.RequestBody)
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return sp.processResponseHeaders(ctx, v.ResponseHeaders.Headers)
	case *extprocv3.ProcessingRequest_ResponseBody:
		return sp.processResponseBody(ctx, v.ResponseBody)
	default:
		return nil, fmt.Errorf("unknown request type: %T", v)
	}
}

func headerMapToStrings(hm *corev3.HeaderMap) map[string]string {
	out := make(map[string]string, len(hm.GetHeaders()))
	for _, h := range hm.GetHeaders() {
		if len(h.Value) > 0 {
			out[strings.ToLower(h.GetKey())] = h.Value
		} else if utf8.Valid(h.RawValue) {
			out[strings.ToLower(h.GetKey())] = string(h.RawValue)
		}
	}
	return out
}

func setHeader(mut *extprocv3.HeaderMutation, key, value string) {
	mut.SetHeaders = append(mut.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{Key: key, RawValue: []byte(value)},
	})
}

// processRequestHeaders selects the provider, rewrites the routing and
// auth headers, scrubs every known provider api-key header, drops
// content-length, and captures the rate-limit selector via its
// configured two-hop header lookup.
func (sp *streamProcessor) processRequestHeaders(ctx context.Context, hm *corev3.HeaderMap) (*extprocv3.ProcessingResponse, error) {
	sp.headers = headerMapToStrings(hm)
	sp.path = sp.headers[":path"]

	_, span := otel.Tracer(tracerName).Start(ctx, "chat_completion",
		oteltrace.WithAttributes(attribute.String("request_id", sp.streamID)))
	sp.state.Span = span

	cat := sp.srv.builder.Published()
	if cat == nil {
		err := fmt.Errorf("catalog not yet published")
		endSpan(span, "", err)
		return nil, err
	}

	provider := cat.DefaultProvider()
	if hint, ok := sp.headers[DeterministicProviderHintHeader]; ok && hint != "" {
		if p := cat.ProviderByName(hint); p != nil {
			provider = p
		}
	}
	sp.state.Provider = provider
	sp.state.Catalog = cat
	span.SetAttributes(attribute.String("provider", provider.Name))

	headerMut := &extprocv3.HeaderMutation{}
	setHeader(headerMut, RoutingHeaderKey, provider.Name)
	setHeader(headerMut, RequestIDHeader, sp.streamID)

	if provider.Auth == nil {
		apiKey := sp.headers[strings.ToLower(provider.APIKeyHeader)]
		auth := "Bearer " + apiKey
		sp.headers["authorization"] = auth
		setHeader(headerMut, "Authorization", auth)
	}

	for _, p := range cat.Providers {
		if p.APIKeyHeader != "" {
			headerMut.RemoveHeaders = append(headerMut.RemoveHeaders, p.APIKeyHeader)
		}
	}
	headerMut.RemoveHeaders = append(headerMut.RemoveHeaders, "content-length")

	if selectorHeaderName, ok := sp.headers[RatelimitSelectorHeaderKey]; ok && selectorHeaderName != "" {
		sp.state.RatelimitSelector = sp.headers[strings.ToLower(selectorHeaderName)]
	}

	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
		RequestHeaders: &extprocv3.HeadersResponse{
			Response: &extprocv3.CommonResponse{HeaderMutation: headerMut},
		},
	}}, nil
}

func continueResponse() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
		RequestBody: &extprocv3.BodyResponse{Response: &extprocv3.CommonResponse{}},
	}}
}

func replaceBodyResponse(headerMut *extprocv3.HeaderMutation, body []byte) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
		RequestBody: &extprocv3.BodyResponse{
			Response: &extprocv3.CommonResponse{
				Status:         extprocv3.CommonResponse_CONTINUE_AND_REPLACE,
				HeaderMutation: headerMut,
				BodyMutation:   &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: body}},
			},
		},
	}}
}

func immediateResponse(code int32, body string, headers ...*corev3.HeaderValueOption) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ImmediateResponse{
		ImmediateResponse: &extprocv3.ImmediateResponse{
			Status:  &typev3.HttpStatus{Code: typev3.StatusCode(code)},
			Body:    []byte(body),
			Headers: &extprocv3.HeaderMutation{SetHeaders: headers},
		},
	}}
}

// processRequestBody buffers to end-of-stream, then drives the full
// PARSED -> ... -> FORWARD transition sequence of the request state
// machine synchronously within this stream's goroutine.
func (sp *streamProcessor) processRequestBody(ctx context.Context, rb *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	sp.bodyBuf = append(sp.bodyBuf, rb.GetBody()...)
	if !rb.GetEndOfStream() {
		return continueResponse(), nil
	}

	span := sp.state.Span

	body := sp.bodyBuf
	if len(body) == 0 || sp.path != chatCompletionsPath {
		endSpan(span, "not a chat completions request", nil)
		return continueResponse(), nil
	}

	var creq apischema.ChatCompletionsRequest
	if err := json.Unmarshal(body, &creq); err != nil {
		endSpan(span, "", err)
		return immediateResponse(400, fmt.Sprintf("invalid chat completions body: %v", err)), nil
	}

	cat := sp.state.Catalog.(*catalog.Catalog)
	provider := sp.state.Provider
	creq.Model = provider.Model
	if creq.Stream {
		if creq.StreamOptions == nil {
			creq.StreamOptions = &apischema.StreamOptions{}
		}
		creq.StreamOptions.IncludeUsage = true
	}
	sp.state.Streaming = creq.Stream
	sp.state.IsChatCompletions = true

	userMessage, ok := creq.LastUserMessage()
	if !ok {
		endSpan(span, "no user message, forwarding unmodified", nil)
		return sp.forward(ctx, &creq)
	}
	sp.state.Current = &CallContext{Request: &creq, UserMessage: userMessage}

	guards := sp.srv.cfg.PromptGuards
	if guards.JailbreakConfigured() {
		jailbroken, err := checkJailbreak(ctx, sp.srv.dispatcher, ClusterJailbreak, userMessage)
		if err != nil {
			msg := guards.JailbreakOnExceptionMessage()
			if msg == "" {
				msg = "jailbreak guard unavailable: " + err.Error()
			}
			endSpan(span, "", err)
			return immediateResponse(400, msg), nil
		}
		if jailbroken {
			msg := guards.JailbreakOnExceptionMessage()
			if msg == "" {
				msg = "request blocked by jailbreak guard"
			}
			endSpan(span, "blocked by jailbreak guard", nil)
			return immediateResponse(400, msg), nil
		}
		if span != nil {
			span.AddEvent("jailbreak guard passed")
		}
	}

	vec, err := catalog.FetchEmbedding(ctx, sp.srv.dispatcher, ClusterEmbeddings, userMessage)
	if err != nil {
		endSpan(span, "", err)
		return nil, fmt.Errorf("embedding dispatch: %w", err)
	}
	descScores := intent.DescriptionScores(cat, vec)
	if span != nil {
		span.AddEvent("embedding received")
	}

	_, zsCh, err := intent.DispatchZeroShot(ctx, cat, sp.srv.dispatcher, ClusterZeroShot, userMessage)
	if err != nil {
		endSpan(span, "", err)
		return nil, fmt.Errorf("zero-shot dispatch: %w", err)
	}
	zs, err := intent.ParseZeroShot(<-zsCh)
	if err != nil {
		endSpan(span, "", err)
		return nil, fmt.Errorf("zero-shot reply: %w", err)
	}
	if span != nil {
		span.AddEvent("zero-shot classification received")
	}

	secondToLast, hasSecondToLast := creq.SecondToLastMessage()
	continuity := intent.AssistantContinuity(secondToLast, hasSecondToLast)
	decision := intent.Resolve(zs, descScores, continuity, sp.srv.cfg.PromptTargetThreshold())
	sp.state.Current.DescScores = descScores

	sp.srv.logger.Debug("intent resolved",
		slog.String("request_id", sp.streamID),
		slog.String("message", redaction.RedactString(userMessage)),
		slog.Bool("matched", decision.Matched),
		slog.String("target", decision.Target),
		slog.Float64("score", decision.FusedScore))

	if span != nil {
		span.SetAttributes(attribute.Bool("intent_matched", decision.Matched), attribute.String("intent_target", decision.Target))
	}

	if !decision.Matched {
		endSpan(span, "no prompt target matched, forwarding unmodified", nil)
		return sp.forward(ctx, &creq)
	}

	target, ok := cat.TargetByName(decision.Target)
	if !ok {
		endSpan(span, "matched target not found in catalog, forwarding unmodified", nil)
		return sp.forward(ctx, &creq)
	}

	resolverBody, err := buildFunctionResolverRequest(cat, userMessage)
	if err != nil {
		endSpan(span, "", err)
		return nil, err
	}
	resolverResp, err := dispatchFunctionResolver(ctx, sp.srv.dispatcher, ClusterFunctionResolver, resolverBody)
	if err != nil {
		endSpan(span, "", err)
		return immediateResponse(400, "function resolver error: "+err.Error()), nil
	}
	if span != nil {
		span.AddEvent("function resolver responded")
	}

	toolCall, hasCall := resolverResp.FirstToolCall()
	if !hasCall {
		var reply string
		if len(resolverResp.Choices) > 0 {
			reply = resolverResp.Choices[0].Message.Content
		}
		respBody, _ := json.Marshal(apischema.ChatCompletionsResponse{
			Model:   provider.Model,
			Choices: []apischema.Choice{{Message: apischema.Message{Role: "assistant", Content: reply}}},
		})
		endSpan(span, "resolver replied without a tool call", nil)
		return immediateResponse(200, string(respBody),
			&corev3.HeaderValueOption{Header: &corev3.HeaderValue{Key: PoweredByHeader, RawValue: []byte(PoweredByHeaderValue)}}), nil
	}

	calledTarget, ok := cat.TargetByName(toolCall.Function.Name)
	if !ok {
		calledTarget = target
	}
	reply, clusterName, path, err := invokeTool(ctx, sp.srv.dispatcher, sp.srv.cfg.Endpoints, calledTarget, toolCall)
	if err != nil {
		endSpan(span, "", err)
		return immediateResponse(400, "tool invocation error: "+err.Error()), nil
	}
	sp.state.Current.ToolCluster, sp.state.Current.ToolPath = clusterName, path
	if reply.StatusCode/100 != 2 {
		endSpan(span, fmt.Sprintf("upstream tool error: status %d", reply.StatusCode), nil)
		return immediateResponse(400, fmt.Sprintf("upstream tool error: status %d", reply.StatusCode)), nil
	}
	if span != nil {
		span.AddEvent("tool invoked", oteltrace.WithAttributes(attribute.String("tool_cluster", clusterName)))
	}

	synthesized := synthesizeMessages(creq.Messages, calledTarget.SystemPrompt, string(reply.Body), userMessage)
	creq.Messages = synthesized
	newBody, err := json.Marshal(creq)
	if err != nil {
		endSpan(span, "", err)
		return nil, err
	}

	if sp.state.RatelimitSelector != "" {
		if tokens, tokErr := tokenizer.Count(provider.Model, string(newBody)); tokErr == nil {
			if !sp.srv.ratelimiter.Check(provider.Model, sp.state.RatelimitSelector, tokens) {
				sp.srv.metrics.RatelimitedRq.WithLabelValues(provider.Name).Inc()
				endSpan(span, "rate limit exceeded", nil)
				return immediateResponse(429, "rate limit exceeded"), nil
			}
		}
	}

	headerMut := &extprocv3.HeaderMutation{}
	bodyMut := &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: newBody}}
	if h, ok := sp.srv.authHandlers[provider.Name]; ok {
		if err := h.Do(ctx, sp.headers, headerMut, bodyMut); err != nil {
			endSpan(span, "", err)
			return nil, fmt.Errorf("backend auth: %w", err)
		}
	}
	if span != nil {
		span.AddEvent("forwarding with synthesized tool context")
	}
	return replaceBodyResponse(headerMut, newBody), nil
}

// forward resumes upstream with creq re-serialized (model overwrite and
// stream_options already applied), applying backend auth if the selected
// provider uses one of the richer auth strategies.
func (sp *streamProcessor) forward(ctx context.Context, creq *apischema.ChatCompletionsRequest) (*extprocv3.ProcessingResponse, error) {
	body, err := json.Marshal(creq)
	if err != nil {
		return nil, err
	}
	headerMut := &extprocv3.HeaderMutation{}
	bodyMut := &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: body}}
	if h, ok := sp.srv.authHandlers[sp.state.Provider.Name]; ok {
		if err := h.Do(ctx, sp.headers, headerMut, bodyMut); err != nil {
			return nil, fmt.Errorf("backend auth: %w", err)
		}
	}
	return replaceBodyResponse(headerMut, body), nil
}

func (sp *streamProcessor) processResponseHeaders(_ context.Context, _ *corev3.HeaderMap) (*extprocv3.ProcessingResponse, error) {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
		ResponseHeaders: &extprocv3.HeadersResponse{},
	}}, nil
}

// synthesizeMessages builds the new messages sequence: original messages,
// then (if the target has a system prompt) a system message, then the
// tool response as a user turn, then the original user message again.
func synthesizeMessages(original []apischema.Message, systemPrompt, toolResponseBody, userMessage string) []apischema.Message {
	out := make([]apischema.Message, 0, len(original)+3)
	out = append(out, original...)
	if systemPrompt != "" {
		out = append(out, apischema.Message{Role: "system", Content: systemPrompt})
	}
	out = append(out, apischema.Message{Role: "user", Content: toolResponseBody})
	out = append(out, apischema.Message{Role: "user", Content: userMessage})
	return out
}
