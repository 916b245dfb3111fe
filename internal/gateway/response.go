package gateway

import (
	"bytes"
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"log/slog"
	"strings"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/curvegateway/curve-gateway/internal/apischema"
	"github.com/curvegateway/curve-gateway/internal/tokenizer"
)

// processResponseBody accounts completion tokens for chat-completions
// responses. Non-streamed bodies are buffered to end-of-stream and
// decoded once; streamed bodies are parsed frame-by-frame as SSE `data:`
// lines arrive, tolerating the `[DONE]` and `[NONE]` sentinels.
func (sp *streamProcessor) processResponseBody(_ context.Context, body *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	if !sp.state.IsChatCompletions {
		return passthroughResponseBody(), nil
	}

	if sp.state.Streaming {
		sp.accountStreamedChunk(body.GetBody())
	} else {
		sp.bodyBuf2 = append(sp.bodyBuf2, body.GetBody()...)
		if body.GetEndOfStream() {
			sp.accountNonStreamed(sp.bodyBuf2)
		}
	}

	if body.GetEndOfStream() {
		sp.srv.logger.Debug("response tokens accounted",
			slog.String("request_id", sp.streamID),
			slog.String("provider", sp.state.Provider.Name),
			slog.Int("completion_tokens", sp.state.ResponseTokens))
		if span := sp.state.Span; span != nil {
			span.AddEvent("response completed")
			span.End()
		}
	}
	return passthroughResponseBody(), nil
}

func passthroughResponseBody() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{
		ResponseBody: &extprocv3.BodyResponse{Response: &extprocv3.CommonResponse{}},
	}}
}

func (sp *streamProcessor) accountNonStreamed(raw []byte) {
	if len(raw) == 0 {
		return
	}
	var resp apischema.ChatCompletionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		sp.srv.logger.Warn("cannot decode non-streamed response for token accounting", slog.String("error", err.Error()))
		return
	}
	if resp.Usage.CompletionTokens > 0 {
		sp.state.ResponseTokens += resp.Usage.CompletionTokens
		return
	}
	for _, c := range resp.Choices {
		n, err := tokenizer.Count(sp.state.Provider.Model, c.Message.Content)
		if err == nil {
			sp.state.ResponseTokens += n
		}
	}
}

func (sp *streamProcessor) accountStreamedChunk(chunk []byte) {
	sp.respLineBuf = append(sp.respLineBuf, chunk...)
	for {
		idx := bytes.IndexByte(sp.respLineBuf, '\n')
		if idx < 0 {
			return
		}
		line := sp.respLineBuf[:idx]
		sp.respLineBuf = sp.respLineBuf[idx+1:]
		sp.accountStreamedLine(line)
	}
}

func (sp *streamProcessor) accountStreamedLine(line []byte) {
	s := strings.TrimSpace(string(line))
	s = strings.TrimPrefix(s, "data:")
	s = strings.TrimSpace(s)
	if s == "" || s == doneSentinel || s == noneSentinel {
		return
	}
	var chunk apischema.ChatCompletionChunkResponse
	if err := json.Unmarshal([]byte(s), &chunk); err != nil {
		return
	}
	if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
		sp.state.ResponseTokens = chunk.Usage.CompletionTokens
		return
	}
	for _, c := range chunk.Choices {
		if c.Delta.Content == "" {
			continue
		}
		n, err := tokenizer.Count(sp.state.Provider.Model, c.Delta.Content)
		if err == nil {
			sp.state.ResponseTokens += n
		}
	}
}
