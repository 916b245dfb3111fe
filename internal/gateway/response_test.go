package gateway

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
)

func newTestStreamProcessor() *streamProcessor {
	srv := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	return &streamProcessor{
		srv:   srv,
		state: RequestState{Provider: &config.LlmProvider{Model: "gpt-4o"}, IsChatCompletions: true},
	}
}

func TestAccountNonStreamed_UsesReportedUsage(t *testing.T) {
	sp := newTestStreamProcessor()
	sp.accountNonStreamed([]byte(`{"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],"usage":{"completion_tokens":7}}`))
	require.Equal(t, 7, sp.state.ResponseTokens)
}

func TestAccountNonStreamed_EstimatesWhenUsageAbsent(t *testing.T) {
	sp := newTestStreamProcessor()
	sp.accountNonStreamed([]byte(`{"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hello there"}}]}`))
	require.Greater(t, sp.state.ResponseTokens, 0)
}

func TestAccountStreamedChunk_AccumulatesAcrossFrames(t *testing.T) {
	sp := newTestStreamProcessor()
	sp.accountStreamedChunk([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n"))
	sp.accountStreamedChunk([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" there\"}}]}\n"))
	first := sp.state.ResponseTokens
	require.Greater(t, first, 0)
	sp.accountStreamedChunk([]byte("data: [DONE]\n"))
	require.Equal(t, first, sp.state.ResponseTokens)
}

func TestAccountStreamedChunk_TolerateNoneSentinel(t *testing.T) {
	sp := newTestStreamProcessor()
	sp.accountStreamedChunk([]byte("data: [NONE]\n"))
	require.Equal(t, 0, sp.state.ResponseTokens)
}

func TestAccountStreamedChunk_PartialLineCarriesOverBuffer(t *testing.T) {
	sp := newTestStreamProcessor()
	sp.accountStreamedChunk([]byte("data: {\"model\":\"gpt-4o\",\"choi"))
	require.Equal(t, 0, sp.state.ResponseTokens)
	sp.accountStreamedChunk([]byte("ces\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n"))
	require.Greater(t, sp.state.ResponseTokens, 0)
}
