package catalog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
)

func testConfig() *config.Configuration {
	return &config.Configuration{
		LlmProviders: []config.LlmProvider{{Name: "openai", Model: "gpt-4o", Default: true}},
		PromptTargets: []config.PromptTarget{
			{Name: "book_flight", Description: "book a flight"},
			{Name: "weather", Description: "get the weather"},
		},
	}
}

func TestBuilder_Build_PublishesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embeddingResponse{Data: []struct {
			Embedding []float64 `json:"embedding"`
		}{{Embedding: []float64{1, 0, 0}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := dispatch.New(map[string]string{"embeddings": srv.URL}, nil)
	b := NewBuilder(testConfig(), d, "embeddings")
	require.Nil(t, b.Published())
	require.NoError(t, b.Build(t.Context()))

	cat := b.Published()
	require.NotNil(t, cat)
	require.Len(t, cat.Targets, 2)
	require.Equal(t, Vector{1, 0, 0}, cat.Description("book_flight"))
	require.Equal(t, "openai", cat.DefaultProvider().Name)
}

func TestBuilder_Build_FailsClosedOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := dispatch.New(map[string]string{"embeddings": srv.URL}, nil)
	b := NewBuilder(testConfig(), d, "embeddings")
	require.Error(t, b.Build(t.Context()))
	require.Nil(t, b.Published())
}

func TestCatalog_DescriptionOfUnknownTargetIsZeroVector(t *testing.T) {
	cat := &Catalog{embeddings: map[entryKey]Vector{}}
	require.Nil(t, cat.Description("nope"))
}
