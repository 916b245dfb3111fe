package backendauth

import (
	"os"
	"path/filepath"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
)

func TestAzureHandler_Do(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azure-secret")
	require.NoError(t, os.WriteFile(path, []byte("azure_access_token=abc123\n"), 0o600))

	h, err := newAzureHandler(t.Context(), &config.AzureAuth{Filename: path})
	require.NoError(t, err)

	requestHeaders := map[string]string{":path": "/v1/chat/completions"}
	headerMut := &extprocv3.HeaderMutation{
		SetHeaders: []*corev3.HeaderValueOption{
			{Header: &corev3.HeaderValue{Key: ":path", RawValue: []byte("/v1/chat/completions")}},
		},
	}
	bodyMut := &extprocv3.BodyMutation{
		Mutation: &extprocv3.BodyMutation_Body{Body: []byte(`{"model":"gpt-4o"}`)},
	}
	require.NoError(t, h.Do(t.Context(), requestHeaders, headerMut, bodyMut))
	require.Equal(t, "Bearer abc123", requestHeaders["Authorization"])
	require.Contains(t, requestHeaders[":path"], "/openai/deployments/gpt-4o/chat/completion")
}

func TestNewAzureHandler_BuildsCredentialFromClientSecret(t *testing.T) {
	h, err := newAzureHandler(t.Context(), &config.AzureAuth{
		TenantID: "tenant", ClientID: "client", ClientSecret: "secret",
	})
	require.NoError(t, err)
	_, ok := h.(*azureHandler).tokens.(*credentialTokenSource)
	require.True(t, ok)
}

func TestNewAzureHandler_RequiresFilenameOrCredential(t *testing.T) {
	_, err := newAzureHandler(t.Context(), &config.AzureAuth{})
	require.Error(t, err)
}

func TestAzureHandler_UnsupportedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azure-secret")
	require.NoError(t, os.WriteFile(path, []byte("azure_access_token=abc123\n"), 0o600))

	h, err := newAzureHandler(t.Context(), &config.AzureAuth{Filename: path})
	require.NoError(t, err)

	requestHeaders := map[string]string{":path": "/v1/embeddings"}
	headerMut := &extprocv3.HeaderMutation{}
	bodyMut := &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: []byte(`{"model":"gpt-4o"}`)}}
	require.Error(t, h.Do(t.Context(), requestHeaders, headerMut, bodyMut))
}
