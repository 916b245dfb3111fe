package backendauth

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
)

func writeCredentialsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials")
	body := "[default]\nAWS_ACCESS_KEY_ID=test\nAWS_SECRET_ACCESS_KEY=secret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewAWSHandler(t *testing.T) {
	t.Run("credentials file", func(t *testing.T) {
		handler, err := newAWSHandler(t.Context(), &config.AWSAuth{
			CredentialFileName: writeCredentialsFile(t),
			Region:             "us-east-1",
		})
		require.NoError(t, err)
		require.NotNil(t, handler)
	})

	t.Run("nil config", func(t *testing.T) {
		handler, err := newAWSHandler(t.Context(), nil)
		require.Error(t, err)
		require.Nil(t, handler)
	})
}

func TestAWSHandler_Do(t *testing.T) {
	handler, err := newAWSHandler(t.Context(), &config.AWSAuth{
		CredentialFileName: writeCredentialsFile(t),
		Region:             "us-east-1",
	})
	require.NoError(t, err)

	// Do is called concurrently across streams, so exercise it from many
	// goroutines to catch any shared mutable state.
	var wg sync.WaitGroup
	wg.Add(50)
	for range 50 {
		go func() {
			defer wg.Done()
			requestHeaders := map[string]string{":method": "POST"}
			headerMut := &extprocv3.HeaderMutation{
				SetHeaders: []*corev3.HeaderValueOption{
					{Header: &corev3.HeaderValue{Key: ":path", Value: "/model/some-model/converse"}},
				},
			}
			bodyMut := &extprocv3.BodyMutation{
				Mutation: &extprocv3.BodyMutation_Body{
					Body: []byte(`{"messages":[{"role":"user","content":[{"text":"hi"}]}]}`),
				},
			}
			require.NoError(t, handler.Do(t.Context(), requestHeaders, headerMut, bodyMut))

			headers := map[string]string{}
			for _, h := range headerMut.SetHeaders {
				headers[h.Header.Key] = string(h.Header.RawValue)
			}
			require.Contains(t, headers, "X-Amz-Date")
			require.Contains(t, headers, "Authorization")
		}()
	}
	wg.Wait()
}
