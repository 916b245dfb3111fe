package backendauth

import (
	"os"
	"path/filepath"
	"testing"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
)

func TestAPIKeyHandler_Do_Literal(t *testing.T) {
	h, err := newAPIKeyHandler(&config.APIKeyAuth{Key: "sk-test"}, nil)
	require.NoError(t, err)

	headers := map[string]string{}
	headerMut := &extprocv3.HeaderMutation{}
	require.NoError(t, h.Do(t.Context(), headers, headerMut, nil))
	require.Equal(t, "Bearer sk-test", headers["Authorization"])
	require.Len(t, headerMut.SetHeaders, 1)
}

func TestAPIKeyHandler_Do_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("sk-from-file\n"), 0o600))

	h, err := newAPIKeyHandler(&config.APIKeyAuth{Filename: path}, nil)
	require.NoError(t, err)

	headers := map[string]string{}
	headerMut := &extprocv3.HeaderMutation{}
	require.NoError(t, h.Do(t.Context(), headers, headerMut, nil))
	require.Equal(t, "Bearer sk-from-file", headers["Authorization"])
}

func TestAPIKeyHandler_NilConfig(t *testing.T) {
	_, err := newAPIKeyHandler(nil, nil)
	require.Error(t, err)
}
