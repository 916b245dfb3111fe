package backendauth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/curvegateway/curve-gateway/internal/config"
)

// apiKeyHandler implements [Handler] for a static bearer token, optionally
// re-read from disk on every request so it can be rotated without a
// config reload.
type apiKeyHandler struct {
	key      string
	fileName string
	logger   *slog.Logger
}

func newAPIKeyHandler(auth *config.APIKeyAuth, logger *slog.Logger) (Handler, error) {
	if auth == nil {
		return nil, fmt.Errorf("backendauth: api_key configuration is required")
	}
	return &apiKeyHandler{key: auth.Key, fileName: auth.Filename, logger: logger}, nil
}

// Do implements [Handler.Do]. Extracts the api key from the configured
// literal or file and sets it as the Authorization header.
func (a *apiKeyHandler) Do(_ context.Context, requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, _ *extprocv3.BodyMutation) error {
	key := a.key
	if a.fileName != "" {
		secret, err := os.ReadFile(a.fileName)
		if err != nil {
			return fmt.Errorf("failed to read api key file: %w", err)
		}
		key = strings.TrimSpace(string(secret))
	}
	requestHeaders["Authorization"] = fmt.Sprintf("Bearer %s", key)
	headerMut.SetHeaders = append(headerMut.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{Key: "Authorization", RawValue: []byte(requestHeaders["Authorization"])},
	})
	return nil
}
