// Package backendauth rewrites outbound request headers (and, where the
// upstream wire format demands it, the path) to authenticate against the
// provider a request was routed to. One Handler per auth.BackendAuth.Type.
package backendauth

import (
	"context"
	"errors"
	"log/slog"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/curvegateway/curve-gateway/internal/config"
)

// Handler performs the backend auth, mutating the outbound header and body
// mutations that will be sent back to the host.
type Handler interface {
	Do(ctx context.Context, requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, bodyMut *extprocv3.BodyMutation) error
}

// NewHandler returns the Handler implementation selected by auth.Type.
func NewHandler(ctx context.Context, auth *config.BackendAuth, logger *slog.Logger) (Handler, error) {
	if auth == nil {
		return nil, errors.New("backendauth: no auth configuration")
	}
	switch auth.Type {
	case config.AuthTypeAWS:
		return newAWSHandler(ctx, auth.AWS)
	case config.AuthTypeAPIKey:
		return newAPIKeyHandler(auth.APIKey, logger)
	case config.AuthTypeAzure:
		return newAzureHandler(ctx, auth.Azure)
	case config.AuthTypeOIDC:
		return newOIDCHandler(auth.OIDC, auth.OIDC.ClientSecretFile)
	default:
		return nil, errors.New("backendauth: unknown auth type " + string(auth.Type))
	}
}
