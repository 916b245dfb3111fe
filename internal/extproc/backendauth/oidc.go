package backendauth

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/curvegateway/curve-gateway/internal/config"
)

type oauth2TokenWithExp struct {
	token   *oauth2.Token
	expTime time.Time
}

// oidcHandler implements [Handler] via OAuth2 client-credentials token
// exchange, discovered through the configured OIDC issuer. The token is
// cached and refreshed 5 minutes before expiry by a background goroutine.
type oidcHandler struct {
	clientSecretFileName string
	cache                oauth2TokenWithExp
	cfg                  *config.OIDCAuth
}

func newOIDCHandler(auth *config.OIDCAuth, clientSecretFileName string) (Handler, error) {
	if auth == nil {
		return nil, fmt.Errorf("backendauth: oidc configuration is required")
	}
	h := &oidcHandler{clientSecretFileName: clientSecretFileName, cfg: auth}
	go h.refreshLoop()
	return h, nil
}

func (h *oidcHandler) Do(ctx context.Context, requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, _ *extprocv3.BodyMutation) error {
	if err := h.refreshIfExpired(ctx); err != nil {
		return fmt.Errorf("failed to refresh oidc token: %w", err)
	}
	requestHeaders["Authorization"] = fmt.Sprintf("Bearer %s", h.cache.token.AccessToken)
	headerMut.SetHeaders = append(headerMut.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{Key: "Authorization", RawValue: []byte(requestHeaders["Authorization"])},
	})
	return nil
}

func (h *oidcHandler) fetchToken(ctx context.Context) (*oauth2.Token, error) {
	provider, err := oidc.NewProvider(ctx, h.cfg.Provider.Issuer)
	if err != nil {
		return nil, fmt.Errorf("fail to create oidc provider: %w", err)
	}
	clientSecret, err := h.readClientSecret()
	if err != nil {
		return nil, fmt.Errorf("fail to read client secret: %w", err)
	}
	oauth2Config := clientcredentials.Config{
		ClientID:     h.cfg.ClientID,
		ClientSecret: clientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
		Scopes:       h.cfg.Scopes,
	}
	if h.cfg.Audience != "" {
		oauth2Config.EndpointParams = url.Values{"audience": []string{h.cfg.Audience}}
	}
	t, err := oauth2Config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to fetch oauth2 token: %w", err)
	}
	return t, nil
}

func tokenExpireTime(accessToken *oauth2.Token) (time.Time, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(accessToken.AccessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("fail to parse oauth2 token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, fmt.Errorf("fail to parse oauth2 token claims")
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("fail to parse oauth2 token exp claim")
	}
	return time.Unix(int64(exp), 0), nil
}

func (h *oidcHandler) refreshIfExpired(ctx context.Context) error {
	if h.cache.token == nil || time.Now().After(h.cache.expTime.Add(-5*time.Minute)) {
		token, err := h.fetchToken(ctx)
		if err != nil {
			return err
		}
		expireTime, err := tokenExpireTime(token)
		if err != nil {
			return err
		}
		h.cache.token = token
		h.cache.expTime = expireTime
	}
	return nil
}

func (h *oidcHandler) readClientSecret() (string, error) {
	secret, err := os.ReadFile(h.clientSecretFileName)
	if err != nil {
		return "", fmt.Errorf("failed to read client secret file: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func (h *oidcHandler) refreshLoop() {
	for {
		if err := h.refreshIfExpired(context.Background()); err != nil {
			return
		}
		time.Sleep(time.Minute)
	}
}
