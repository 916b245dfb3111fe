package backendauth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/curvegateway/curve-gateway/internal/json"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/curvegateway/curve-gateway/internal/config"
)

const (
	azureAPIVersion   = "2025-02-01-preview"
	defaultAzureScope = "https://cognitiveservices.azure.com/.default"
)

// azureTokenSource abstracts how azureHandler obtains its bearer token, so
// a static secret file and a live Azure AD credential share one Do path.
type azureTokenSource interface {
	Token(ctx context.Context) (string, error)
}

// azureHandler implements [Handler] for Azure OpenAI: a bearer token plus a
// rewrite of the request path to the per-deployment completions route.
type azureHandler struct {
	tokens azureTokenSource
}

func newAzureHandler(_ context.Context, azureAuth *config.AzureAuth) (Handler, error) {
	if azureAuth == nil {
		return nil, fmt.Errorf("backendauth: azure_ad configuration is required")
	}
	if azureAuth.TenantID != "" || azureAuth.ClientID != "" {
		cred, err := azidentity.NewClientSecretCredential(azureAuth.TenantID, azureAuth.ClientID, azureAuth.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("backendauth: build azure client secret credential: %w", err)
		}
		scope := azureAuth.Scope
		if scope == "" {
			scope = defaultAzureScope
		}
		return &azureHandler{tokens: &credentialTokenSource{cred: cred, opts: policy.TokenRequestOptions{Scopes: []string{scope}}}}, nil
	}
	token, err := readStaticAzureToken(azureAuth.Filename)
	if err != nil {
		return nil, err
	}
	return &azureHandler{tokens: staticTokenSource(token)}, nil
}

// credentialTokenSource fetches a fresh access token from Azure AD on every
// call; azidentity.ClientSecretCredential caches and refreshes internally.
type credentialTokenSource struct {
	cred *azidentity.ClientSecretCredential
	opts policy.TokenRequestOptions
}

func (c *credentialTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := c.cred.GetToken(ctx, c.opts)
	if err != nil {
		return "", fmt.Errorf("backendauth: acquire azure ad token: %w", err)
	}
	return tok.Token, nil
}

// staticTokenSource serves the same pre-provisioned token for the life of
// the process, for operators who rotate secrets out-of-band.
type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

func readStaticAzureToken(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("backendauth: azure_ad requires either tenant_id/client_id or filename")
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("failed to read azure access token file: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 && strings.TrimSpace(parts[0]) == "azure_access_token" {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token, nil
			}
		}
	}
	return "", fmt.Errorf("azure_access_token not found in the secret file")
}

func (a *azureHandler) Do(ctx context.Context, requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, bodyMut *extprocv3.BodyMutation) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}
	requestHeaders["Authorization"] = fmt.Sprintf("Bearer %s", token)
	headerMut.SetHeaders = append(headerMut.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{Key: "Authorization", RawValue: []byte(requestHeaders["Authorization"])},
	})

	model, err := extractModel(bodyMut.GetBody())
	if err != nil {
		return fmt.Errorf("cannot extract model from request: %w", err)
	}
	return rewriteAzurePath(requestHeaders, headerMut, model)
}

func extractModel(body []byte) (string, error) {
	var reqBody struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &reqBody); err != nil {
		return "", err
	}
	return reqBody.Model, nil
}

// rewriteAzurePath assumes the Azure deployment id equals the model name
// and hardcodes the preview api-version; only the chat-completions route
// is supported.
func rewriteAzurePath(requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, model string) error {
	if requestHeaders[":path"] != "/v1/chat/completions" {
		return fmt.Errorf("unsupported request path for Azure OpenAI: %s", requestHeaders[":path"])
	}
	azurePath := fmt.Sprintf("/openai/deployments/%s/chat/completion?api-version=%s", model, azureAPIVersion)
	requestHeaders[":path"] = azurePath
	for _, h := range headerMut.SetHeaders {
		if h.Header.Key == ":path" {
			if len(h.Header.Value) > 0 {
				h.Header.Value = azurePath
			} else {
				h.Header.RawValue = []byte(azurePath)
			}
			return nil
		}
	}
	headerMut.SetHeaders = append(headerMut.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{Key: ":path", RawValue: []byte(azurePath)},
	})
	return nil
}
