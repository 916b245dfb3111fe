// Package config defines the gateway's YAML configuration schema and the
// process-wide immutable types derived from it: the prompt-target catalog
// inputs, the llm provider set, rate-limit policy, and prompt guards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MessageFormat selects the on-wire request/response dialect the listener
// expects. Only "openai" is implemented; the field exists so configs can
// name their dialect explicitly.
type MessageFormat string

const (
	MessageFormatOpenAI MessageFormat = "openai"
)

// Listener describes the address the ext_proc gRPC server binds to.
type Listener struct {
	Address       string        `yaml:"address"`
	Port          int           `yaml:"port"`
	MessageFormat MessageFormat `yaml:"message_format"`
}

// Endpoint names an upstream cluster: embeddings, zero-shot classifier,
// jailbreak guard, function resolver, or a user tool backend.
type Endpoint struct {
	Endpoint string        `yaml:"endpoint"`
	Path     string        `yaml:"path,omitempty"`
	Method   string        `yaml:"method,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// Parameter is a single typed argument a prompt target's tool call accepts.
type Parameter struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
	Default     string   `yaml:"default,omitempty"`
}

// EndpointDetails names the endpoint a prompt target's tool call is routed
// through, by key into the top-level endpoints map.
type EndpointDetails struct {
	Name string `yaml:"name"`
	Path string `yaml:"path,omitempty"`
}

// PromptTarget is one entry in the intent-routing catalog: a human
// description (fed to the embedding + zero-shot classifiers), an optional
// tool endpoint, and the parameters that endpoint's function-call accepts.
type PromptTarget struct {
	Name        string            `yaml:"name"`
	Default     bool              `yaml:"default,omitempty"`
	Description string            `yaml:"description"`
	Endpoint    *EndpointDetails  `yaml:"endpoint,omitempty"`
	Parameters  []Parameter       `yaml:"parameters,omitempty"`
	SystemPrompt string           `yaml:"system_prompt,omitempty"`

	// AutoLLMDispatchOnResponse is carried from the original wire schema
	// for compatibility but is never read by the request state machine.
	AutoLLMDispatchOnResponse bool `yaml:"auto_llm_dispatch_on_response,omitempty"`
}

// OnExceptionDetails configures a guard's rejection reply. Message is used
// as the 400 body both when the guard's backend call fails and when the
// guard flags the request; ForwardToErrorTarget and ErrorHandler are parsed
// but not read by the request state machine.
type OnExceptionDetails struct {
	ForwardToErrorTarget bool   `yaml:"forward_to_error_target,omitempty"`
	ErrorHandler         string `yaml:"error_handler,omitempty"`
	Message              string `yaml:"message,omitempty"`
}

// GuardOptions wraps a single guard's exception policy.
type GuardOptions struct {
	OnException *OnExceptionDetails `yaml:"on_exception,omitempty"`
}

// PromptGuards holds the configured input guards. Only Jailbreak is
// implemented; the struct shape leaves room for future guard types without
// changing the YAML surface.
type PromptGuards struct {
	InputGuards struct {
		Jailbreak *GuardOptions `yaml:"jailbreak,omitempty"`
	} `yaml:"input_guards"`
}

// JailbreakConfigured reports whether a jailbreak guard is present, which
// the request state machine uses to decide whether to route through
// GUARD_PENDING before EMB_PENDING.
func (g *PromptGuards) JailbreakConfigured() bool {
	return g != nil && g.InputGuards.Jailbreak != nil
}

// JailbreakOnExceptionMessage returns the configured exception message, or
// the empty string if none was set.
func (g *PromptGuards) JailbreakOnExceptionMessage() string {
	if !g.JailbreakConfigured() {
		return ""
	}
	jb := g.InputGuards.Jailbreak
	if jb.OnException == nil {
		return ""
	}
	return jb.OnException.Message
}

// TimeUnit is the window unit for a rate-limit policy.
type TimeUnit string

const (
	TimeUnitSecond TimeUnit = "second"
	TimeUnitMinute TimeUnit = "minute"
	TimeUnitHour   TimeUnit = "hour"
)

// Duration converts the unit to a time.Duration.
func (u TimeUnit) Duration() time.Duration {
	switch u {
	case TimeUnitSecond:
		return time.Second
	case TimeUnitHour:
		return time.Hour
	default:
		return time.Minute
	}
}

// Limit is a token quota over a window.
type Limit struct {
	Tokens   int      `yaml:"tokens"`
	Unit     TimeUnit `yaml:"unit"`
}

// Header names the selector header a ratelimit policy is keyed against.
type Header struct {
	Header string `yaml:"header"`
}

// LlmRatelimitSelector pairs a header-derived selector with its quota.
type LlmRatelimitSelector struct {
	Header Header `yaml:"header"`
	Limit  Limit  `yaml:"limit"`
}

// LlmRatelimit is one provider's rate-limit policy, keyed by a request
// header value (e.g. a tenant or API-key id).
type LlmRatelimit struct {
	Model     string                 `yaml:"model"`
	Selectors []LlmRatelimitSelector `yaml:"selectors"`
}

// AuthType discriminates the backend-auth strategy a provider uses to
// authenticate against its upstream.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeAWS    AuthType = "aws_sigv4"
	AuthTypeAzure  AuthType = "azure_ad"
	AuthTypeOIDC   AuthType = "oidc"
)

// APIKeyAuth is a static bearer token, optionally sourced from a file so it
// can be rotated without a config reload.
type APIKeyAuth struct {
	Key      string `yaml:"key,omitempty"`
	Filename string `yaml:"filename,omitempty"`
}

// AWSAuth configures SigV4 signing against AWS Bedrock.
type AWSAuth struct {
	Region             string `yaml:"region"`
	CredentialFileName string `yaml:"credential_file,omitempty"`
}

// AzureAuth configures Azure AD bearer-token auth plus the Azure OpenAI
// deployment path rewrite. When TenantID/ClientID/ClientSecret are set, a
// client-secret credential acquires and refreshes its own access tokens;
// otherwise Filename names a static secret file to read the token from.
type AzureAuth struct {
	Filename     string `yaml:"filename,omitempty"`
	TenantID     string `yaml:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	Scope        string `yaml:"scope,omitempty"`
}

// OIDCProvider names the OIDC issuer used for discovery.
type OIDCProvider struct {
	Issuer string `yaml:"issuer"`
}

// OIDCAuth configures client-credentials token exchange.
type OIDCAuth struct {
	Provider             OIDCProvider `yaml:"provider"`
	ClientID             string       `yaml:"client_id"`
	ClientSecretFile     string       `yaml:"client_secret_file"`
	Scopes               []string     `yaml:"scopes,omitempty"`
	Audience             string       `yaml:"audience,omitempty"`
}

// BackendAuth is a tagged union over the supported auth strategies; exactly
// one of the pointer fields matching Type should be set.
type BackendAuth struct {
	Type   AuthType    `yaml:"type"`
	APIKey *APIKeyAuth `yaml:"api_key,omitempty"`
	AWS    *AWSAuth    `yaml:"aws_sigv4,omitempty"`
	Azure  *AzureAuth  `yaml:"azure_ad,omitempty"`
	OIDC   *OIDCAuth   `yaml:"oidc,omitempty"`
}

// LlmProvider is one upstream chat-completions backend in the process-wide
// immutable provider set.
type LlmProvider struct {
	Name         string         `yaml:"name"`
	Provider     string         `yaml:"provider"`
	APIKeyHeader string         `yaml:"api_key_header,omitempty"`
	AccessKey    string         `yaml:"access_key,omitempty"`
	Model        string         `yaml:"model"`
	Default      bool           `yaml:"default,omitempty"`
	Stream       bool           `yaml:"stream,omitempty"`
	RateLimits   []LlmRatelimit `yaml:"rate_limits,omitempty"`
	Auth         *BackendAuth   `yaml:"auth,omitempty"`
}

func (p LlmProvider) String() string {
	return fmt.Sprintf("%s(provider=%s,model=%s,default=%t)", p.Name, p.Provider, p.Model, p.Default)
}

// Overrides holds operator-tunable thresholds with package-level defaults.
type Overrides struct {
	PromptTargetIntentMatchingThreshold *float64 `yaml:"prompt_target_intent_matching_threshold,omitempty"`
}

// Tracing configures the OpenTelemetry tracer provider.
type Tracing struct {
	SamplingRate *float64 `yaml:"sampling_rate,omitempty"`
}

// ErrorTarget names where exception-routed requests are forwarded.
type ErrorTarget struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Configuration is the top-level YAML document the gateway loads at
// startup and on every config-watcher poll.
type Configuration struct {
	Version       string                  `yaml:"version"`
	Listener      Listener                `yaml:"listener"`
	Endpoints     map[string]Endpoint     `yaml:"endpoints,omitempty"`
	LlmProviders  []LlmProvider           `yaml:"llm_providers"`
	Overrides     *Overrides              `yaml:"overrides,omitempty"`
	SystemPrompt  string                  `yaml:"system_prompt,omitempty"`
	PromptGuards  *PromptGuards           `yaml:"prompt_guards,omitempty"`
	PromptTargets []PromptTarget          `yaml:"prompt_targets"`
	ErrorTarget   *ErrorTarget            `yaml:"error_target,omitempty"`
	Ratelimits    []LlmRatelimit          `yaml:"ratelimits,omitempty"`
	TracingConfig *Tracing                `yaml:"tracing,omitempty"`
}

// DefaultPromptTargetThreshold is used when Overrides.PromptTargetIntentMatchingThreshold
// is unset.
const DefaultPromptTargetThreshold = 0.6

// PromptTargetThreshold returns the configured threshold or the default.
func (c *Configuration) PromptTargetThreshold() float64 {
	if c.Overrides != nil && c.Overrides.PromptTargetIntentMatchingThreshold != nil {
		return *c.Overrides.PromptTargetIntentMatchingThreshold
	}
	return DefaultPromptTargetThreshold
}

// DefaultProvider returns the process-wide default provider, validated at
// load time to be exactly one.
func (c *Configuration) DefaultProvider() *LlmProvider {
	for i := range c.LlmProviders {
		if c.LlmProviders[i].Default {
			return &c.LlmProviders[i]
		}
	}
	return nil
}

// ProviderByName looks up a provider by its routing name.
func (c *Configuration) ProviderByName(name string) *LlmProvider {
	for i := range c.LlmProviders {
		if c.LlmProviders[i].Name == name {
			return &c.LlmProviders[i]
		}
	}
	return nil
}

// Validate checks the invariants catalog construction depends on: exactly
// one default provider, and unique prompt-target names.
func (c *Configuration) Validate() error {
	defaults := 0
	for _, p := range c.LlmProviders {
		if p.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("config: exactly one llm_provider must be marked default, found %d", defaults)
	}
	seen := make(map[string]struct{}, len(c.PromptTargets))
	for _, t := range c.PromptTargets {
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("config: duplicate prompt_target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Load reads and parses a Configuration document from path.
func Load(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a Configuration document and validates it.
func Parse(raw []byte) (*Configuration, error) {
	var c Configuration
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
