// Package catalog builds and republishes the prompt-target catalog: the
// immutable set of intents a user turn is classified against, each backed
// by a precomputed description embedding. Construction validates the
// provider set and precomputes every target's description embedding once
// at process start, then republishes on each configuration reload.
package catalog

import (
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curvegateway/curve-gateway/internal/config"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
)

// EmbeddingKind discriminates which field of a prompt target an embedding
// vector was computed from. Only Description is populated in this
// version; Name is not computed (unlike the original's dual Name+
// Description precompute) since nothing in the scoring law reads a Name
// embedding.
type EmbeddingKind string

const (
	EmbeddingKindDescription EmbeddingKind = "description"
)

// Vector is a dense embedding.
type Vector []float64

// entryKey identifies one (target, kind) embedding slot.
type entryKey struct {
	target string
	kind   EmbeddingKind
}

// Catalog is the immutable, startup-computed mapping from prompt-target
// name to its embedding vectors, plus the target definitions themselves
// and the validated provider set. Once published it is shared by pointer
// across every request state machine; no further mutation occurs.
type Catalog struct {
	Targets   []config.PromptTarget
	byName    map[string]*config.PromptTarget
	Providers []config.LlmProvider
	defaultP  *config.LlmProvider

	embeddings map[entryKey]Vector
}

// TargetByName looks up a prompt target definition by name.
func (c *Catalog) TargetByName(name string) (*config.PromptTarget, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Description returns the description embedding for target, or nil if
// absent, rather than erroring. intent.Cosine scores a nil vector as 0,
// the same as a zero vector.
func (c *Catalog) Description(target string) Vector {
	if v, ok := c.embeddings[entryKey{target: target, kind: EmbeddingKindDescription}]; ok {
		return v
	}
	return nil
}

// DefaultProvider returns the process-wide default provider.
func (c *Catalog) DefaultProvider() *config.LlmProvider { return c.defaultP }

// ProviderByName looks up a provider by routing name.
func (c *Catalog) ProviderByName(name string) *config.LlmProvider {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// embeddingRequest/Response mirror the embeddings backend's OpenAI-style
// CreateEmbeddingRequest/Response wire contract.
type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// DefaultEmbeddingModel is the model name stamped onto every embedding
// call.
const DefaultEmbeddingModel = "curve-embeddings-v1"

// Builder drives the startup embedding precompute. It owns the staging
// map exclusively (mutated only from the single goroutine driving Build)
// and atomically publishes the finished Catalog once every target has a
// description embedding.
type Builder struct {
	cfg        *config.Configuration
	dispatcher *dispatch.Dispatcher
	embedCluster string

	published atomic.Pointer[Catalog]
}

// NewBuilder constructs a Builder bound to cfg and the dispatcher used to
// reach the embeddings cluster.
func NewBuilder(cfg *config.Configuration, dispatcher *dispatch.Dispatcher, embedCluster string) *Builder {
	return &Builder{cfg: cfg, dispatcher: dispatcher, embedCluster: embedCluster}
}

// Published returns the live catalog, or nil if the build has not
// finished. Request contexts must not be admitted while this is nil.
func (b *Builder) Published() *Catalog { return b.published.Load() }

// Reload swaps in a freshly loaded configuration and rebuilds the catalog
// against it. Used by the config watcher's Receiver hook: the Builder
// value itself never moves, only the Catalog its atomic.Pointer publishes,
// so gateway.Server's reference to this Builder stays valid across
// reloads.
func (b *Builder) Reload(ctx context.Context, cfg *config.Configuration) error {
	b.cfg = cfg
	return b.Build(ctx)
}

// Build validates the configuration, dispatches one embedding call per
// prompt target, and publishes the catalog once every call has replied
// successfully. Any single embedding failure is fatal: the filter is
// useless without a complete classification catalog, so partial catalogs
// are never published.
func (b *Builder) Build(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}

	staging := make(map[entryKey]Vector, len(b.cfg.PromptTargets))
	var mu sync.Mutex
	seen := make(map[entryKey]struct{}, len(b.cfg.PromptTargets))

	type result struct {
		key entryKey
		vec Vector
		err error
	}
	results := make(chan result, len(b.cfg.PromptTargets))

	for _, target := range b.cfg.PromptTargets {
		target := target
		k := entryKey{target: target.Name, kind: EmbeddingKindDescription}
		mu.Lock()
		if _, dup := seen[k]; dup {
			mu.Unlock()
			return fmt.Errorf("catalog: duplicate embedding target for (%s, %s)", k.target, k.kind)
		}
		seen[k] = struct{}{}
		mu.Unlock()

		go func() {
			vec, err := b.fetchEmbedding(ctx, target.Description)
			results <- result{key: k, vec: vec, err: err}
		}()
	}

	for range b.cfg.PromptTargets {
		r := <-results
		if r.err != nil {
			return fmt.Errorf("catalog: embedding for %q failed: %w", r.key.target, r.err)
		}
		if len(r.vec) == 0 {
			return fmt.Errorf("catalog: embedding for %q returned empty vector", r.key.target)
		}
		staging[r.key] = r.vec
	}

	byName := make(map[string]*config.PromptTarget, len(b.cfg.PromptTargets))
	for i := range b.cfg.PromptTargets {
		byName[b.cfg.PromptTargets[i].Name] = &b.cfg.PromptTargets[i]
	}

	cat := &Catalog{
		Targets:    b.cfg.PromptTargets,
		byName:     byName,
		Providers:  b.cfg.LlmProviders,
		defaultP:   b.cfg.DefaultProvider(),
		embeddings: staging,
	}
	b.published.Store(cat)
	return nil
}

func (b *Builder) fetchEmbedding(ctx context.Context, description string) (Vector, error) {
	return FetchEmbedding(ctx, b.dispatcher, b.embedCluster, description)
}

// FetchEmbedding issues one embedding call for text against cluster and
// returns the resulting vector. Exported so the request-time intent
// resolver can embed the user's message with the same wire contract used
// to precompute the catalog's description vectors.
func FetchEmbedding(ctx context.Context, d *dispatch.Dispatcher, cluster, text string) (Vector, error) {
	reqBody, err := json.Marshal(embeddingRequest{Input: text, Model: DefaultEmbeddingModel})
	if err != nil {
		return nil, err
	}
	_, ch, err := d.Dispatch(ctx, cluster, "/embeddings", nil, reqBody, 60*time.Second)
	if err != nil {
		return nil, err
	}
	reply := <-ch
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embeddings backend returned status %d", reply.StatusCode)
	}
	var resp embeddingResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}
