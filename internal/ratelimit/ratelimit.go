// Package ratelimit implements a per-(model, selector) token-bucket rate
// limiter: Check(model, selector, tokens) reports whether the request's
// estimated token cost fits under the configured policy's budget.
// golang.org/x/time/rate.Limiter backs each (model, selector) pair, sized
// from the matching policy.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/curvegateway/curve-gateway/internal/config"
)

// key identifies one limiter bucket.
type key struct {
	model    string
	selector string
}

// Limiter enforces per-(model,selector) token quotas drawn from the
// configured LlmRatelimit policies.
type Limiter struct {
	mu       sync.Mutex
	limiters map[key]*rate.Limiter
	policies map[string][]config.LlmRatelimitSelector // model -> selectors
}

// New builds a Limiter from the configured policies. Each policy's
// selectors carve the model's quota by header value (e.g. one bucket per
// tenant), replenished at Limit.Tokens per Limit.Unit.
func New(policies []config.LlmRatelimit) *Limiter {
	byModel := make(map[string][]config.LlmRatelimitSelector, len(policies))
	for _, p := range policies {
		byModel[p.Model] = p.Selectors
	}
	return &Limiter{
		limiters: make(map[key]*rate.Limiter),
		policies: byModel,
	}
}

// Check asks whether tokens more tokens may be spent against (model,
// selector). A model with no configured policy is always allowed: the
// rate-limit gate only engages when a selector header was actually
// captured and a policy exists for the request's model.
func (l *Limiter) Check(model, selector string, tokens int) bool {
	selectors, ok := l.policies[model]
	if !ok {
		return true
	}
	for _, s := range selectors {
		lim := l.limiterFor(key{model: model, selector: selector}, s.Limit)
		if !lim.AllowN(time.Now(), tokens) {
			return false
		}
	}
	return true
}

func (l *Limiter) limiterFor(k key, limit config.Limit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[k]; ok {
		return lim
	}
	perSecond := float64(limit.Tokens) / limit.Unit.Duration().Seconds()
	lim := rate.NewLimiter(rate.Limit(perSecond), limit.Tokens)
	l.limiters[k] = lim
	return lim
}
