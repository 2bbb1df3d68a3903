package llmqueue

import (
	"slices"
	"time"
)

// RoutingMode selects how the priority list is built.
type RoutingMode string

const (
	ModeSingle   RoutingMode = "single"
	ModeFailover RoutingMode = "failover"
)

// ProviderKind names the adapter family that speaks to a provider.
type ProviderKind string

const (
	KindOllama    ProviderKind = "ollama"
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "anthropic"
)

// RoutingPolicy is the per-task routing policy.
type RoutingPolicy struct {
	Priorities             []string
	MaxAttempts            int
	Timeout                time.Duration
	RetryableErrorKinds    []ErrorKind
	NonRetryableErrorKinds []ErrorKind
	Cooldown               time.Duration
}

// DefaultRoutingPolicy is merged under every configured policy.
func DefaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{
		MaxAttempts:            3,
		Timeout:                60 * time.Second,
		RetryableErrorKinds:    []ErrorKind{KindTimeout, KindRateLimit, KindOverloaded, KindServerError},
		NonRetryableErrorKinds: []ErrorKind{KindAuth, KindInvalidRequest, KindQuotaExceeded},
		Cooldown:               30 * time.Second,
	}
}

// IsNonRetryable reports whether a failure of kind skips to the next
// provider without consuming an attempt. Unlisted kinds count as retryable.
func (p RoutingPolicy) IsNonRetryable(kind ErrorKind) bool {
	return slices.Contains(p.NonRetryableErrorKinds, kind) && !slices.Contains(p.RetryableErrorKinds, kind)
}

// withDefaults fills unset fields from base.
func (p RoutingPolicy) withDefaults(base RoutingPolicy) RoutingPolicy {
	if len(p.Priorities) == 0 {
		p.Priorities = base.Priorities
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = base.Timeout
	}
	if p.RetryableErrorKinds == nil {
		p.RetryableErrorKinds = base.RetryableErrorKinds
	}
	if p.NonRetryableErrorKinds == nil {
		p.NonRetryableErrorKinds = base.NonRetryableErrorKinds
	}
	if p.Cooldown == 0 {
		p.Cooldown = base.Cooldown
	}
	return p
}

// ProviderConfig describes one configured provider.
type ProviderConfig struct {
	ID           string
	Kind         ProviderKind
	BaseURL      string
	APIKey       string
	DefaultModel string
	TaskModels   map[Task]string
	// Models lists models the provider serves. A payload model hint is only
	// honored when it appears here.
	Models []string
}

// ModelFor resolves the model for task. hint wins when this provider lists it.
func (c ProviderConfig) ModelFor(task Task, hint string) string {
	if hint != "" && slices.Contains(c.Models, hint) {
		return hint
	}
	if m := c.TaskModels[task]; m != "" {
		return m
	}
	return c.DefaultModel
}

// RoutingConfig is the full routing configuration.
type RoutingConfig struct {
	Mode            RoutingMode
	DefaultProvider string
	Defaults        RoutingPolicy
	PerTask         map[Task]RoutingPolicy
	Providers       map[string]ProviderConfig
}

// Normalize merges defaults into every level. Call it once per load; the
// accessors below assume it has run.
func (c RoutingConfig) Normalize() RoutingConfig {
	if c.Mode == "" {
		c.Mode = ModeFailover
	}
	c.Defaults = c.Defaults.withDefaults(DefaultRoutingPolicy())
	if c.DefaultProvider == "" && len(c.Defaults.Priorities) > 0 {
		c.DefaultProvider = c.Defaults.Priorities[0]
	}

	perTask := make(map[Task]RoutingPolicy, len(c.PerTask))
	for task, p := range c.PerTask {
		perTask[task] = p.withDefaults(c.Defaults)
	}
	c.PerTask = perTask

	providers := make(map[string]ProviderConfig, len(c.Providers))
	for id, pc := range c.Providers {
		if pc.ID == "" {
			pc.ID = id
		}
		providers[id] = pc
	}
	c.Providers = providers
	return c
}

// PolicyFor returns the merged policy for task.
func (c RoutingConfig) PolicyFor(task Task) RoutingPolicy {
	if p, ok := c.PerTask[task]; ok {
		return p
	}
	return c.Defaults
}

// PriorityList returns the providers to try for task, in order.
func (c RoutingConfig) PriorityList(task Task) []string {
	if c.Mode == ModeSingle {
		if c.DefaultProvider == "" {
			return nil
		}
		return []string{c.DefaultProvider}
	}
	return append([]string(nil), c.PolicyFor(task).Priorities...)
}

// Provider returns the config for id, or a bare config when id is not listed.
func (c RoutingConfig) Provider(id string) ProviderConfig {
	if pc, ok := c.Providers[id]; ok {
		return pc
	}
	return ProviderConfig{ID: id}
}
