package llmqueue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ConfigProvider supplies the current routing and token policies. The
// router and the budget step read it on every request.
type ConfigProvider interface {
	RoutingConfig() RoutingConfig
	TokenPolicy() ModelTokenPolicy
}

// StaticConfig holds policies set in code.
type StaticConfig struct {
	mu      sync.RWMutex
	routing RoutingConfig
	tokens  ModelTokenPolicy
}

// NewStaticConfig normalizes rc and returns a provider serving it.
func NewStaticConfig(rc RoutingConfig, tp ModelTokenPolicy) *StaticConfig {
	return &StaticConfig{routing: rc.Normalize(), tokens: tp}
}

// Update swaps both policies. The next dequeued request sees them.
func (c *StaticConfig) Update(rc RoutingConfig, tp ModelTokenPolicy) {
	rc = rc.Normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routing = rc
	c.tokens = tp
}

func (c *StaticConfig) RoutingConfig() RoutingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routing
}

func (c *StaticConfig) TokenPolicy() ModelTokenPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// FileConfig serves policies from a YAML, JSON or TOML file and reloads it
// when its modification time or size changes. A file that fails to parse
// is logged and the last good policies stay in effect.
type FileConfig struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	modTime time.Time
	size    int64
	routing RoutingConfig
	tokens  ModelTokenPolicy
}

// NewFileConfig loads path. The first load must succeed.
func NewFileConfig(path string, logger *slog.Logger) (*FileConfig, error) {
	c := &FileConfig{path: path, logger: logger.With("component", "policy_file")}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	rc, tp, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	c.modTime, c.size = info.ModTime(), info.Size()
	c.routing, c.tokens = rc, tp
	return c, nil
}

func (c *FileConfig) RoutingConfig() RoutingConfig {
	c.refresh()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routing
}

func (c *FileConfig) TokenPolicy() ModelTokenPolicy {
	c.refresh()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *FileConfig) refresh() {
	info, err := os.Stat(c.path)
	if err != nil {
		c.logger.Warn("policy file unavailable, keeping last policies", "path", c.path, "error", err)
		return
	}

	c.mu.RLock()
	unchanged := info.ModTime().Equal(c.modTime) && info.Size() == c.size
	c.mu.RUnlock()
	if unchanged {
		return
	}

	rc, tp, err := LoadPolicyFile(c.path)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.modTime, c.size = info.ModTime(), info.Size()
	if err != nil {
		c.logger.Error("failed to reload policy file, keeping last policies", "path", c.path, "error", err)
		return
	}
	c.routing, c.tokens = rc, tp
	c.logger.Info("policy file reloaded", "path", c.path, "mode", rc.Mode, "providers", len(rc.Providers))
}

// policyFile is the on-disk policy layout.
type policyFile struct {
	Routing   routingFile             `json:"routing" yaml:"routing" toml:"routing"`
	Providers map[string]providerFile `json:"providers" yaml:"providers" toml:"providers"`
	Tokens    ModelTokenPolicy        `json:"tokens" yaml:"tokens" toml:"tokens"`
}

type routingFile struct {
	Mode            string                       `json:"mode" yaml:"mode" toml:"mode"`
	DefaultProvider string                       `json:"default_provider" yaml:"default_provider" toml:"default_provider"`
	Defaults        routingPolicyFile            `json:"defaults" yaml:"defaults" toml:"defaults"`
	PerTask         map[string]routingPolicyFile `json:"per_task" yaml:"per_task" toml:"per_task"`
}

type routingPolicyFile struct {
	Priorities             []string `json:"priorities" yaml:"priorities" toml:"priorities"`
	MaxAttempts            int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	TimeoutMs              int64    `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	RetryableErrorKinds    []string `json:"retryable_error_kinds" yaml:"retryable_error_kinds" toml:"retryable_error_kinds"`
	NonRetryableErrorKinds []string `json:"non_retryable_error_kinds" yaml:"non_retryable_error_kinds" toml:"non_retryable_error_kinds"`
	CooldownMs             int64    `json:"cooldown_ms" yaml:"cooldown_ms" toml:"cooldown_ms"`
}

type providerFile struct {
	Kind         string            `json:"kind" yaml:"kind" toml:"kind"`
	BaseURL      string            `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey       string            `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv    string            `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	DefaultModel string            `json:"default_model" yaml:"default_model" toml:"default_model"`
	TaskModels   map[string]string `json:"task_models" yaml:"task_models" toml:"task_models"`
	Models       []string          `json:"models" yaml:"models" toml:"models"`
}

// LoadPolicyFile parses path by extension and returns normalized policies.
func LoadPolicyFile(path string) (RoutingConfig, ModelTokenPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoutingConfig{}, ModelTokenPolicy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data, filepath.Ext(path))
}

// ParsePolicy decodes data in the format named by ext (".yaml", ".yml",
// ".json" or ".toml").
func ParsePolicy(data []byte, ext string) (RoutingConfig, ModelTokenPolicy, error) {
	var f policyFile
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".json":
		err = json.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return RoutingConfig{}, ModelTokenPolicy{}, fmt.Errorf("%w: unsupported policy format %q", ErrInvalidInput, ext)
	}
	if err != nil {
		return RoutingConfig{}, ModelTokenPolicy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	rc, err := f.routingConfig()
	if err != nil {
		return RoutingConfig{}, ModelTokenPolicy{}, err
	}
	return rc, f.Tokens, nil
}

func (f policyFile) routingConfig() (RoutingConfig, error) {
	rc := RoutingConfig{
		Mode:            RoutingMode(strings.ToLower(f.Routing.Mode)),
		DefaultProvider: f.Routing.DefaultProvider,
		Defaults:        f.Routing.Defaults.policy(),
		PerTask:         make(map[Task]RoutingPolicy, len(f.Routing.PerTask)),
		Providers:       make(map[string]ProviderConfig, len(f.Providers)),
	}
	switch rc.Mode {
	case "", ModeSingle, ModeFailover:
	default:
		return RoutingConfig{}, fmt.Errorf("%w: unknown routing mode %q", ErrInvalidInput, f.Routing.Mode)
	}

	for name, p := range f.Routing.PerTask {
		task, err := ParseTask(name)
		if err != nil {
			return RoutingConfig{}, err
		}
		rc.PerTask[task] = p.policy()
	}

	for id, p := range f.Providers {
		pc := ProviderConfig{
			ID:           id,
			Kind:         ProviderKind(strings.ToLower(p.Kind)),
			BaseURL:      p.BaseURL,
			APIKey:       p.APIKey,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
		}
		if pc.APIKey == "" && p.APIKeyEnv != "" {
			pc.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if len(p.TaskModels) > 0 {
			pc.TaskModels = make(map[Task]string, len(p.TaskModels))
			for name, model := range p.TaskModels {
				task, err := ParseTask(name)
				if err != nil {
					return RoutingConfig{}, err
				}
				pc.TaskModels[task] = model
			}
		}
		rc.Providers[id] = pc
	}
	return rc.Normalize(), nil
}

func (p routingPolicyFile) policy() RoutingPolicy {
	out := RoutingPolicy{
		Priorities:  p.Priorities,
		MaxAttempts: p.MaxAttempts,
		Timeout:     time.Duration(p.TimeoutMs) * time.Millisecond,
		Cooldown:    time.Duration(p.CooldownMs) * time.Millisecond,
	}
	if p.RetryableErrorKinds != nil {
		out.RetryableErrorKinds = toKinds(p.RetryableErrorKinds)
	}
	if p.NonRetryableErrorKinds != nil {
		out.NonRetryableErrorKinds = toKinds(p.NonRetryableErrorKinds)
	}
	return out
}

func toKinds(names []string) []ErrorKind {
	kinds := make([]ErrorKind, len(names))
	for i, n := range names {
		kinds[i] = ErrorKind(strings.ToLower(n))
	}
	return kinds
}

var (
	_ ConfigProvider = (*StaticConfig)(nil)
	_ ConfigProvider = (*FileConfig)(nil)
)
