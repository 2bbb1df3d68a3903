package llmqueue

import (
	"strings"
	"sync"
)

// ModelMetadataProvider resolves model limits for (provider, model).
type ModelMetadataProvider interface {
	ModelInfo(providerID, modelID string) (ModelInfo, bool)
}

// StaticCatalog is an in-memory ModelMetadataProvider. Entries are keyed
// either "provider:model" or by bare model name.
type StaticCatalog struct {
	mu      sync.RWMutex
	entries map[string]ModelInfo
}

// NewStaticCatalog returns an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{entries: make(map[string]ModelInfo)}
}

// DefaultCatalog returns a catalog preloaded with well-known models.
func DefaultCatalog() *StaticCatalog {
	c := NewStaticCatalog()
	for model, info := range map[string]ModelInfo{
		"gpt-4o":                     {ContextWindow: 128000, MaxOutputTokens: 16384},
		"gpt-4o-mini":                {ContextWindow: 128000, MaxOutputTokens: 16384},
		"gpt-4.1":                    {ContextWindow: 1047576, MaxOutputTokens: 32768},
		"gpt-4.1-mini":               {ContextWindow: 1047576, MaxOutputTokens: 32768},
		"text-embedding-3-small":     {ContextWindow: 8191},
		"text-embedding-3-large":     {ContextWindow: 8191},
		"llama3.1":                   {ContextWindow: 131072, MaxOutputTokens: 4096},
		"llama3.2":                   {ContextWindow: 131072, MaxOutputTokens: 4096},
		"mistral":                    {ContextWindow: 32768, MaxOutputTokens: 4096},
		"qwen2.5":                    {ContextWindow: 32768, MaxOutputTokens: 8192},
		"gemma2":                     {ContextWindow: 8192, MaxOutputTokens: 2048},
		"nomic-embed-text":           {ContextWindow: 8192},
		"claude-3-5-haiku-20241022":  {ContextWindow: 200000, MaxOutputTokens: 8192},
		"claude-3-5-sonnet-20241022": {ContextWindow: 200000, MaxOutputTokens: 8192},
		"claude-sonnet-4-20250514":   {ContextWindow: 200000, MaxOutputTokens: 64000},
	} {
		c.Set("", model, info)
	}
	return c
}

// Set registers info. An empty providerID registers a bare model entry.
func (c *StaticCatalog) Set(providerID, modelID string, info ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[catalogKey(providerID, modelID)] = info
}

// ModelInfo looks up provider:model, then the bare model, then the model
// without its ":tag" suffix.
func (c *StaticCatalog) ModelInfo(providerID, modelID string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if info, ok := c.entries[catalogKey(providerID, modelID)]; ok && providerID != "" {
		return info, true
	}
	if info, ok := c.entries[modelID]; ok {
		return info, true
	}
	if base, _, found := strings.Cut(modelID, ":"); found {
		if info, ok := c.entries[base]; ok {
			return info, true
		}
	}
	return ModelInfo{}, false
}

func catalogKey(providerID, modelID string) string {
	if providerID == "" {
		return modelID
	}
	return providerID + ":" + modelID
}

var _ ModelMetadataProvider = (*StaticCatalog)(nil)
