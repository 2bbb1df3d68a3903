package llmqueue

import (
	"fmt"
	"unicode/utf8"
)

// Built-in window used when neither metadata nor policy know the model.
const (
	FallbackContextWindow   = 4096
	FallbackMaxOutputTokens = 1024
)

// TokenLimits holds optional limits. Zero means unset at that level.
type TokenLimits struct {
	ContextWindow     int `json:"context_window,omitempty" yaml:"context_window,omitempty" toml:"context_window,omitempty"`
	MaxOutputTokens   int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" toml:"max_output_tokens,omitempty"`
	ReservedForSystem int `json:"reserved_for_system,omitempty" yaml:"reserved_for_system,omitempty" toml:"reserved_for_system,omitempty"`
	ReservedForRag    int `json:"reserved_for_rag,omitempty" yaml:"reserved_for_rag,omitempty" toml:"reserved_for_rag,omitempty"`
}

// ModelTokenPolicy configures the token budget. PerModel is keyed
// "provider:modelId".
type ModelTokenPolicy struct {
	Enforce  bool                   `json:"enforce" yaml:"enforce" toml:"enforce"`
	Defaults TokenLimits            `json:"defaults" yaml:"defaults" toml:"defaults"`
	PerTask  map[Task]TokenLimits   `json:"per_task,omitempty" yaml:"per_task,omitempty" toml:"per_task,omitempty"`
	PerModel map[string]TokenLimits `json:"per_model,omitempty" yaml:"per_model,omitempty" toml:"per_model,omitempty"`
}

// ModelInfo is what a ModelMetadataProvider knows about a model. Zero
// fields are unknown.
type ModelInfo struct {
	ContextWindow   int `json:"context_window"`
	MaxOutputTokens int `json:"max_output_tokens"`
}

// BudgetInput describes the request being budgeted.
type BudgetInput struct {
	ProviderID      string
	ModelID         string
	Task            Task
	RequestedOutput int
	EstimatedInput  int
}

// Budget is the computed allowance for one request.
type Budget struct {
	ProviderID           string `json:"provider_id,omitempty"`
	ModelID              string `json:"model_id,omitempty"`
	ContextWindow        int    `json:"context_window"`
	AllowedInputTokens   int    `json:"allowed_input_tokens"`
	AllowedOutputTokens  int    `json:"allowed_output_tokens"`
	EstimatedInputTokens int    `json:"estimated_input_tokens"`
	MustTruncate         bool   `json:"must_truncate"`
	TruncateByTokens     int    `json:"truncate_by_tokens,omitempty"`
}

// EstimateBudget computes the token allowance for in. Per-model limits win
// over per-task limits, which win over the policy defaults. Model metadata
// fills the context window when no policy level sets one, and the fallback
// constants cover the rest. With Enforce off nothing is truncated or
// rejected. A rejection wraps ErrBudgetExceeded.
func EstimateBudget(in BudgetInput, info ModelInfo, policy ModelTokenPolicy) (Budget, error) {
	perModel := policy.PerModel[in.ProviderID+":"+in.ModelID]
	perTask := policy.PerTask[in.Task]

	contextWindow := firstSet(perModel.ContextWindow, perTask.ContextWindow, info.ContextWindow, policy.Defaults.ContextWindow, FallbackContextWindow)
	outputCap := firstSet(perModel.MaxOutputTokens, perTask.MaxOutputTokens, policy.Defaults.MaxOutputTokens, info.MaxOutputTokens, FallbackMaxOutputTokens)
	if info.MaxOutputTokens > 0 && outputCap > info.MaxOutputTokens {
		outputCap = info.MaxOutputTokens
	}
	reservedSystem := firstSet(perModel.ReservedForSystem, perTask.ReservedForSystem, policy.Defaults.ReservedForSystem)
	reservedRag := firstSet(perModel.ReservedForRag, perTask.ReservedForRag, policy.Defaults.ReservedForRag)

	allowedOutput := outputCap
	if in.RequestedOutput > 0 && in.RequestedOutput < outputCap {
		allowedOutput = in.RequestedOutput
	}
	allowedInput := contextWindow - reservedSystem - reservedRag - allowedOutput

	b := Budget{
		ProviderID:           in.ProviderID,
		ModelID:              in.ModelID,
		ContextWindow:        contextWindow,
		AllowedInputTokens:   max(allowedInput, 0),
		AllowedOutputTokens:  allowedOutput,
		EstimatedInputTokens: in.EstimatedInput,
	}
	if !policy.Enforce {
		return b, nil
	}
	if allowedInput <= 0 {
		return b, fmt.Errorf("%w: %s:%s leaves no room for input (window %d, output %d, reserved %d)",
			ErrBudgetExceeded, in.ProviderID, in.ModelID, contextWindow, allowedOutput, reservedSystem+reservedRag)
	}
	if in.EstimatedInput > allowedInput {
		b.MustTruncate = true
		b.TruncateByTokens = in.EstimatedInput - allowedInput
	}
	return b, nil
}

func firstSet(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// TokenEstimator approximates the token count of text.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator counts one token per four runes, rounded up.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimatePayloadTokens sums the estimate over every text the provider sees.
func EstimatePayloadTokens(est TokenEstimator, p Payload) int {
	total := est.EstimateTokens(p.System) + est.EstimateTokens(p.Prompt)
	for _, m := range p.Messages {
		total += est.EstimateTokens(m.Content)
	}
	for _, t := range p.Texts {
		total += est.EstimateTokens(t)
	}
	return total
}

// TruncatePayload cuts excess tokens from the tail of the prompt, or of the
// last message when there is no prompt. The cut is sized with est so the
// payload re-estimates within budget whenever the trimmed text is long
// enough to absorb the excess.
func TruncatePayload(p Payload, excess int, est TokenEstimator) Payload {
	if excess <= 0 {
		return p
	}
	out := p.clone()
	switch {
	case out.Prompt != "":
		out.Prompt = trimTail(out.Prompt, excess, est)
	case len(out.Messages) > 0:
		last := len(out.Messages) - 1
		out.Messages[last].Content = trimTail(out.Messages[last].Content, excess, est)
	}
	return out
}

// trimTail returns the longest rune prefix of s whose estimate is at most
// est(s) - excess.
func trimTail(s string, excess int, est TokenEstimator) string {
	target := est.EstimateTokens(s) - excess
	if target <= 0 {
		return ""
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.EstimateTokens(string(runes[:mid])) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
