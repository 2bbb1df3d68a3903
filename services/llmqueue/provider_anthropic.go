package llmqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const (
	defaultAnthropicURL       = "https://api.anthropic.com/v1"
	defaultAnthropicModel     = "claude-3-5-haiku-20241022"
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicAdapter talks to the Anthropic messages API. Anthropic has no
// embeddings endpoint, so Embed always fails with KindInvalidRequest.
type AnthropicAdapter struct {
	httpClient HTTPDoer
}

// NewAnthropicAdapter creates an adapter. A nil client uses http.DefaultClient.
func NewAnthropicAdapter(client HTTPDoer) *AnthropicAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicAdapter{httpClient: client}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicErrorKinds maps error.type values that say more than the status.
var anthropicErrorKinds = map[string]ErrorKind{
	"authentication_error": KindAuth,
	"permission_error":     KindAuth,
	"rate_limit_error":     KindRateLimit,
	"overloaded_error":     KindOverloaded,
}

func (a *AnthropicAdapter) Generate(ctx context.Context, req GenerateRequest, cfg ProviderConfig) (GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system := req.System
	messages := make([]anthropicMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		// System turns go in the top-level field.
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, anthropicMessage{Role: "user", Content: req.Prompt})
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    messages,
		System:      system,
		Temperature: req.Temperature,
	}

	var resp anthropicResponse
	if err := a.do(ctx, cfg, http.MethodPost, "/messages", body, &resp); err != nil {
		return GenerateResponse{}, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return GenerateResponse{
		Text:  text,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}

func (a *AnthropicAdapter) Embed(ctx context.Context, req EmbedRequest, cfg ProviderConfig) (EmbedResponse, error) {
	return EmbedResponse{}, &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "embeddings are not supported"}
}

func (a *AnthropicAdapter) TestConnection(ctx context.Context, cfg ProviderConfig) error {
	return a.do(ctx, cfg, http.MethodGet, "/models", nil, nil)
}

func (a *AnthropicAdapter) do(ctx context.Context, cfg ProviderConfig, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to marshal request", Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(cfg, defaultAnthropicURL)+path, body)
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to create request", Err: err}
	}
	req.Header.Set("anthropic-version", anthropicVersion)
	if cfg.APIKey != "" {
		req.Header.Set("x-api-key", cfg.APIKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return transportError(cfg.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(cfg.ID, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		_ = json.Unmarshal(respBody, &apiErr)
		pe := statusError(cfg.ID, resp.StatusCode, apiErr.Error.Message)
		if kind, ok := anthropicErrorKinds[apiErr.Error.Type]; ok {
			pe.Kind = kind
		}
		return pe
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Kind: KindServerError, Provider: cfg.ID, Message: "failed to unmarshal response", Err: err}
	}
	return nil
}

var _ ProviderAdapter = (*AnthropicAdapter)(nil)
