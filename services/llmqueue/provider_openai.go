package llmqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const (
	defaultOpenAIURL        = "https://api.openai.com/v1"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAIEmbedModel = "text-embedding-3-small"
)

// OpenAIAdapter talks to OpenAI or any API that mirrors its chat
// completions and embeddings endpoints.
type OpenAIAdapter struct {
	httpClient HTTPDoer
}

// NewOpenAIAdapter creates an adapter. A nil client uses http.DefaultClient.
func NewOpenAIAdapter(client HTTPDoer) *OpenAIAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIAdapter{httpClient: client}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage openAIUsage `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req GenerateRequest, cfg ProviderConfig) (GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	messages := make([]openAIMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	}

	body := openAIChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}

	var resp openAIChatResponse
	if err := a.do(ctx, cfg, http.MethodPost, "/chat/completions", body, &resp); err != nil {
		return GenerateResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, &ProviderError{Kind: KindServerError, Provider: cfg.ID, Message: "no choices in response"}
	}
	return GenerateResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}

func (a *OpenAIAdapter) Embed(ctx context.Context, req EmbedRequest, cfg ProviderConfig) (EmbedResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIEmbedModel
	}

	var resp openAIEmbedResponse
	if err := a.do(ctx, cfg, http.MethodPost, "/embeddings", openAIEmbedRequest{Model: model, Input: req.Texts}, &resp); err != nil {
		return EmbedResponse{}, err
	}

	embeddings := make([][]float32, len(req.Texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return EmbedResponse{}, &ProviderError{Kind: KindServerError, Provider: cfg.ID, Message: "embedding index out of range"}
		}
		embeddings[d.Index] = d.Embedding
	}
	return EmbedResponse{
		Embeddings: embeddings,
		Model:      resp.Model,
		Usage:      Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

func (a *OpenAIAdapter) TestConnection(ctx context.Context, cfg ProviderConfig) error {
	return a.do(ctx, cfg, http.MethodGet, "/models", nil, nil)
}

func (a *OpenAIAdapter) do(ctx context.Context, cfg ProviderConfig, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to marshal request", Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(cfg, defaultOpenAIURL)+path, body)
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to create request", Err: err}
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
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
		var apiErr openAIError
		_ = json.Unmarshal(respBody, &apiErr)
		pe := statusError(cfg.ID, resp.StatusCode, apiErr.Error.Message)
		// OpenAI reports an empty balance as 429 with this code.
		if apiErr.Error.Code == "insufficient_quota" {
			pe.Kind = KindQuotaExceeded
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

var _ ProviderAdapter = (*OpenAIAdapter)(nil)
