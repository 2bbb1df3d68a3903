package llmqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL        = "http://localhost:11434"
	defaultOllamaModel      = "llama3.2"
	defaultOllamaEmbedModel = "nomic-embed-text"
)

// OllamaAdapter talks to a local Ollama server.
type OllamaAdapter struct {
	httpClient HTTPDoer
}

// NewOllamaAdapter creates an adapter. A nil client gets an *http.Client
// with a long timeout suited to local inference; the router's per-call
// deadline still applies.
func NewOllamaAdapter(client HTTPDoer) *OllamaAdapter {
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	return &OllamaAdapter{httpClient: client}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

func baseURL(cfg ProviderConfig, fallback string) string {
	if cfg.BaseURL == "" {
		return fallback
	}
	return strings.TrimSuffix(cfg.BaseURL, "/")
}

func (a *OllamaAdapter) Generate(ctx context.Context, req GenerateRequest, cfg ProviderConfig) (GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultOllamaModel
	}

	messages := make([]ollamaMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})
	}

	body := ollamaChatRequest{Model: model, Messages: messages}
	if req.Temperature > 0 || req.MaxOutputTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxOutputTokens}
	}

	var resp ollamaChatResponse
	if err := a.post(ctx, cfg, "/api/chat", body, &resp); err != nil {
		return GenerateResponse{}, err
	}
	return GenerateResponse{
		Text:  resp.Message.Content,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount},
	}, nil
}

func (a *OllamaAdapter) Embed(ctx context.Context, req EmbedRequest, cfg ProviderConfig) (EmbedResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultOllamaEmbedModel
	}

	var resp ollamaEmbedResponse
	if err := a.post(ctx, cfg, "/api/embed", ollamaEmbedRequest{Model: model, Input: req.Texts}, &resp); err != nil {
		return EmbedResponse{}, err
	}
	if len(resp.Embeddings) != len(req.Texts) {
		return EmbedResponse{}, &ProviderError{
			Kind:     KindServerError,
			Provider: cfg.ID,
			Message:  fmt.Sprintf("got %d embeddings for %d texts", len(resp.Embeddings), len(req.Texts)),
		}
	}
	return EmbedResponse{
		Embeddings: resp.Embeddings,
		Model:      resp.Model,
		Usage:      Usage{InputTokens: resp.PromptEvalCount},
	}, nil
}

func (a *OllamaAdapter) TestConnection(ctx context.Context, cfg ProviderConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg, defaultOllamaURL)+"/api/tags", nil)
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to create request", Err: err}
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return transportError(cfg.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(cfg.ID, resp.StatusCode, "")
	}
	return nil
}

func (a *OllamaAdapter) post(ctx context.Context, cfg ProviderConfig, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg, defaultOllamaURL)+path, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Provider: cfg.ID, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

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
		return statusError(cfg.ID, resp.StatusCode, ollamaErrorDetail(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Kind: KindServerError, Provider: cfg.ID, Message: "failed to unmarshal response", Err: err}
	}
	return nil
}

// ollamaErrorDetail reads {"error": "..."} and tolerates the OpenAI-style
// {"error": {"message": "..."}} some proxies return.
func ollamaErrorDetail(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		return nested.Error.Message
	}
	return ""
}

var _ ProviderAdapter = (*OllamaAdapter)(nil)
