package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/instantcocoa/conduit/pkg/testutil"
)

// =============================================================================
// Classification Tests
// =============================================================================

func TestKindFromHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{400, KindInvalidRequest},
		{404, KindInvalidRequest},
		{413, KindInvalidRequest},
		{422, KindInvalidRequest},
		{402, KindQuotaExceeded},
		{429, KindRateLimit},
		{408, KindTimeout},
		{504, KindTimeout},
		{503, KindOverloaded},
		{529, KindOverloaded},
		{500, KindServerError},
		{502, KindServerError},
		{418, KindUnclassified},
	}
	for _, tt := range tests {
		if got := KindFromHTTPStatus(tt.code); got != tt.want {
			t.Errorf("KindFromHTTPStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       ErrorKind
		classified bool
	}{
		{"nil", nil, "", true},
		{"provider error", kindErr(KindRateLimit), KindRateLimit, true},
		{"wrapped provider error", errors.Join(errors.New("ctx"), kindErr(KindAuth)), KindAuth, true},
		{"explicitly unclassified", kindErr(KindUnclassified), KindUnclassified, false},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"plain error", errUntyped, KindUnclassified, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := Classify(tt.err)
			if kind != tt.want || ok != tt.classified {
				t.Errorf("expected (%s, %v), got (%s, %v)", tt.want, tt.classified, kind, ok)
			}
		})
	}
}

func TestAdapters_ForPrefersProviderID(t *testing.T) {
	byID := &fakeAdapter{}
	byKind := &fakeAdapter{}
	a := NewAdapters()
	a.Register("special", byID)
	a.RegisterKind(KindOllama, byKind)

	if got, _ := a.For(ProviderConfig{ID: "special", Kind: KindOllama}); got != byID {
		t.Error("expected the id registration to win")
	}
	if got, _ := a.For(ProviderConfig{ID: "other", Kind: KindOllama}); got != byKind {
		t.Error("expected the kind registration")
	}
	if _, ok := a.For(ProviderConfig{ID: "other", Kind: KindOpenAI}); ok {
		t.Error("expected no adapter")
	}
}

// =============================================================================
// Ollama Tests
// =============================================================================

func TestOllamaAdapter_Generate(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockOllamaChatResponse("llama3.2", "hi there"))
	a := NewOllamaAdapter(mock)

	resp, err := a.Generate(context.Background(), GenerateRequest{
		Model:           "llama3.2",
		System:          "be brief",
		Prompt:          "hello",
		MaxOutputTokens: 64,
	}, ProviderConfig{ID: "local", BaseURL: "http://ollama:11434/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hi there" || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}

	req := mock.LastRequest()
	if req.URL.String() != "http://ollama:11434/api/chat" {
		t.Errorf("unexpected url %s", req.URL)
	}
	var body ollamaChatRequest
	if err := json.Unmarshal(mock.LastRequestBody(), &body); err != nil {
		t.Fatalf("bad request body: %v", err)
	}
	if body.Stream {
		t.Error("expected a non-streaming request")
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Content != "hello" {
		t.Errorf("unexpected messages: %+v", body.Messages)
	}
	if body.Options == nil || body.Options.NumPredict != 64 {
		t.Errorf("expected num_predict 64, got %+v", body.Options)
	}
}

func TestOllamaAdapter_Embed(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockOllamaEmbedResponse("nomic-embed-text", [][]float32{{0.1, 0.2}, {0.3, 0.4}}))
	a := NewOllamaAdapter(mock)

	resp, err := a.Embed(context.Background(), EmbedRequest{Texts: []string{"a", "b"}}, ProviderConfig{ID: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Embeddings) != 2 || resp.Embeddings[1][1] != 0.4 {
		t.Errorf("unexpected embeddings: %v", resp.Embeddings)
	}
	if got := mock.LastRequest().URL.String(); got != defaultOllamaURL+"/api/embed" {
		t.Errorf("unexpected url %s", got)
	}

	mock.AddResponse(testutil.MockOllamaEmbedResponse("nomic-embed-text", [][]float32{{0.1}}))
	_, err = a.Embed(context.Background(), EmbedRequest{Texts: []string{"a", "b"}}, ProviderConfig{ID: "local"})
	if kind, _ := Classify(err); kind != KindServerError {
		t.Errorf("expected server_error for a short embedding list, got %v", err)
	}
}

func TestOllamaAdapter_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		want ErrorKind
	}{
		{"model missing", testutil.MockResponse{StatusCode: 404, Body: `{"error":"model not found"}`}, KindInvalidRequest},
		{"overloaded", testutil.MockErrorResponse(503, "busy"), KindOverloaded},
		{"timeout", testutil.MockTimeoutError(), KindTimeout},
		{"connection refused", testutil.MockResponse{Error: errors.New("dial tcp: connection refused")}, KindServerError},
		{"malformed", testutil.MockMalformedJSON(), KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)
			_, err := NewOllamaAdapter(mock).Generate(context.Background(), GenerateRequest{Prompt: "x"}, ProviderConfig{ID: "local"})

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %v", err)
			}
			if pe.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, pe.Kind)
			}
			if pe.Provider != "local" {
				t.Errorf("expected provider on the error, got %q", pe.Provider)
			}
		})
	}
}

func TestOllamaErrorDetail(t *testing.T) {
	if got := ollamaErrorDetail([]byte(`{"error":"flat"}`)); got != "flat" {
		t.Errorf("expected flat, got %q", got)
	}
	if got := ollamaErrorDetail([]byte(`{"error":{"message":"nested"}}`)); got != "nested" {
		t.Errorf("expected nested, got %q", got)
	}
	if got := ollamaErrorDetail([]byte(`not json`)); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestOllamaAdapter_TestConnection(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{"models":[]}`})
	mock.AddResponse(testutil.MockResponse{StatusCode: 500})
	a := NewOllamaAdapter(mock)

	if err := a.TestConnection(context.Background(), ProviderConfig{ID: "local"}); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if got := mock.LastRequest(); got.Method != http.MethodGet || got.URL.Path != "/api/tags" {
		t.Errorf("unexpected probe %s %s", got.Method, got.URL.Path)
	}
	if err := a.TestConnection(context.Background(), ProviderConfig{ID: "local"}); err == nil {
		t.Error("expected failure on 500")
	}
}

// =============================================================================
// OpenAI Tests
// =============================================================================

func TestOpenAIAdapter_Generate(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockOpenAIResponse("answer"))
	a := NewOpenAIAdapter(mock)

	resp, err := a.Generate(context.Background(), GenerateRequest{
		Messages:        []Message{{Role: "user", Content: "q"}},
		MaxOutputTokens: 100,
	}, ProviderConfig{ID: "cloud", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "answer" || resp.Model != "gpt-4o" || resp.Usage.OutputTokens != 20 {
		t.Errorf("unexpected response: %+v", resp)
	}

	req := mock.LastRequest()
	if req.URL.String() != defaultOpenAIURL+"/chat/completions" {
		t.Errorf("unexpected url %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", got)
	}
	var body openAIChatRequest
	if err := json.Unmarshal(mock.LastRequestBody(), &body); err != nil {
		t.Fatalf("bad request body: %v", err)
	}
	if body.Model != defaultOpenAIModel || body.MaxTokens != 100 || len(body.Messages) != 1 {
		t.Errorf("unexpected request body: %+v", body)
	}
}

func TestOpenAIAdapter_NoChoices(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{"model":"gpt-4o","choices":[]}`})

	_, err := NewOpenAIAdapter(mock).Generate(context.Background(), GenerateRequest{Prompt: "x"}, ProviderConfig{ID: "cloud"})
	if kind, _ := Classify(err); kind != KindServerError {
		t.Errorf("expected server_error, got %v", err)
	}
}

func TestOpenAIAdapter_Embed(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{
		StatusCode: 200,
		Body: `{"model":"text-embedding-3-small","data":[
			{"index":1,"embedding":[2]},
			{"index":0,"embedding":[1]}
		],"usage":{"prompt_tokens":4}}`,
	})

	resp, err := NewOpenAIAdapter(mock).Embed(context.Background(), EmbedRequest{Texts: []string{"a", "b"}}, ProviderConfig{ID: "cloud"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Embeddings[0][0] != 1 || resp.Embeddings[1][0] != 2 {
		t.Errorf("embeddings should be placed by index, got %v", resp.Embeddings)
	}
	if resp.Usage.InputTokens != 4 {
		t.Errorf("expected 4 input tokens, got %d", resp.Usage.InputTokens)
	}
}

func TestOpenAIAdapter_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		want ErrorKind
	}{
		{"bad key", testutil.MockErrorResponse(401, "invalid api key"), KindAuth},
		{"rate limited", testutil.MockErrorResponse(429, "slow down"), KindRateLimit},
		{"quota", testutil.MockResponse{StatusCode: 429, Body: `{"error":{"message":"no credit","code":"insufficient_quota"}}`}, KindQuotaExceeded},
		{"server", testutil.MockErrorResponse(500, "oops"), KindServerError},
		{"timeout", testutil.MockTimeoutError(), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)
			_, err := NewOpenAIAdapter(mock).Generate(context.Background(), GenerateRequest{Prompt: "x"}, ProviderConfig{ID: "cloud"})
			if kind, _ := Classify(err); kind != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestOpenAIAdapter_TestConnection(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{"data":[]}`})
	a := NewOpenAIAdapter(mock)

	cfg := ProviderConfig{ID: "cloud", BaseURL: "https://proxy.example/v1", APIKey: "k"}
	if err := a.TestConnection(context.Background(), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := mock.LastRequest()
	if req.Method != http.MethodGet || req.URL.String() != "https://proxy.example/v1/models" {
		t.Errorf("unexpected probe %s %s", req.Method, req.URL)
	}
	if req.Header.Get("Content-Type") != "" {
		t.Error("a GET probe should carry no content type")
	}
}

func TestAnthropicAdapter_Generate(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockAnthropicResponse("bonjour"))
	a := NewAnthropicAdapter(mock)

	resp, err := a.Generate(context.Background(), GenerateRequest{
		System: "be brief",
		Messages: []Message{
			{Role: "system", Content: "answer in french"},
			{Role: "user", Content: "hello"},
		},
		Prompt: "and again",
	}, ProviderConfig{ID: "claude", APIKey: "ak-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "bonjour" || resp.Usage.InputTokens != 15 || resp.Usage.OutputTokens != 9 {
		t.Errorf("unexpected response: %+v", resp)
	}

	req := mock.LastRequest()
	if req.URL.String() != defaultAnthropicURL+"/messages" {
		t.Errorf("unexpected url %s", req.URL)
	}
	if req.Header.Get("x-api-key") != "ak-test" || req.Header.Get("anthropic-version") != anthropicVersion {
		t.Errorf("unexpected headers %v", req.Header)
	}
	var body anthropicRequest
	if err := json.Unmarshal(mock.LastRequestBody(), &body); err != nil {
		t.Fatalf("bad request body: %v", err)
	}
	if body.Model != defaultAnthropicModel || body.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("expected model and max_tokens defaults, got %+v", body)
	}
	if body.System != "be brief\n\nanswer in french" {
		t.Errorf("expected system turns folded into the system field, got %q", body.System)
	}
	if len(body.Messages) != 2 || body.Messages[1].Content != "and again" {
		t.Errorf("unexpected messages %+v", body.Messages)
	}
}

func TestAnthropicAdapter_EmbedUnsupported(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	_, err := NewAnthropicAdapter(mock).Embed(context.Background(), EmbedRequest{Texts: []string{"x"}}, ProviderConfig{ID: "claude"})
	if kind, _ := Classify(err); kind != KindInvalidRequest {
		t.Errorf("expected invalid_request, got %v", err)
	}
	if len(mock.Requests()) != 0 {
		t.Error("expected no request to be sent")
	}
}

func TestAnthropicAdapter_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		want ErrorKind
	}{
		{"bad key", testutil.MockErrorResponse(401, "invalid x-api-key"), KindAuth},
		{"overloaded", testutil.MockResponse{StatusCode: 529, Body: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`}, KindOverloaded},
		{"typed rate limit", testutil.MockResponse{StatusCode: 400, Body: `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`}, KindRateLimit},
		{"bad request", testutil.MockErrorResponse(400, "max_tokens too large"), KindInvalidRequest},
		{"malformed", testutil.MockMalformedJSON(), KindServerError},
		{"timeout", testutil.MockTimeoutError(), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)
			_, err := NewAnthropicAdapter(mock).Generate(context.Background(), GenerateRequest{Prompt: "x"}, ProviderConfig{ID: "claude"})
			if kind, _ := Classify(err); kind != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestAnthropicAdapter_TestConnection(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{"data":[]}`})

	cfg := ProviderConfig{ID: "claude", BaseURL: "https://gateway.example/v1/", APIKey: "k"}
	if err := NewAnthropicAdapter(mock).TestConnection(context.Background(), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := mock.LastRequest()
	if req.Method != http.MethodGet || req.URL.String() != "https://gateway.example/v1/models" {
		t.Errorf("unexpected probe %s %s", req.Method, req.URL)
	}
}

func TestAdapters_DeadlineIsTimeout(t *testing.T) {
	adapters := map[string]func(HTTPDoer) ProviderAdapter{
		"ollama":    func(c HTTPDoer) ProviderAdapter { return NewOllamaAdapter(c) },
		"openai":    func(c HTTPDoer) ProviderAdapter { return NewOpenAIAdapter(c) },
		"anthropic": func(c HTTPDoer) ProviderAdapter { return NewAnthropicAdapter(c) },
	}

	for name, build := range adapters {
		t.Run(name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{}`, Delay: time.Minute})

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := build(mock).Generate(ctx, GenerateRequest{Prompt: "slow"}, ProviderConfig{ID: name})
			if kind, retryable := Classify(err); kind != KindTimeout || !retryable {
				t.Errorf("expected a retryable timeout, got %v", err)
			}
		})
	}
}

func TestOllamaAdapter_RoutesByPath(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.On(http.MethodPost, "/api/embed", testutil.MockOllamaEmbedResponse("nomic-embed-text", [][]float32{{1}}))
	mock.On(http.MethodPost, "/api/chat", testutil.MockOllamaChatResponse("llama3.2", "hi"))
	a := NewOllamaAdapter(mock)

	gen, err := a.Generate(context.Background(), GenerateRequest{Prompt: "x"}, ProviderConfig{ID: "local"})
	if err != nil || gen.Text != "hi" {
		t.Fatalf("generate matched the wrong response: %+v, %v", gen, err)
	}
	emb, err := a.Embed(context.Background(), EmbedRequest{Texts: []string{"x"}}, ProviderConfig{ID: "local"})
	if err != nil || len(emb.Embeddings) != 1 {
		t.Fatalf("embed matched the wrong response: %+v, %v", emb, err)
	}
	if len(mock.Requests()) != 2 {
		t.Errorf("expected 2 requests, got %d", len(mock.Requests()))
	}
}
