package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MockHTTPClient is an HTTPDoer that replays queued responses and records
// every request it sees.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses []MockResponse
	requests  []*http.Request
	bodies    [][]byte
}

// MockResponse defines a mock HTTP response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Error      error
	// Delay holds the response back. If the request context ends first, Do
	// returns the context error wrapped the way net/http does.
	Delay time.Duration
	// Matcher restricts which requests may consume this response. Nil
	// matches every request.
	Matcher func(*http.Request) bool
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues resp. Responses are consumed in order, skipping those
// whose Matcher rejects the request.
func (m *MockHTTPClient) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// On queues resp for requests with method and a URL path ending in path.
func (m *MockHTTPClient) On(method, path string, resp MockResponse) {
	resp.Matcher = func(r *http.Request) bool {
		return r.Method == method && strings.HasSuffix(r.URL.Path, path)
	}
	m.AddResponse(resp)
}

// Do implements the HTTP client interface.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := m.record(req)
	if err != nil {
		return nil, err
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-req.Context().Done():
			return nil, fmt.Errorf("%s %q: %w", req.Method, req.URL, req.Context().Err())
		case <-timer.C:
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}
	for k, v := range resp.Headers {
		httpResp.Header.Set(k, v)
	}
	return httpResp, nil
}

func (m *MockHTTPClient) record(req *http.Request) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	m.bodies = append(m.bodies, body)

	for i, r := range m.responses {
		if r.Matcher == nil || r.Matcher(req) {
			m.responses = append(m.responses[:i], m.responses[i+1:]...)
			return r, nil
		}
	}
	return MockResponse{}, &MockError{Message: fmt.Sprintf("no mock response for %s %s", req.Method, req.URL.Path)}
}

// Requests returns all captured requests.
func (m *MockHTTPClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// LastRequest returns the last captured request.
func (m *MockHTTPClient) LastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// LastRequestBody returns the last captured request body.
func (m *MockHTTPClient) LastRequestBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		return nil
	}
	return m.bodies[len(m.bodies)-1]
}

// JSONResponse returns a 200 response with v encoded as the body.
func JSONResponse(v any) MockResponse {
	body, _ := json.Marshal(v)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// MockError represents a mock error.
type MockError struct {
	Message string
}

func (e *MockError) Error() string {
	return e.Message
}

// MockOpenAIResponse creates a mock OpenAI chat completion response.
func MockOpenAIResponse(content string) MockResponse {
	return JSONResponse(map[string]any{
		"id":     "chatcmpl-test123",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	})
}

// MockAnthropicResponse creates a mock Anthropic /messages response.
func MockAnthropicResponse(content string) MockResponse {
	return JSONResponse(map[string]any{
		"id":          "msg_test123",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-3-5-haiku-20241022",
		"content":     []map[string]string{{"type": "text", "text": content}},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 15, "output_tokens": 9},
	})
}

// MockOllamaChatResponse creates a mock Ollama /api/chat response.
func MockOllamaChatResponse(model, content string) MockResponse {
	return JSONResponse(map[string]any{
		"model":             model,
		"created_at":        "2024-01-01T00:00:00Z",
		"message":           map[string]string{"role": "assistant", "content": content},
		"done":              true,
		"prompt_eval_count": 12,
		"eval_count":        7,
	})
}

// MockOllamaEmbedResponse creates a mock Ollama /api/embed response.
func MockOllamaEmbedResponse(model string, embeddings [][]float32) MockResponse {
	return JSONResponse(map[string]any{"model": model, "embeddings": embeddings})
}

// MockErrorResponse creates an OpenAI-shaped error body with statusCode.
func MockErrorResponse(statusCode int, message string) MockResponse {
	resp := JSONResponse(map[string]any{
		"error": map[string]string{"message": message, "type": "error"},
	})
	resp.StatusCode = statusCode
	return resp
}

// MockTimeoutError creates a transport error wrapping context.DeadlineExceeded.
func MockTimeoutError() MockResponse {
	return MockResponse{
		Error: fmt.Errorf("Post \"http://mock\": %w", context.DeadlineExceeded),
	}
}

// MockMalformedJSON creates a mock response with invalid JSON.
func MockMalformedJSON() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"invalid json`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
