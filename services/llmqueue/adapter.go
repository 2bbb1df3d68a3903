package llmqueue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// GenerateRequest is a text generation call.
type GenerateRequest struct {
	Model           string
	Prompt          string
	System          string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float64
}

// GenerateResponse is the adapter's answer to a GenerateRequest.
type GenerateResponse struct {
	Text  string
	Model string
	Usage Usage
}

// EmbedRequest is an embedding call.
type EmbedRequest struct {
	Model string
	Texts []string
}

// EmbedResponse holds one vector per input text.
type EmbedResponse struct {
	Embeddings [][]float32
	Model      string
	Usage      Usage
}

// ProviderAdapter speaks one backend's wire format. Errors must be
// *ProviderError; anything else is treated as unclassified.
type ProviderAdapter interface {
	Generate(ctx context.Context, req GenerateRequest, cfg ProviderConfig) (GenerateResponse, error)
	Embed(ctx context.Context, req EmbedRequest, cfg ProviderConfig) (EmbedResponse, error)
	TestConnection(ctx context.Context, cfg ProviderConfig) error
}

// HTTPDoer is the part of *http.Client the adapters use.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapters resolves the adapter for a provider, first by provider id and
// then by provider kind.
type Adapters struct {
	mu     sync.RWMutex
	byID   map[string]ProviderAdapter
	byKind map[ProviderKind]ProviderAdapter
}

// NewAdapters creates an empty registry.
func NewAdapters() *Adapters {
	return &Adapters{
		byID:   make(map[string]ProviderAdapter),
		byKind: make(map[ProviderKind]ProviderAdapter),
	}
}

// Register binds an adapter to one provider id.
func (a *Adapters) Register(providerID string, adapter ProviderAdapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID[providerID] = adapter
}

// RegisterKind binds an adapter to every provider of kind.
func (a *Adapters) RegisterKind(kind ProviderKind, adapter ProviderAdapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKind[kind] = adapter
}

// For returns the adapter serving cfg.
func (a *Adapters) For(cfg ProviderConfig) (ProviderAdapter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if ad, ok := a.byID[cfg.ID]; ok {
		return ad, true
	}
	ad, ok := a.byKind[cfg.Kind]
	return ad, ok
}

// KindFromHTTPStatus maps a non-2xx status to an ErrorKind.
func KindFromHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity ||
		code == http.StatusRequestEntityTooLarge:
		return KindInvalidRequest
	case code == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusServiceUnavailable || code == 529:
		return KindOverloaded
	case code >= 500:
		return KindServerError
	default:
		return KindUnclassified
	}
}

// transportError classifies a failure to get any HTTP response.
func transportError(provider string, err error) *ProviderError {
	kind := KindServerError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindUnclassified
	}
	return &ProviderError{Kind: kind, Provider: provider, Message: "request failed", Err: err}
}

// statusError builds the error for a non-2xx response.
func statusError(provider string, code int, detail string) *ProviderError {
	if detail == "" {
		detail = fmt.Sprintf("status %d", code)
	}
	return &ProviderError{Kind: KindFromHTTPStatus(code), Provider: provider, StatusCode: code, Message: detail}
}
