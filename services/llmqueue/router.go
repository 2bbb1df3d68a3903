package llmqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/instantcocoa/conduit/services/llmqueue"

// StopReason says why the router stopped trying providers.
type StopReason string

const (
	StopSuccess            StopReason = "success"
	StopProvidersExhausted StopReason = "providers_exhausted"
	StopAttemptsExhausted  StopReason = "attempts_exhausted"
	StopNoProvider         StopReason = "no_provider_available"
)

// Call is one logical operation handed to the router.
// PriorAttempts counts attempts consumed by earlier runs of the request.
type Call struct {
	RequestID     string
	Task          Task
	Payload       Payload
	PriorAttempts int
}

// Outcome is the router's answer for a Call. Failures carry the full trace.
type Outcome struct {
	Success      bool
	Text         string
	Embeddings   [][]float32
	Usage        Usage
	UsedProvider string
	Model        string
	Trace        []Attempt
	Skipped      []string
	AttemptsUsed int
	MaxAttempts  int
	Stop         StopReason
	ErrorKind    ErrorKind
	Err          error
}

// Router tries providers in priority order until one succeeds, the list
// runs out, or the attempt budget is spent.
type Router struct {
	config   ConfigProvider
	health   *HealthRegistry
	adapters *Adapters
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRouter creates a router. Policies are read from config on every call.
func NewRouter(config ConfigProvider, health *HealthRegistry, adapters *Adapters, logger *slog.Logger) *Router {
	return &Router{
		config:   config,
		health:   health,
		adapters: adapters,
		logger:   logger.With("component", "router"),
		tracer:   otel.Tracer(tracerName),
	}
}

// Execute runs call against the configured providers.
func (r *Router) Execute(ctx context.Context, call Call) Outcome {
	rc := r.config.RoutingConfig()
	policy := rc.PolicyFor(call.Task)
	out := Outcome{MaxAttempts: policy.MaxAttempts}

	remaining := policy.MaxAttempts - call.PriorAttempts
	if remaining <= 0 {
		out.Stop = StopAttemptsExhausted
		out.ErrorKind = KindAttemptsExhausted
		out.Err = fmt.Errorf("%w: %d of %d used", ErrAttemptsExhausted, call.PriorAttempts, policy.MaxAttempts)
		return out
	}

	var lastErr error
	var lastKind ErrorKind
	for _, id := range rc.PriorityList(call.Task) {
		if out.AttemptsUsed >= remaining {
			break
		}
		if !r.health.IsAvailable(id) {
			out.Skipped = append(out.Skipped, id)
			providerSkips.WithLabelValues(id).Inc()
			r.logger.DebugContext(ctx, "skipping provider in cooldown", "provider", id, "request_id", call.RequestID)
			continue
		}

		pc := rc.Provider(id)
		adapter, ok := r.adapters.For(pc)
		if !ok {
			out.Skipped = append(out.Skipped, id)
			r.logger.WarnContext(ctx, "no adapter for provider", "provider", id, "kind", pc.Kind)
			continue
		}

		model := pc.ModelFor(call.Task, call.Payload.Model)
		res, latency, err := r.callProvider(ctx, adapter, pc, model, call, policy.Timeout)
		att := Attempt{ProviderID: id, Model: model, LatencyMs: latency.Milliseconds()}
		providerLatency.WithLabelValues(id, string(call.Task)).Observe(latency.Seconds())

		if err == nil {
			r.health.RecordSuccess(id)
			att.CountedAttempt = true
			out.AttemptsUsed++
			out.Trace = append(out.Trace, att)
			providerCalls.WithLabelValues(id, string(call.Task), "success").Inc()

			out.Success = true
			out.Stop = StopSuccess
			out.UsedProvider = id
			out.Model = model
			if res.Model != "" {
				out.Model = res.Model
			}
			out.Text = res.Text
			out.Embeddings = res.Embeddings
			out.Usage = res.Usage
			return out
		}

		kind, classified := Classify(err)
		if !classified {
			unclassifiedErrors.WithLabelValues(id).Inc()
			r.logger.WarnContext(ctx, "provider error without kind",
				"provider", id, "classification", "unclassified", "error", err)
		}
		r.health.RecordFailure(id, kind, policy.Cooldown)
		providerCalls.WithLabelValues(id, string(call.Task), string(kind)).Inc()

		att.ErrorKind = kind
		att.Error = err.Error()
		att.CountedAttempt = !policy.IsNonRetryable(kind)
		if att.CountedAttempt {
			out.AttemptsUsed++
		}
		out.Trace = append(out.Trace, att)
		lastErr, lastKind = err, kind

		r.logger.InfoContext(ctx, "provider attempt failed",
			"provider", id,
			"request_id", call.RequestID,
			"kind", kind,
			"counted", att.CountedAttempt,
			"latency_ms", att.LatencyMs)
	}

	switch {
	case lastErr == nil:
		out.Stop = StopNoProvider
		out.ErrorKind = KindNoProvider
		out.Err = fmt.Errorf("no provider available for %s (skipped %v)", call.Task, out.Skipped)
	case out.AttemptsUsed >= remaining:
		out.Stop = StopAttemptsExhausted
		out.ErrorKind = lastKind
		out.Err = fmt.Errorf("attempt budget spent after %d attempts: %w", len(out.Trace), lastErr)
	default:
		out.Stop = StopProvidersExhausted
		out.ErrorKind = lastKind
		out.Err = fmt.Errorf("all providers failed after %d attempts: %w", len(out.Trace), lastErr)
	}
	return out
}

type providerResult struct {
	Text       string
	Embeddings [][]float32
	Model      string
	Usage      Usage
	err        error
}

// callProvider invokes the adapter under a hard deadline. A response that
// arrives after the deadline is dropped.
func (r *Router) callProvider(ctx context.Context, adapter ProviderAdapter, pc ProviderConfig, model string, call Call, timeout time.Duration) (providerResult, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, "llmqueue.provider_call", trace.WithAttributes(
		attribute.String("llm.provider", pc.ID),
		attribute.String("llm.model", model),
		attribute.String("llm.task", string(call.Task)),
		attribute.String("llm.request_id", call.RequestID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan providerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- providerResult{err: &ProviderError{Kind: KindServerError, Provider: pc.ID, Message: fmt.Sprintf("adapter panic: %v", p)}}
			}
		}()
		done <- invoke(ctx, adapter, pc, model, call)
	}()

	var res providerResult
	select {
	case res = <-done:
	case <-ctx.Done():
		kind := KindTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = KindUnclassified
		}
		res.err = &ProviderError{Kind: kind, Provider: pc.ID, Message: fmt.Sprintf("no response within %s", timeout), Err: ctx.Err()}
	}
	latency := time.Since(start)

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return res, latency, res.err
	}
	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", res.Usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", res.Usage.OutputTokens),
	)
	return res, latency, nil
}

func invoke(ctx context.Context, adapter ProviderAdapter, pc ProviderConfig, model string, call Call) providerResult {
	p := call.Payload
	if call.Task == TaskEmbeddings {
		texts := p.Texts
		if len(texts) == 0 {
			texts = []string{p.Prompt}
		}
		resp, err := adapter.Embed(ctx, EmbedRequest{Model: model, Texts: texts}, pc)
		if err != nil {
			return providerResult{err: err}
		}
		return providerResult{Embeddings: resp.Embeddings, Model: resp.Model, Usage: resp.Usage}
	}

	resp, err := adapter.Generate(ctx, GenerateRequest{
		Model:           model,
		Prompt:          p.Prompt,
		System:          p.System,
		Messages:        p.Messages,
		MaxOutputTokens: p.MaxOutputTokens,
		Temperature:     p.Temperature,
	}, pc)
	if err != nil {
		return providerResult{err: err}
	}
	return providerResult{Text: resp.Text, Model: resp.Model, Usage: resp.Usage}
}
