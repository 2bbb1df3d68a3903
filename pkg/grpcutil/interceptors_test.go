package grpcutil

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// recordHandler keeps every record it handles.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler { return h }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordHandler) last(t *testing.T) (slog.Record, map[string]string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		t.Fatal("nothing was logged")
	}
	r := h.records[len(h.records)-1]
	attrs := map[string]string{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	return r, attrs
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func getRequest(id string) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{"request_id": id})
	return s
}

func TestCallLevel(t *testing.T) {
	tests := []struct {
		method string
		code   codes.Code
		want   slog.Level
	}{
		{"/conduit.llmqueue.v1.QueueService/Submit", codes.OK, slog.LevelInfo},
		{"/conduit.llmqueue.v1.QueueService/Get", codes.NotFound, slog.LevelWarn},
		{"/conduit.llmqueue.v1.QueueService/Submit", codes.InvalidArgument, slog.LevelWarn},
		{"/conduit.llmqueue.v1.QueueService/Retry", codes.FailedPrecondition, slog.LevelWarn},
		{"/conduit.llmqueue.v1.QueueService/Watch", codes.Canceled, slog.LevelWarn},
		{"/conduit.llmqueue.v1.QueueService/Submit", codes.Unavailable, slog.LevelError},
		{"/conduit.llmqueue.v1.QueueService/Stats", codes.Internal, slog.LevelError},
		{"/grpc.health.v1.Health/Check", codes.OK, slog.LevelDebug},
		{"/grpc.health.v1.Health/Watch", codes.Unavailable, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := callLevel(tt.method, tt.code); got != tt.want {
			t.Errorf("callLevel(%s, %v) = %v, want %v", tt.method, tt.code, got, tt.want)
		}
	}
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	rec := &recordHandler{}
	interceptor := LoggingUnaryInterceptor(slog.New(rec))
	info := &grpc.UnaryServerInfo{FullMethod: "/conduit.llmqueue.v1.QueueService/Get"}

	t.Run("completed call carries the request id", func(t *testing.T) {
		handler := func(ctx context.Context, req any) (any, error) { return "response", nil }

		resp, err := interceptor(context.Background(), getRequest("req-1"), info, handler)
		if err != nil || resp != "response" {
			t.Fatalf("got %v, %v", resp, err)
		}

		r, attrs := rec.last(t)
		if r.Level != slog.LevelInfo || r.Message != "gRPC call completed" {
			t.Errorf("unexpected record %v %q", r.Level, r.Message)
		}
		if attrs["request_id"] != "req-1" || attrs["code"] != "OK" || attrs["method"] != info.FullMethod {
			t.Errorf("unexpected attrs %v", attrs)
		}
	})

	t.Run("not found is a warning", func(t *testing.T) {
		want := status.Error(codes.NotFound, "request not found: req-2")
		handler := func(ctx context.Context, req any) (any, error) { return nil, want }

		if _, err := interceptor(context.Background(), getRequest("req-2"), info, handler); err != want {
			t.Fatalf("error = %v, want %v", err, want)
		}
		r, attrs := rec.last(t)
		if r.Level != slog.LevelWarn || r.Message != "gRPC call failed" {
			t.Errorf("unexpected record %v %q", r.Level, r.Message)
		}
		if attrs["error"] != "request not found: req-2" {
			t.Errorf("error attr = %q", attrs["error"])
		}
	})

	t.Run("non-struct request has no id", func(t *testing.T) {
		handler := func(ctx context.Context, req any) (any, error) { return nil, errors.New("boom") }

		interceptor(context.Background(), "raw", info, handler)
		r, attrs := rec.last(t)
		if _, ok := attrs["request_id"]; ok {
			t.Errorf("unexpected request_id %v", attrs)
		}
		if r.Level != slog.LevelError || attrs["code"] != "Unknown" {
			t.Errorf("unexpected record %v %v", r.Level, attrs)
		}
	})
}

func TestLoggingStreamInterceptor(t *testing.T) {
	rec := &recordHandler{}
	interceptor := LoggingStreamInterceptor(slog.New(rec))
	stream := &mockServerStream{ctx: context.Background()}
	info := &grpc.StreamServerInfo{FullMethod: "/conduit.llmqueue.v1.QueueService/Watch"}

	if err := interceptor(nil, stream, info, func(any, grpc.ServerStream) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := rec.last(t)
	if r.Message != "gRPC stream completed" || r.Level != slog.LevelInfo {
		t.Errorf("unexpected record %v %q", r.Level, r.Message)
	}

	want := status.Error(codes.Unavailable, "Unavailable")
	if err := interceptor(nil, stream, info, func(any, grpc.ServerStream) error { return want }); err != want {
		t.Fatalf("error = %v, want %v", err, want)
	}
	r, _ = rec.last(t)
	if r.Message != "gRPC stream failed" || r.Level != slog.LevelError {
		t.Errorf("unexpected record %v %q", r.Level, r.Message)
	}
}

func TestRecoveryInterceptors(t *testing.T) {
	rec := &recordHandler{}
	logger := slog.New(rec)

	t.Run("unary panic becomes internal", func(t *testing.T) {
		interceptor := RecoveryUnaryInterceptor(logger)
		info := &grpc.UnaryServerInfo{FullMethod: "/conduit.llmqueue.v1.QueueService/Submit"}

		resp, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
			panic("adapter exploded")
		})
		if resp != nil {
			t.Errorf("response = %v, want nil", resp)
		}
		if status.Code(err) != codes.Internal {
			t.Errorf("code = %v, want Internal", status.Code(err))
		}
		r, attrs := rec.last(t)
		if r.Message != "panic recovered" || attrs["panic"] != "adapter exploded" {
			t.Errorf("unexpected record %q %v", r.Message, attrs)
		}
	})

	t.Run("unary errors pass through", func(t *testing.T) {
		interceptor := RecoveryUnaryInterceptor(logger)
		want := errors.New("handler error")
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			return nil, want
		})
		if err != want {
			t.Errorf("error = %v, want %v", err, want)
		}
	})

	t.Run("stream panic becomes internal", func(t *testing.T) {
		interceptor := RecoveryStreamInterceptor(logger)
		stream := &mockServerStream{ctx: context.Background()}
		info := &grpc.StreamServerInfo{FullMethod: "/conduit.llmqueue.v1.QueueService/Watch"}

		err := interceptor(nil, stream, info, func(any, grpc.ServerStream) error { panic("watch exploded") })
		if status.Code(err) != codes.Internal {
			t.Errorf("code = %v, want Internal", status.Code(err))
		}
	})
}

func TestTracingUnaryInterceptor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	interceptor := TracingUnaryInterceptor("llmqueue")
	info := &grpc.UnaryServerInfo{FullMethod: "/conduit.llmqueue.v1.QueueService/Submit"}

	var sawSpan bool
	handler := func(ctx context.Context, req any) (any, error) {
		sawSpan = trace.SpanFromContext(ctx).SpanContext().IsValid()
		return nil, status.Error(codes.NotFound, "missing")
	}

	if _, err := interceptor(context.Background(), "req", info, handler); status.Code(err) != codes.NotFound {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if !sawSpan {
		t.Error("handler context carried no span")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != info.FullMethod {
		t.Errorf("span name = %q, want %q", spans[0].Name(), info.FullMethod)
	}
	if spans[0].Status().Code != otelcodes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status().Code)
	}
}

func TestMetadataCarrier(t *testing.T) {
	md := metadata.MD{}
	c := metadataCarrier(md)
	c.Set("Traceparent", "00-abc-def-01")

	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get() = %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Keys() = %v", keys)
	}
}
