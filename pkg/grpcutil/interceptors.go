package grpcutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// callLevel picks the log level for a finished call. Caller mistakes are
// warnings, health probes are debug noise.
func callLevel(method string, code codes.Code) slog.Level {
	switch {
	case strings.HasPrefix(method, "/grpc.health.v1.Health/"):
		return slog.LevelDebug
	case code == codes.OK:
		return slog.LevelInfo
	case code == codes.NotFound, code == codes.InvalidArgument, code == codes.FailedPrecondition,
		code == codes.Canceled, code == codes.DeadlineExceeded:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// requestID pulls the request_id field out of a structpb request, if any.
func requestID(req any) string {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	return s.GetFields()["request_id"].GetStringValue()
}

func logCall(ctx context.Context, logger *slog.Logger, kind, method string, start time.Time, id string, err error) {
	code := status.Code(err)
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.String("code", code.String()),
	}
	if id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	msg := "gRPC " + kind + " completed"
	if err != nil {
		attrs = append(attrs, slog.String("error", status.Convert(err).Message()))
		msg = "gRPC " + kind + " failed"
	}
	logger.LogAttrs(ctx, callLevel(method, code), msg, attrs...)
}

// LoggingUnaryInterceptor logs unary RPC calls.
func LoggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, logger, "call", info.FullMethod, start, requestID(req), err)
		return resp, err
	}
}

// LoggingStreamInterceptor logs streaming RPC calls once the stream ends.
func LoggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), logger, "stream", info.FullMethod, start, "", err)
		return err
	}
}

// recovered turns a recovered panic into an INTERNAL status and logs it.
func recovered(ctx context.Context, logger *slog.Logger, method string, r any) error {
	logger.ErrorContext(ctx, "panic recovered",
		"method", method,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	return status.Error(codes.Internal, "internal server error")
}

// RecoveryUnaryInterceptor recovers from panics in unary RPCs.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				resp, err = nil, recovered(ctx, logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor recovers from panics in streaming RPCs.
func RecoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(ss.Context(), logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

// metadataCarrier adapts gRPC metadata to the OpenTelemetry propagation API.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func extractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
}

func endSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, status.Convert(err).Message())
	}
	span.End()
}

// TracingUnaryInterceptor starts a server span per unary RPC, continuing any
// trace propagated in the incoming metadata.
func TracingUnaryInterceptor(service string) grpc.UnaryServerInterceptor {
	tracer := otel.Tracer("github.com/instantcocoa/conduit/pkg/grpcutil")
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, span := tracer.Start(extractTraceContext(ctx), info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.service", service),
			),
		)
		resp, err := handler(ctx, req)
		endSpan(span, err)
		return resp, err
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

// TracingStreamInterceptor starts a server span per streaming RPC.
func TracingStreamInterceptor(service string) grpc.StreamServerInterceptor {
	tracer := otel.Tracer("github.com/instantcocoa/conduit/pkg/grpcutil")
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, span := tracer.Start(extractTraceContext(ss.Context()), info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.service", service),
			),
		)
		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		endSpan(span, err)
		return err
	}
}
