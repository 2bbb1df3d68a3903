package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/instantcocoa/conduit/pkg/grpcutil"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "conduit.llmqueue.v1.QueueService"

// QueueServiceServer is the gRPC surface of the queue. Messages are
// google.protobuf.Struct values holding the JSON form of the Go types.
type QueueServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retryable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StatsByScope(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TestConnection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(QueueServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(QueueServiceServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QueueServiceServer).Watch(in, stream)
}

// ServiceDesc describes QueueService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", QueueServiceServer.Submit),
		unaryMethod("Get", QueueServiceServer.Get),
		unaryMethod("Status", QueueServiceServer.Status),
		unaryMethod("History", QueueServiceServer.History),
		unaryMethod("Pending", QueueServiceServer.Pending),
		unaryMethod("Retryable", QueueServiceServer.Retryable),
		unaryMethod("StatsByScope", QueueServiceServer.StatsByScope),
		unaryMethod("Pause", QueueServiceServer.Pause),
		unaryMethod("Resume", QueueServiceServer.Resume),
		unaryMethod("Clear", QueueServiceServer.Clear),
		unaryMethod("Retry", QueueServiceServer.Retry),
		unaryMethod("Cancel", QueueServiceServer.Cancel),
		unaryMethod("Health", QueueServiceServer.Health),
		unaryMethod("ResetHealth", QueueServiceServer.ResetHealth),
		unaryMethod("TestConnection", QueueServiceServer.TestConnection),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "conduit/llmqueue/v1/queue.proto",
}

// Wire shapes shared by the handler and Client.

type SubmitRequest struct {
	Task     Task     `json:"task"`
	Priority Priority `json:"priority,omitempty"`
	Payload  Payload  `json:"payload"`
	Scope    Scope    `json:"scope,omitempty"`
	// Wait blocks the call until the request settles.
	Wait bool `json:"wait,omitempty"`
}

type idRequest struct {
	ID string `json:"id"`
}

type listRequest struct {
	Limit int `json:"limit,omitempty"`
}

type scopeRequest struct {
	Scope Scope `json:"scope,omitempty"`
}

type retryRequest struct {
	ID            string `json:"id"`
	ResetAttempts bool   `json:"reset_attempts,omitempty"`
}

type providerRequest struct {
	ProviderID string `json:"provider_id,omitempty"`
	All        bool   `json:"all,omitempty"`
}

type WatchRequest struct {
	Scope     Scope  `json:"scope,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type requestResponse struct {
	Request *Request `json:"request"`
}

type requestsResponse struct {
	Requests []*Request `json:"requests"`
}

type statsResponse struct {
	Stats []ScopeStats `json:"stats"`
}

type pausedResponse struct {
	Paused bool `json:"paused"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type retryResponse struct {
	ID string `json:"id"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type healthResponse struct {
	Providers []ProviderHealth `json:"providers"`
}

type connectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler implements QueueServiceServer on a Manager.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new queue service handler.
func NewHandler(m *Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager: m,
		logger:  logger.With("component", "llmqueue"),
	}
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, h)
}

func (h *Handler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	r := NewRequest(req.Task, req.Priority, req.Payload, req.Scope)

	if req.Wait {
		done, err := h.manager.SubmitAndWait(ctx, r)
		if err != nil {
			return nil, h.toStatus(ctx, "submit", err)
		}
		return encodeStruct(requestResponse{Request: done})
	}

	if _, err := h.manager.Submit(ctx, r); err != nil {
		return nil, h.toStatus(ctx, "submit", err)
	}
	h.logger.InfoContext(ctx, "request submitted", "id", r.ID, "task", r.Task, "priority", r.Priority)
	return encodeStruct(requestResponse{Request: r})
}

func (h *Handler) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, grpcutil.InvalidArgumentError("id", "required")
	}
	r, err := h.manager.Get(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(ctx, "get", err)
	}
	return encodeStruct(requestResponse{Request: r})
}

func (h *Handler) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req scopeRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	st, err := h.manager.Status(ctx, req.Scope)
	if err != nil {
		return nil, h.toStatus(ctx, "status", err)
	}
	return encodeStruct(st)
}

func (h *Handler) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	rs, err := h.manager.History(ctx, req.Limit)
	if err != nil {
		return nil, h.toStatus(ctx, "history", err)
	}
	return encodeStruct(requestsResponse{Requests: rs})
}

func (h *Handler) Pending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	return encodeStruct(requestsResponse{Requests: h.manager.Pending(req.Limit)})
}

func (h *Handler) Retryable(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	rs, err := h.manager.Retryable(ctx, req.Limit)
	if err != nil {
		return nil, h.toStatus(ctx, "retryable", err)
	}
	return encodeStruct(requestsResponse{Requests: rs})
}

func (h *Handler) StatsByScope(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	stats, err := h.manager.StatsByScope(ctx)
	if err != nil {
		return nil, h.toStatus(ctx, "stats", err)
	}
	return encodeStruct(statsResponse{Stats: stats})
}

func (h *Handler) Pause(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h.manager.Pause()
	h.logger.InfoContext(ctx, "queue paused")
	return encodeStruct(pausedResponse{Paused: true})
}

func (h *Handler) Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h.manager.Resume()
	h.logger.InfoContext(ctx, "queue resumed")
	return encodeStruct(pausedResponse{Paused: false})
}

func (h *Handler) Clear(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req scopeRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	n, err := h.manager.Clear(ctx, req.Scope)
	if err != nil {
		return nil, h.toStatus(ctx, "clear", err)
	}
	h.logger.InfoContext(ctx, "queue cleared", "cleared", n, "tenant", req.Scope.Tenant, "project", req.Scope.Project)
	return encodeStruct(clearResponse{Cleared: n})
}

func (h *Handler) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req retryRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, grpcutil.InvalidArgumentError("id", "required")
	}
	id, err := h.manager.Retry(ctx, req.ID, req.ResetAttempts)
	if err != nil {
		return nil, h.toStatus(ctx, "retry", err)
	}
	return encodeStruct(retryResponse{ID: id})
}

func (h *Handler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, grpcutil.InvalidArgumentError("id", "required")
	}
	ok, err := h.manager.Cancel(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(ctx, "cancel", err)
	}
	return encodeStruct(cancelResponse{Cancelled: ok})
}

func (h *Handler) Health(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return encodeStruct(healthResponse{Providers: h.manager.Health()})
}

func (h *Handler) ResetHealth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req providerRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	switch {
	case req.All:
		h.manager.ResetAllHealth()
	case req.ProviderID != "":
		h.manager.ResetHealth(req.ProviderID)
	default:
		return nil, grpcutil.InvalidArgumentError("provider_id", "required unless all is set")
	}
	return encodeStruct(healthResponse{Providers: h.manager.Health()})
}

// TestConnection reports probe failures in the response body; only an
// unknown provider is a call error.
func (h *Handler) TestConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req providerRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ProviderID == "" {
		return nil, grpcutil.InvalidArgumentError("provider_id", "required")
	}
	err := h.manager.TestConnection(ctx, req.ProviderID)
	if errors.Is(err, ErrUnknownProvider) {
		return nil, grpcutil.NotFoundError("provider", req.ProviderID)
	}
	if err != nil {
		return encodeStruct(connectionResponse{Error: err.Error()})
	}
	return encodeStruct(connectionResponse{OK: true})
}

// Watch streams events until the client goes away. A request_id filter
// ends the stream once that request settles.
func (h *Handler) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decodeStruct(in, &req); err != nil {
		return err
	}
	events, cancel := h.manager.Subscribe()
	defer cancel()

	ctx := stream.Context()
	if req.RequestID != "" {
		// Subscribed first, so a request settling now is caught either way.
		r, err := h.manager.Get(ctx, req.RequestID)
		if err != nil {
			return h.toStatus(ctx, "watch", err)
		}
		if r.State.Terminal() {
			msg, err := encodeStruct(newEvent(settledEvent(r.State), r, r.UpdatedAt))
			if err != nil {
				return err
			}
			return stream.SendMsg(msg)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !e.Scope.Matches(req.Scope) {
				continue
			}
			if req.RequestID != "" && e.RequestID != req.RequestID {
				continue
			}
			msg, err := encodeStruct(e)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if req.RequestID != "" && e.State.Terminal() {
				return nil
			}
		}
	}
}

func settledEvent(s State) EventType {
	switch s {
	case StateCompleted:
		return EventCompleted
	case StateCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

var queueCodes = grpcutil.CodeMap{
	{Target: ErrNotFound, Code: codes.NotFound},
	{Target: ErrInvalidInput, Code: codes.InvalidArgument},
	{Target: ErrNotRetryable, Code: codes.FailedPrecondition},
	{Target: ErrAlreadyRetried, Code: codes.FailedPrecondition},
	{Target: ErrAttemptsExhausted, Code: codes.FailedPrecondition},
	{Target: ErrUnknownProvider, Code: codes.NotFound},
	{Target: ErrQueueFaulted, Code: codes.Unavailable, Hide: true},
}

func (h *Handler) toStatus(ctx context.Context, op string, err error) error {
	st, known := queueCodes.Status(err)
	if !known || errors.Is(err, ErrQueueFaulted) {
		h.logger.ErrorContext(ctx, op+" failed", "error", err)
	}
	return st
}

func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil || len(in.GetFields()) == 0 {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return grpcutil.InvalidArgumentError("request", err.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return grpcutil.InvalidArgumentError("request", err.Error())
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcutil.InternalError(fmt.Errorf("failed to marshal response: %w", err))
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, grpcutil.InternalError(fmt.Errorf("failed to convert response: %w", err))
	}
	return out, nil
}

var _ QueueServiceServer = (*Handler)(nil)
