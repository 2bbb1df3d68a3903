package grpcutil

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NotFoundError creates a NOT_FOUND gRPC error.
func NotFoundError(resource, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resource, id)
}

// InvalidArgumentError creates an INVALID_ARGUMENT gRPC error.
func InvalidArgumentError(field, reason string) error {
	return status.Errorf(codes.InvalidArgument, "invalid %s: %s", field, reason)
}

// FailedPreconditionError creates a FAILED_PRECONDITION gRPC error.
func FailedPreconditionError(reason string) error {
	return status.Errorf(codes.FailedPrecondition, "%s", reason)
}

// InternalError creates an INTERNAL gRPC error.
func InternalError(err error) error {
	return status.Errorf(codes.Internal, "internal error: %v", err)
}

// UnavailableError creates an UNAVAILABLE gRPC error.
func UnavailableError(service string) error {
	return status.Errorf(codes.Unavailable, "%s is temporarily unavailable", service)
}

// CodeRule maps every error matching Target (via errors.Is) to Code.
// Hide replaces the message with a generic one for the code.
type CodeRule struct {
	Target error
	Code   codes.Code
	Hide   bool
}

// CodeMap translates domain errors into gRPC status errors. Rules are
// checked in order.
type CodeMap []CodeRule

// Status converts err. Errors that already carry a status keep it, and
// context errors map through status.FromContextError. The bool reports
// whether a rule or one of those cases matched; unmatched errors come back
// as INTERNAL.
func (m CodeMap) Status(err error) (error, bool) {
	if err == nil {
		return nil, true
	}
	if _, ok := status.FromError(err); ok {
		return err, true
	}
	for _, r := range m {
		if !errors.Is(err, r.Target) {
			continue
		}
		if r.Hide {
			return status.Error(r.Code, r.Code.String()), true
		}
		return status.Error(r.Code, err.Error()), true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err(), true
	}
	return InternalError(err), false
}
