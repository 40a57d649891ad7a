package transport

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

// errorDomain tags the ErrorInfo details produced by this service.
const errorDomain = "eeval"

func codeOf(kind errdefs.Kind) codes.Code {
	switch kind {
	case errdefs.KindNotFound:
		return codes.NotFound
	case errdefs.KindInvalidArgument:
		return codes.InvalidArgument
	case errdefs.KindDeserialization, errdefs.KindInvalidContext, errdefs.KindEvaluation:
		return codes.FailedPrecondition
	case errdefs.KindConnectivity:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts a domain error into a gRPC status carrying its kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := errdefs.KindOf(err)
	if kind == errdefs.KindUnknown {
		if _, ok := status.FromError(err); ok {
			return err
		}
		kind = errdefs.KindInternal
	}

	st := status.New(codeOf(kind), err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(kind), Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// fromStatus restores the domain error kind from a gRPC error.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errdefs.Connectivity(op, err)
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != errorDomain {
			continue
		}
		if kind := errdefs.ParseKind(info.Reason); kind != errdefs.KindUnknown {
			return &errdefs.Error{Kind: kind, Op: op, Err: errors.New(st.Message())}
		}
	}

	kind := errdefs.KindInternal
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		kind = errdefs.KindConnectivity
	case codes.NotFound:
		kind = errdefs.KindNotFound
	case codes.InvalidArgument:
		kind = errdefs.KindInvalidArgument
	}
	return &errdefs.Error{Kind: kind, Op: op, Err: err}
}
