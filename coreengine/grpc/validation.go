// Package grpc exports the ABI surface as verniskernel.v1.KernelService.
//
// Requests and responses are google.protobuf.Struct messages. This file is
// the argument validation layer: every field is checked here before a call
// reaches the handle table, so server methods contain only kernel logic.
package grpc

import (
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vernisos/verniskernel/coreengine/abi"
)

// =============================================================================
// FIELD EXTRACTION
// =============================================================================

// numberField returns an integral number field, or InvalidArgument.
func numberField(req *structpb.Struct, name string) (float64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, InvalidArgument(name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	f := n.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return f, nil
}

// uintField extracts a non-negative integer no larger than limit.
func uintField(req *structpb.Struct, name string, limit uint64) (uint64, error) {
	f, err := numberField(req, name)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > float64(limit) {
		return 0, status.Errorf(codes.InvalidArgument, "%s out of range [0, %d]", name, limit)
	}
	return uint64(f), nil
}

// intField extracts a signed integer within [lo, hi].
func intField(req *structpb.Struct, name string, lo, hi int64) (int64, error) {
	f, err := numberField(req, name)
	if err != nil {
		return 0, err
	}
	if f < float64(lo) || f > float64(hi) {
		return 0, status.Errorf(codes.InvalidArgument, "%s out of range [%d, %d]", name, lo, hi)
	}
	return int64(f), nil
}

// optionalUint is uintField with a default for a missing field.
func optionalUint(req *structpb.Struct, name string, limit, def uint64) (uint64, error) {
	if _, ok := req.GetFields()[name]; !ok {
		return def, nil
	}
	return uintField(req, name, limit)
}

// stringField extracts a required string field.
func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", InvalidArgument(name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a string", name)
	}
	return s.StringValue, nil
}

// maxSafeInteger is the largest integer a Struct number holds exactly.
const maxSafeInteger = 1<<53 - 1

func handleField(req *structpb.Struct) (abi.Handle, error) {
	h, err := uintField(req, "handle", maxSafeInteger)
	if err != nil {
		return abi.NullHandle, err
	}
	if h == 0 {
		return abi.NullHandle, status.Error(codes.InvalidArgument, "handle must be non-zero")
	}
	return abi.Handle(h), nil
}

func pidField(req *structpb.Struct) (uint64, error) {
	pid, err := uintField(req, "pid", maxSafeInteger)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, status.Error(codes.InvalidArgument, "pid must be non-zero")
	}
	return pid, nil
}

// =============================================================================
// KERNEL ERROR CODES (analogous to errno.h)
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error (analogous to EINVAL).
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error (analogous to ENOENT).
func NotFound(resourceType string, id uint64) error {
	return status.Errorf(codes.NotFound, "%s not found: %d", resourceType, id)
}

// Internal wraps an internal error with context (analogous to EIO).
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition returns an error for invalid state transitions (analogous to EBUSY).
func FailedPrecondition(resource, currentState, attemptedAction string) error {
	return status.Errorf(codes.FailedPrecondition,
		"%s in state %s cannot %s", resource, currentState, attemptedAction)
}

// ResourceExhausted returns an error for exhausted user memory (analogous to ENOMEM).
func ResourceExhausted(resourceType string, requested int) error {
	return status.Errorf(codes.ResourceExhausted, "%s exhausted: %d bytes requested", resourceType, requested)
}
