package grpc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestUintField(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		want    uint64
		wantErr string
	}{
		{"valid", map[string]any{"n": 42}, 42, ""},
		{"zero", map[string]any{"n": 0}, 0, ""},
		{"missing", map[string]any{}, 0, "n is required"},
		{"string", map[string]any{"n": "42"}, 0, "must be a number"},
		{"fraction", map[string]any{"n": 1.5}, 0, "must be an integer"},
		{"negative", map[string]any{"n": -1}, 0, "out of range"},
		{"too large", map[string]any{"n": 256}, 0, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uintField(mustStruct(t, tt.fields), "n", math.MaxUint8)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, codes.InvalidArgument, status.Code(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntField(t *testing.T) {
	req := mustStruct(t, map[string]any{"a": -20, "b": -200, "c": math.Inf(1)})

	v, err := intField(req, "a", math.MinInt8, math.MaxInt8)
	require.NoError(t, err)
	assert.Equal(t, int64(-20), v)

	_, err = intField(req, "b", math.MinInt8, math.MaxInt8)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = intField(req, "c", math.MinInt8, math.MaxInt8)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestOptionalUint(t *testing.T) {
	req := mustStruct(t, map[string]any{"set": 7})

	v, err := optionalUint(req, "set", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	v, err = optionalUint(req, "unset", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestStringField(t *testing.T) {
	req := mustStruct(t, map[string]any{"s": "init", "n": 1})

	v, err := stringField(req, "s")
	require.NoError(t, err)
	assert.Equal(t, "init", v)

	_, err = stringField(req, "n")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = stringField(req, "missing")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHandleAndPIDFields(t *testing.T) {
	_, err := handleField(mustStruct(t, map[string]any{"handle": 0}))
	assert.Contains(t, err.Error(), "handle must be non-zero")

	h, err := handleField(mustStruct(t, map[string]any{"handle": 3}))
	require.NoError(t, err)
	assert.EqualValues(t, 3, h)

	_, err = pidField(mustStruct(t, map[string]any{"pid": 0}))
	assert.Contains(t, err.Error(), "pid must be non-zero")

	// A nil request behaves like an empty one.
	_, err = handleField(nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestErrorBuilders(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
		msg  string
	}{
		{"invalid argument", InvalidArgument("command"), codes.InvalidArgument, "command is required"},
		{"not found", NotFound("process", 7), codes.NotFound, "process not found: 7"},
		{"internal", Internal("encode", assert.AnError), codes.Internal, "encode failed"},
		{"failed precondition", FailedPrecondition("process 2", "zombie", "wake"), codes.FailedPrecondition, "process 2 in state zombie cannot wake"},
		{"resource exhausted", ResourceExhausted("user heap", 64), codes.ResourceExhausted, "user heap exhausted: 64 bytes requested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(tt.err)
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
			assert.Contains(t, st.Message(), tt.msg)
		})
	}
}
