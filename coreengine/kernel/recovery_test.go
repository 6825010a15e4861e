package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_Success(t *testing.T) {
	logger := &testLogger{}

	err := Guard(logger, "test_operation", func() error {
		return nil
	})

	assert.NoError(t, err)
	assert.Empty(t, logger.logs)
}

func TestGuard_Error(t *testing.T) {
	expectedErr := errors.New("test error")

	err := Guard(&testLogger{}, "test_operation", func() error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
}

func TestGuard_Panic(t *testing.T) {
	logger := &testLogger{}

	err := Guard(logger, "test_operation", func() error {
		panic("test panic")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test_operation")
	assert.Contains(t, err.Error(), "test panic")

	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "test_operation", perr.Operation)
	assert.Equal(t, "test panic", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.True(t, logger.contains("panic_recovered"))
}

func TestGuard_NilLogger(t *testing.T) {
	err := Guard(nil, "test_operation", func() error {
		panic("test panic")
	})

	assert.Error(t, err)
}

func TestGuardValue_Success(t *testing.T) {
	result, err := GuardValue(&testLogger{}, "test_operation", -1, func() int {
		return 42
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestGuardValue_PanicReturnsFallback(t *testing.T) {
	logger := &testLogger{}

	result, err := GuardValue(logger, "test_operation", int64(-1), func() int64 {
		var table map[string]int64
		table["boom"] = 1
		return 0
	})

	require.Error(t, err)
	assert.Equal(t, int64(-1), result)
	assert.True(t, logger.contains("panic_recovered"))
}
