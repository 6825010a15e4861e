package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/vernisos/verniskernel/coreengine/abi"
	"github.com/vernisos/verniskernel/coreengine/console"
	"github.com/vernisos/verniskernel/coreengine/kernel"
)

// =============================================================================
// LOGGER MOCKS
// =============================================================================

// TestLogger captures structured log calls. Safe for concurrent use, since
// gRPC handlers log from server goroutines.
type TestLogger struct {
	mu    sync.Mutex
	calls []LogCall
}

// LogCall is a single captured log call.
type LogCall struct {
	Level   string
	Message string
	Fields  map[string]any
}

func (l *TestLogger) record(level, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LogCall{Level: level, Message: msg, Fields: toMap(keysAndValues)})
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.record("debug", msg, keysAndValues) }
func (l *TestLogger) Info(msg string, keysAndValues ...any)  { l.record("info", msg, keysAndValues) }
func (l *TestLogger) Warn(msg string, keysAndValues ...any)  { l.record("warn", msg, keysAndValues) }
func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.record("error", msg, keysAndValues) }

func toMap(keysAndValues []any) map[string]any {
	m := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// Has reports whether a call with the given level and message was captured.
func (l *TestLogger) Has(level, msg string) bool {
	_, ok := l.Find(level, msg)
	return ok
}

// Find returns the first call with the given level and message.
func (l *TestLogger) Find(level, msg string) (LogCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, call := range l.calls {
		if call.Level == level && call.Message == msg {
			return call, true
		}
	}
	return LogCall{}, false
}

// =============================================================================
// TEST SERVER FACTORIES
// =============================================================================

// CreateTestKernelServer creates a KernelServer over a table driven by a
// manual clock, with metrics disabled.
func CreateTestKernelServer() (*KernelServer, *TestLogger, *kernel.ManualClock, *console.Buffer) {
	logger := &TestLogger{}
	clock := kernel.NewManualClock(0)
	out := console.NewBuffer()
	table := abi.NewTable(abi.Options{
		Kernel:  &kernel.Config{TimeQuantum: 10, ReapRetention: 100, EnableMetrics: false},
		Clock:   clock,
		Console: out,
		Logger:  logger,
	})
	return NewKernelServer(logger, table), logger, clock, out
}

// =============================================================================
// MOCK GRPC STREAMS
// =============================================================================

// MockServerStream implements grpc.ServerStream for interceptor tests.
type MockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// NewMockServerStream creates a new mock server stream.
func NewMockServerStream(ctx context.Context) *MockServerStream {
	return &MockServerStream{ctx: ctx}
}

func (m *MockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
