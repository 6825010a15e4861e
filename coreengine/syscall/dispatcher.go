package syscall

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vernisos/verniskernel/coreengine/console"
	"github.com/vernisos/verniskernel/coreengine/kernel"
	"github.com/vernisos/verniskernel/coreengine/observability"
)

// ProcessTable is the view of the scheduler used by system calls.
// Both *kernel.Scheduler and *kernel.Kernel satisfy it.
type ProcessTable interface {
	GetCurrentProcess() *kernel.ProcessControlBlock
	CurrentPID() (kernel.PID, bool)
	ExitCurrent(exitCode int32) (kernel.PID, bool)
	Schedule() (kernel.PID, bool)
	StandbyPIDs() []kernel.PID
	Stats() kernel.SchedulerStats
}

// Dispatcher routes system calls to their handlers.
//
// A Dispatcher performs no locking of its own; callers serialize access
// the same way they serialize access to the process table.
type Dispatcher struct {
	procs   ProcessTable
	mem     UserMemory
	out     console.Emitter
	logger  kernel.Logger
	tracer  trace.Tracer
	metrics bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for failed and panicking calls.
func WithLogger(logger kernel.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer overrides the tracer (default: observability.Tracer()).
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithMetrics enables or disables Prometheus recording (default: enabled).
func WithMetrics(enabled bool) Option {
	return func(d *Dispatcher) { d.metrics = enabled }
}

// NewDispatcher creates a dispatcher over procs. A nil mem rejects every
// user buffer; a nil out discards console output.
func NewDispatcher(procs ProcessTable, mem UserMemory, out console.Emitter, opts ...Option) *Dispatcher {
	if out == nil {
		out = console.Discard
	}
	d := &Dispatcher{
		procs:   procs,
		mem:     mem,
		out:     out,
		metrics: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = observability.Tracer()
	}
	return d
}

// Dispatch executes system call number with up to three word arguments.
func (d *Dispatcher) Dispatch(number uint32, arg1, arg2, arg3 uintptr) int64 {
	return d.DispatchContext(context.Background(), number, arg1, arg2, arg3)
}

// DispatchContext is Dispatch with a parent context for tracing.
//
// A handler panic is recovered, logged and reported as -1.
func (d *Dispatcher) DispatchContext(ctx context.Context, number uint32, arg1, arg2, arg3 uintptr) int64 {
	num := Number(number)
	name := num.String()
	start := time.Now()

	_, span := d.tracer.Start(ctx, "syscall."+name,
		trace.WithAttributes(attribute.Int64("syscall.number", int64(number))),
	)
	defer span.End()

	result, err := kernel.GuardValue(d.logger, "syscall_"+name, ResultUnknown, func() int64 {
		return d.handle(num, arg1, arg2, arg3)
	})

	status := resultStatus(num, result, err)
	span.SetAttributes(
		attribute.Int64("syscall.result", result),
		attribute.String("syscall.status", status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	if d.metrics {
		observability.RecordSyscall(name, status, time.Since(start))
	}
	if result < 0 && err == nil && d.logger != nil {
		d.logger.Debug("syscall_failed",
			"syscall", name,
			"number", number,
			"result", result,
			"status", status,
		)
	}
	return result
}

func (d *Dispatcher) handle(num Number, arg1, arg2, _ uintptr) int64 {
	switch num {
	case Write:
		return d.sysWrite(arg1, arg2)
	case Exit:
		d.sysExit(int32(arg1))
		return ResultOK
	case GetPid:
		return d.sysGetPid()
	case DumpRegisters:
		d.dumpRegisters()
		return ResultOK
	case DumpScheduler:
		d.dumpScheduler()
		return ResultOK
	case DumpMemory:
		d.dumpMemory(arg1, arg2)
		return ResultOK
	case DumpSyscalls:
		d.dumpSyscalls()
		return ResultOK
	case DumpAll:
		d.dumpAll()
		return ResultOK
	default:
		return ResultUnknown
	}
}

func resultStatus(num Number, result int64, err error) string {
	switch {
	case err != nil:
		return "panic"
	case !num.Valid():
		return "unknown"
	case result >= 0:
		return "ok"
	case num == GetPid:
		return "no_process"
	case result == ErrnoInvalid:
		return "einval"
	default:
		return "efault"
	}
}

// readUser validates and reads a user buffer.
func (d *Dispatcher) readUser(ptr, length uintptr) ([]byte, error) {
	if err := ValidateUserMemory(ptr, length); err != nil {
		return nil, err
	}
	if d.mem == nil {
		return nil, ErrNoUserMemory
	}
	data, err := d.mem.Read(ptr, length)
	if err != nil {
		return nil, fmt.Errorf("read user memory at 0x%X: %w", ptr, err)
	}
	return data, nil
}

func (d *Dispatcher) emit(format string, args ...any) {
	d.out.Emit(fmt.Sprintf(format, args...))
}

// =============================================================================
// Process calls
// =============================================================================

func (d *Dispatcher) sysWrite(ptr, length uintptr) int64 {
	data, err := d.readUser(ptr, length)
	if err != nil {
		return ErrnoFault
	}
	if !utf8.Valid(data) {
		return ErrnoInvalid
	}
	d.out.Emit(strings.TrimSuffix(string(data), "\n"))
	return int64(len(data))
}

// sysExit retires the current process and advances the scheduler.
func (d *Dispatcher) sysExit(code int32) {
	if pid, ok := d.procs.ExitCurrent(code); ok {
		d.emit("[EXIT] Process %d exited with code %d", pid, code)
	}
	if next, ok := d.procs.Schedule(); ok {
		d.emit("[SCHED] Switching to PID %d", next)
	} else {
		d.emit("[SCHED] No ready processes")
	}
}

func (d *Dispatcher) sysGetPid() int64 {
	pid, ok := d.procs.CurrentPID()
	if !ok {
		return ResultNoProcess
	}
	return int64(pid)
}
