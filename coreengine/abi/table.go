// Package abi exposes scheduler instances behind opaque handles.
//
// This is the host-facing boundary of the kernel core:
//   - Handles are plain integers; 0 is the null handle
//   - Strings cross as NUL-terminated byte slices and are copied
//   - Failures return sentinels (0, false, -1) and never mutate state
//
// The table mutex guards only the handle map. Scheduler state is serialized
// by each instance's Kernel, and its heap and dispatcher by a per-instance
// mutex, so kernel event handlers may call back into the Table. A handler
// must not call Dispatch, InitHeap or CopyToUser on the handle whose
// Dispatch emitted the event.
package abi

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/vernisos/verniskernel/coreengine/console"
	"github.com/vernisos/verniskernel/coreengine/kernel"
	"github.com/vernisos/verniskernel/coreengine/memory"
	"github.com/vernisos/verniskernel/coreengine/observability"
	"github.com/vernisos/verniskernel/coreengine/syscall"
)

// Handle identifies a scheduler instance.
type Handle uint64

// NullHandle never names an instance.
const NullHandle Handle = 0

// DispatchInvalidHandle is returned by Dispatch for an unknown handle.
const DispatchInvalidHandle int64 = -1

// unknownCommand replaces command and reason strings that are not valid UTF-8.
const unknownCommand = "unknown"

// Options configures the instances created by a Table.
type Options struct {
	// Kernel configuration shared by every instance (default: kernel.DefaultConfig()).
	Kernel *kernel.Config
	// Clock shared by every instance. Nil gives each instance its own millisecond clock.
	Clock kernel.Clock
	// Console receives system call output (default: discard).
	Console console.Emitter
	// Logger may be nil.
	Logger kernel.Logger
}

type instance struct {
	kernel *kernel.Kernel

	// Guards arena and dispatcher
	mu         sync.Mutex
	arena      *memory.Arena
	dispatcher *syscall.Dispatcher
}

// Table owns every live scheduler instance.
type Table struct {
	mu        sync.Mutex
	opts      Options
	next      Handle
	instances map[Handle]*instance
}

// NewTable creates an empty handle table.
func NewTable(opts Options) *Table {
	if opts.Kernel == nil {
		opts.Kernel = kernel.DefaultConfig()
	}
	if opts.Console == nil {
		opts.Console = console.Discard
	}
	return &Table{
		opts:      opts,
		next:      1,
		instances: make(map[Handle]*instance),
	}
}

// =============================================================================
// Handle lifecycle
// =============================================================================

// Create allocates a new scheduler instance and returns its handle.
func (t *Table) Create() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	clock := t.opts.Clock
	if clock == nil {
		clock = kernel.NewMonotonicClock(0)
	}
	k := kernel.NewKernel(t.opts.Logger, clock, t.opts.Kernel)
	arena := memory.NewArena()

	h := t.next
	t.next++
	t.instances[h] = &instance{
		kernel: k,
		arena:  arena,
		dispatcher: syscall.NewDispatcher(k, arena, t.opts.Console,
			syscall.WithLogger(t.opts.Logger),
			syscall.WithMetrics(t.opts.Kernel.EnableMetrics),
		),
	}
	t.publishHandles()

	if t.opts.Logger != nil {
		t.opts.Logger.Info("handle_created", "handle", uint64(h), "boot_id", k.BootID())
	}
	return h
}

// Destroy releases the handle and kills every process of the instance.
func (t *Table) Destroy(h Handle) bool {
	t.mu.Lock()
	inst, ok := t.instances[h]
	if ok {
		delete(t.instances, h)
		t.publishHandles()
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	if err := inst.kernel.Shutdown(context.Background()); err != nil && t.opts.Logger != nil {
		t.opts.Logger.Warn("handle_shutdown_failed", "handle", uint64(h), "error", err.Error())
	}

	if t.opts.Logger != nil {
		t.opts.Logger.Info("handle_destroyed", "handle", uint64(h))
	}
	return true
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instances)
}

// Kernel returns the synchronized kernel behind h, for hosts that run
// background loops against it. Handlers registered with OnEvent run with
// no Table lock held.
func (t *Table) Kernel(h Handle) (*kernel.Kernel, bool) {
	inst, ok := t.lookup(h)
	if !ok {
		return nil, false
	}
	return inst.kernel, true
}

func (t *Table) lookup(h Handle) (*instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[h]
	return inst, ok
}

func (t *Table) publishHandles() {
	if t.opts.Kernel.EnableMetrics {
		observability.SetOpenHandles(len(t.instances))
	}
}

// with runs fn if h is live. The table lock is not held while fn runs.
func (t *Table) with(h Handle, fn func(inst *instance)) bool {
	inst, ok := t.lookup(h)
	if !ok {
		return false
	}
	fn(inst)
	return true
}

// withLocked is with, holding the instance's heap and dispatcher lock.
func (t *Table) withLocked(h Handle, fn func(inst *instance)) bool {
	return t.with(h, func(inst *instance) {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		fn(inst)
	})
}

// cString decodes a NUL-terminated byte slice. A nil slice or one without a
// terminator is rejected; invalid UTF-8 decodes to "unknown".
func cString(b []byte) (string, bool) {
	if b == nil {
		return "", false
	}
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", false
	}
	s := b[:end]
	if !utf8.Valid(s) {
		return unknownCommand, true
	}
	return string(s), true
}

// =============================================================================
// Process management
// =============================================================================

// CreateProcess creates a STANDBY process. Returns its pid, or 0 on failure.
func (t *Table) CreateProcess(h Handle, priority uint8, command []byte) uint64 {
	cmd, ok := cString(command)
	if !ok {
		return 0
	}
	var pid kernel.PID
	t.with(h, func(inst *instance) {
		pid = inst.kernel.CreateProcess(priority, cmd)
	})
	return uint64(pid)
}

// Schedule runs one scheduling decision. Returns the running pid, or 0 when idle.
func (t *Table) Schedule(h Handle) uint64 {
	var pid kernel.PID
	t.with(h, func(inst *instance) {
		pid, _ = inst.kernel.Schedule()
	})
	return uint64(pid)
}

// BlockCurrent moves the current process to WAITING.
func (t *Table) BlockCurrent(h Handle, reason []byte) bool {
	return t.BlockCurrentPID(h, reason) != 0
}

// BlockCurrentPID is BlockCurrent returning the blocked pid, or 0.
func (t *Table) BlockCurrentPID(h Handle, reason []byte) uint64 {
	r, ok := cString(reason)
	if !ok {
		return 0
	}
	var pid kernel.PID
	t.with(h, func(inst *instance) {
		pid, _ = inst.kernel.BlockCurrent(r)
	})
	return uint64(pid)
}

// WakeProcess moves a WAITING process to STANDBY.
func (t *Table) WakeProcess(h Handle, pid uint64) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.WakeProcess(kernel.PID(pid))
	})
	return ok
}

// TerminateCurrent terminates the current process with exitCode.
func (t *Table) TerminateCurrent(h Handle, exitCode int32) bool {
	return t.TerminateCurrentPID(h, exitCode) != 0
}

// TerminateCurrentPID is TerminateCurrent returning the terminated pid, or 0.
func (t *Table) TerminateCurrentPID(h Handle, exitCode int32) uint64 {
	var pid kernel.PID
	t.with(h, func(inst *instance) {
		pid, _ = inst.kernel.TerminateCurrent(exitCode)
	})
	return uint64(pid)
}

// KillProcess terminates pid with exit code -1.
func (t *Table) KillProcess(h Handle, pid uint64) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.KillProcess(kernel.PID(pid))
	})
	return ok
}

// SuspendProcess suspends a RUNNING or STANDBY process.
func (t *Table) SuspendProcess(h Handle, pid uint64) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.SuspendProcess(kernel.PID(pid))
	})
	return ok
}

// ResumeProcess moves a SUSPENDED process to STANDBY.
func (t *Table) ResumeProcess(h Handle, pid uint64) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.ResumeProcess(kernel.PID(pid))
	})
	return ok
}

// SetPriority sets the static priority of pid.
func (t *Table) SetPriority(h Handle, pid uint64, priority uint8) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.SetPriority(kernel.PID(pid), priority)
	})
	return ok
}

// SetNice sets the nice value of pid, clamped to [-20, 19].
func (t *Table) SetNice(h Handle, pid uint64, nice int8) bool {
	var ok bool
	t.with(h, func(inst *instance) {
		ok = inst.kernel.SetNice(kernel.PID(pid), int(nice))
	})
	return ok
}

// CleanupZombies removes every ZOMBIE and returns how many were removed.
func (t *Table) CleanupZombies(h Handle) uint64 {
	var n int
	t.with(h, func(inst *instance) {
		n = inst.kernel.CleanupZombies()
	})
	return uint64(n)
}

// =============================================================================
// Introspection
// =============================================================================

// GetProcessInfo fills out with the record of pid.
func (t *Table) GetProcessInfo(h Handle, pid uint64, out *ProcessInfo) bool {
	if out == nil {
		return false
	}
	var found bool
	t.with(h, func(inst *instance) {
		pcb, ok := inst.kernel.GetProcessInfo(kernel.PID(pid))
		if !ok {
			return
		}
		info, ok := processInfoFrom(pcb)
		if !ok {
			return
		}
		*out = info
		found = true
	})
	return found
}

// GetSchedulerStats fills out with the scheduler statistics.
func (t *Table) GetSchedulerStats(h Handle, out *SchedulerStats) bool {
	if out == nil {
		return false
	}
	return t.with(h, func(inst *instance) {
		*out = schedulerStatsFrom(inst.kernel.Stats())
	})
}

// GetProcessCount returns the number of processes in the table.
func (t *Table) GetProcessCount(h Handle) uint64 {
	var n int
	t.with(h, func(inst *instance) {
		n = inst.kernel.GetProcessCount()
	})
	return uint64(n)
}

func (t *Table) countByState(h Handle, state kernel.ProcessState) uint64 {
	var n int
	t.with(h, func(inst *instance) {
		n = inst.kernel.CountByState(state)
	})
	return uint64(n)
}

// GetRunningProcessCount returns the number of RUNNING processes.
func (t *Table) GetRunningProcessCount(h Handle) uint64 {
	return t.countByState(h, kernel.ProcessStateRunning)
}

// GetStandbyProcessCount returns the number of STANDBY processes.
func (t *Table) GetStandbyProcessCount(h Handle) uint64 {
	return t.countByState(h, kernel.ProcessStateStandby)
}

// GetWaitingProcessCount returns the number of WAITING processes.
func (t *Table) GetWaitingProcessCount(h Handle) uint64 {
	return t.countByState(h, kernel.ProcessStateWaiting)
}

// =============================================================================
// Heap and system calls
// =============================================================================

// InitHeap maps the user heap of h. It succeeds once per handle.
func (t *Table) InitHeap(h Handle, start, size uintptr) bool {
	var err error
	if !t.withLocked(h, func(inst *instance) {
		err = inst.arena.InitHeap(start, size)
	}) {
		return false
	}

	if t.opts.Logger != nil {
		if err != nil {
			level := t.opts.Logger.Warn
			if errors.Is(err, memory.ErrHeapInitialized) {
				level = t.opts.Logger.Debug
			}
			level("heap_init_failed", "handle", uint64(h), "error", err.Error())
		} else {
			t.opts.Logger.Info("heap_initialized", "handle", uint64(h), "start", uint64(start), "size", uint64(size))
		}
	}
	return err == nil
}

// CopyToUser allocates room in the heap of h, copies data in and returns its
// address, or 0 on failure.
func (t *Table) CopyToUser(h Handle, data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	var addr uintptr
	t.withLocked(h, func(inst *instance) {
		a, err := inst.arena.AllocBytes(data)
		if err == nil {
			addr = a
		}
	})
	return addr
}

// Dispatch executes a system call against the instance behind h.
func (t *Table) Dispatch(h Handle, number uint32, arg1, arg2, arg3 uintptr) int64 {
	return t.DispatchContext(context.Background(), h, number, arg1, arg2, arg3)
}

// DispatchContext is Dispatch with a parent context for tracing.
func (t *Table) DispatchContext(ctx context.Context, h Handle, number uint32, arg1, arg2, arg3 uintptr) int64 {
	result := DispatchInvalidHandle
	t.withLocked(h, func(inst *instance) {
		result = inst.dispatcher.DispatchContext(ctx, number, arg1, arg2, arg3)
	})
	return result
}
