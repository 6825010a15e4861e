// Package kernel provides the verniskernel facade - synchronized access to the scheduler.
//
// The Kernel composes:
//   - Scheduler (process table and scheduling algorithm)
//   - Clock (monotonic tick source)
//   - Event handlers (process lifecycle notifications)
//   - Metrics (scheduler counters exported to Prometheus)
//
// This is the main entry point for hosts driving the core from more than
// one goroutine (tick loop, reap loop, RPC handlers).
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vernisos/verniskernel/coreengine/observability"
)

// Logger is the structured logger used across the kernel.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Kernel Configuration
// =============================================================================

// Config configures the kernel.
type Config struct {
	// Per-process CPU budget per scheduling turn
	TimeQuantum Ticks `json:"time_quantum"`
	// How long a terminated process is retained before the reaper collects it
	ReapRetention Ticks `json:"reap_retention"`
	// Publish scheduler metrics
	EnableMetrics bool `json:"enable_metrics"`
}

// DefaultConfig returns default kernel configuration.
func DefaultConfig() *Config {
	return &Config{
		TimeQuantum:   DefaultTimeQuantum,
		ReapRetention: 1000,
		EnableMetrics: true,
	}
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel wraps a Scheduler with a single mutex, lifecycle events, logging and metrics.
//
// Usage:
//
//	clock := NewManualClock(0)
//	k := NewKernel(logger, clock, nil)
//
//	pid := k.CreateProcess(120, "init")
//	for range ticker.C {
//	    clock.Advance(1)
//	    k.Schedule()
//	}
type Kernel struct {
	config    *Config
	logger    Logger
	clock     Clock
	scheduler *Scheduler
	bootID    string

	// Event listeners
	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	// Guards scheduler and pending
	mu      sync.Mutex
	pending []*KernelEvent
}

// KernelEventHandler handles kernel events.
type KernelEventHandler func(*KernelEvent)

// NewKernel creates a new kernel with the given configuration.
func NewKernel(logger Logger, clock Clock, config *Config) *Kernel {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = NewMonotonicClock(0)
	}

	k := &Kernel{
		config:        config,
		logger:        logger,
		clock:         clock,
		scheduler:     NewScheduler(clock, config.TimeQuantum),
		bootID:        uuid.New().String(),
		eventHandlers: []KernelEventHandler{},
	}
	k.scheduler.SetTransitionObserver(k.onTransition)

	if logger != nil {
		logger.Info("kernel_initialized",
			"boot_id", k.bootID,
			"time_quantum", uint64(k.scheduler.timeQuantum),
			"reap_retention", uint64(config.ReapRetention),
		)
	}

	return k
}

// BootID returns the unique identifier of this kernel instance.
func (k *Kernel) BootID() string {
	return k.bootID
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *Config {
	return k.config
}

// Now returns the current tick.
func (k *Kernel) Now() Tick {
	return k.clock.Now()
}

// onTransition runs under k.mu.
func (k *Kernel) onTransition(change StateChange) {
	k.pending = append(k.pending, ProcessStateChangedEvent(change.PID, change.From, change.To, change.Tick))
	if k.config.EnableMetrics {
		observability.RecordStateTransition(string(change.From), string(change.To))
	}
}

// withScheduler runs fn under the kernel lock, then publishes queued events.
func (k *Kernel) withScheduler(fn func(s *Scheduler)) {
	k.mu.Lock()
	fn(k.scheduler)
	events := k.pending
	k.pending = nil
	if k.config.EnableMetrics {
		counts := k.scheduler.GetProcessCounts()
		for _, state := range AllProcessStates {
			observability.SetProcessCount(string(state), counts[state])
		}
	}
	k.mu.Unlock()

	for _, evt := range events {
		k.emitEvent(evt)
	}
}

// =============================================================================
// Process Lifecycle
// =============================================================================

// CreateProcess creates a STANDBY process and returns its pid.
func (k *Kernel) CreateProcess(priority uint8, command string) PID {
	var pid PID
	k.withScheduler(func(s *Scheduler) {
		pid = s.CreateProcess(priority, command)
		k.pending = append([]*KernelEvent{ProcessCreatedEvent(s.processes[pid], s.Now())}, k.pending...)
	})

	if k.config.EnableMetrics {
		observability.RecordProcessCreated()
	}
	if k.logger != nil {
		k.logger.Info("process_created",
			"pid", uint64(pid),
			"priority", priority,
			"command", command,
		)
	}
	return pid
}

// AddProcess inserts an externally constructed PCB.
func (k *Kernel) AddProcess(pcb *ProcessControlBlock) PID {
	var pid PID
	k.withScheduler(func(s *Scheduler) {
		pid = s.AddProcess(pcb)
	})

	if k.logger != nil {
		if pid == NoPID {
			k.logger.Warn("add_process_rejected")
		} else {
			k.logger.Info("process_added", "pid", uint64(pid))
		}
	}
	return pid
}

// Schedule selects the process to run for the next tick.
func (k *Kernel) Schedule() (PID, bool) {
	var (
		pid       PID
		ok        bool
		prev      PID
		switched  bool
		scheduled Tick
	)
	k.withScheduler(func(s *Scheduler) {
		prev = s.currentPID
		before := s.contextSwitches
		pid, ok = s.Schedule()
		switched = s.contextSwitches != before
		scheduled = s.lastScheduleTime
		if switched {
			k.pending = append(k.pending, ContextSwitchEvent(prev, pid, scheduled))
		}
	})

	if k.config.EnableMetrics {
		if ok {
			observability.RecordScheduleDecision("scheduled")
		} else {
			observability.RecordScheduleDecision("idle")
		}
		if switched {
			observability.RecordContextSwitch()
		}
	}
	if switched && k.logger != nil {
		k.logger.Debug("context_switch",
			"from_pid", uint64(prev),
			"to_pid", uint64(pid),
			"tick", uint64(scheduled),
		)
	}
	return pid, ok
}

// BlockCurrent moves the running process to WAITING.
func (k *Kernel) BlockCurrent(reason string) (PID, bool) {
	var (
		pid PID
		ok  bool
	)
	k.withScheduler(func(s *Scheduler) {
		pid, ok = s.BlockCurrent(reason)
	})

	if ok && k.logger != nil {
		k.logger.Debug("process_blocked", "pid", uint64(pid), "reason", reason)
	}
	return pid, ok
}

// WakeProcess moves a WAITING process back to STANDBY.
func (k *Kernel) WakeProcess(pid PID) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.WakeProcess(pid)
	})
	return ok
}

// TerminateCurrent terminates the running process with exitCode.
func (k *Kernel) TerminateCurrent(exitCode int32) (PID, bool) {
	var (
		pid PID
		ok  bool
	)
	k.withScheduler(func(s *Scheduler) {
		pid, ok = s.TerminateCurrent(exitCode)
	})

	if ok {
		k.recordExit(pid, exitCode, "terminated")
	}
	return pid, ok
}

// ExitCurrent terminates the running process and leaves it as a ZOMBIE.
func (k *Kernel) ExitCurrent(exitCode int32) (PID, bool) {
	var (
		pid PID
		ok  bool
	)
	k.withScheduler(func(s *Scheduler) {
		pid, ok = s.ExitCurrent(exitCode)
	})

	if ok {
		k.recordExit(pid, exitCode, "exited")
	}
	return pid, ok
}

// KillProcess terminates any process with exit code -1.
// Unlike Scheduler.KillProcess it also releases the current pid.
func (k *Kernel) KillProcess(pid PID) bool {
	var ok, already bool
	k.withScheduler(func(s *Scheduler) {
		if pcb, exists := s.processes[pid]; exists {
			already = pcb.IsTerminated()
		}
		ok = s.KillProcess(pid)
		if ok {
			s.ReleaseCurrent(pid)
		}
	})

	// Killing a terminated process succeeds without recording a second exit.
	if ok && !already {
		k.recordExit(pid, -1, "killed")
	}
	return ok
}

func (k *Kernel) recordExit(pid PID, exitCode int32, reason string) {
	if k.config.EnableMetrics {
		observability.RecordProcessExit(reason)
	}
	if k.logger != nil {
		k.logger.Info("process_"+reason,
			"pid", uint64(pid),
			"exit_code", exitCode,
		)
	}
}

// SuspendProcess moves a RUNNING or STANDBY process to SUSPENDED.
func (k *Kernel) SuspendProcess(pid PID) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.SuspendProcess(pid)
	})
	return ok
}

// ResumeProcess moves a SUSPENDED process to STANDBY.
func (k *Kernel) ResumeProcess(pid PID) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.ResumeProcess(pid)
	})
	return ok
}

// SetPriority sets the static priority of a process.
func (k *Kernel) SetPriority(pid PID, priority uint8) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.SetPriority(pid, priority)
	})
	return ok
}

// SetNice sets the nice value of a process, clamped to [-20, 19].
func (k *Kernel) SetNice(pid PID, nice int) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.SetNice(pid, nice)
	})
	return ok
}

// MarkZombie moves a TERMINATED process to ZOMBIE.
func (k *Kernel) MarkZombie(pid PID) bool {
	var ok bool
	k.withScheduler(func(s *Scheduler) {
		ok = s.MarkZombie(pid)
	})
	return ok
}

// CleanupZombies removes every ZOMBIE and returns how many were removed.
func (k *Kernel) CleanupZombies() int {
	var removed int
	k.withScheduler(func(s *Scheduler) {
		removed = s.CleanupZombies()
		if removed > 0 {
			evt := NewKernelEvent(KernelEventProcessesReaped, NoPID, s.Now())
			evt.Data = map[string]any{"count": removed}
			k.pending = append(k.pending, evt)
		}
	})

	if removed > 0 {
		if k.config.EnableMetrics {
			observability.RecordProcessesReaped(removed)
		}
		if k.logger != nil {
			k.logger.Debug("zombies_cleaned", "count", removed)
		}
	}
	return removed
}

// Reap marks processes that terminated at least retention ticks ago as
// ZOMBIE and removes every ZOMBIE. Returns the number removed.
func (k *Kernel) Reap(retention Ticks) int {
	k.withScheduler(func(s *Scheduler) {
		now := s.Now()
		if Ticks(now) < retention {
			return
		}
		for _, pid := range s.TerminatedBefore(now - Tick(retention)) {
			s.MarkZombie(pid)
		}
	})
	return k.CleanupZombies()
}

// =============================================================================
// Queries
// =============================================================================

// GetProcessInfo returns a copy of a process by pid.
func (k *Kernel) GetProcessInfo(pid PID) (*ProcessControlBlock, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.GetProcessInfo(pid)
}

// GetCurrentProcess returns a copy of the current process, or nil.
func (k *Kernel) GetCurrentProcess() *ProcessControlBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.GetCurrentProcess()
}

// CurrentPID returns the current pid, if any.
func (k *Kernel) CurrentPID() (PID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.CurrentPID()
}

// ListProcesses returns copies of all processes ordered by pid.
func (k *Kernel) ListProcesses() []*ProcessControlBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.ListProcesses()
}

// StandbyPIDs returns the ready queue in selection order.
func (k *Kernel) StandbyPIDs() []PID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.StandbyPIDs()
}

// GetProcessCount returns the number of processes in the table.
func (k *Kernel) GetProcessCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.GetProcessCount()
}

// CountByState returns the number of processes in state.
func (k *Kernel) CountByState(state ProcessState) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.CountByState(state)
}

// Stats returns the scheduler statistics.
func (k *Kernel) Stats() SchedulerStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scheduler.Stats()
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers an event handler.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus returns overall system status.
func (k *Kernel) GetSystemStatus() map[string]any {
	k.mu.Lock()
	stats := k.scheduler.Stats()
	counts := k.scheduler.GetProcessCounts()
	current, running := k.scheduler.CurrentPID()
	k.mu.Unlock()

	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}

	status := map[string]any{
		"boot_id": k.bootID,
		"processes": map[string]any{
			"total":    stats.CurrentProcessCount,
			"created":  stats.TotalProcessesCreated,
			"by_state": byState,
		},
		"scheduler": map[string]any{
			"context_switches": stats.ContextSwitches,
			"cpu_utilization":  stats.CPUUtilization,
			"idle_ticks":       uint64(stats.IdleTime),
		},
		"uptime_ticks": uint64(stats.Uptime),
	}
	if running {
		status["current_pid"] = uint64(current)
	}
	return status
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown kills every live process.
// Returns a ShutdownError if the context is cancelled or a kill fails.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated", "boot_id", k.bootID)
	}

	var errs []error
	for _, pcb := range k.ListProcesses() {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			if k.logger != nil {
				k.logger.Warn("shutdown_cancelled", "error", ctx.Err().Error())
			}
			return &ShutdownError{Errors: errs}
		default:
		}

		if pcb.IsTerminated() {
			continue
		}
		if !k.KillProcess(pcb.PID) {
			err := fmt.Errorf("failed to kill pid %d", pcb.PID)
			errs = append(errs, err)
			if k.logger != nil {
				k.logger.Warn("shutdown_kill_failed", "pid", uint64(pcb.PID))
			}
		}
	}

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}

	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
