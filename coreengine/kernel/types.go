// Package kernel implements the process-scheduling core of the verniskernel runtime.
//
// This package provides process lifecycle management, CPU accounting,
// and priority scheduling over a single process table.
//
// Key concepts:
//   - ProcessState: Process lifecycle states (NEW -> STANDBY -> RUNNING -> ...)
//   - ProcessControlBlock: Kernel's view of one schedulable process
//   - Scheduler: Owner of the process table and the scheduling algorithm
//   - Kernel: Synchronized facade adding events, logging and metrics
package kernel

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Process States (mirrors OS process lifecycle)
// =============================================================================

// ProcessState represents the lifecycle state of a process.
// State transitions:
//
//	NEW -> STANDBY -> RUNNING -> (WAITING | SUSPENDED | TERMINATED)
//	WAITING -> STANDBY (on wake)
//	SUSPENDED -> STANDBY (on resume)
//	TERMINATED -> ZOMBIE (on reap)
type ProcessState string

const (
	// ProcessStateNew indicates a PCB that has not been inserted into a table yet.
	ProcessStateNew ProcessState = "new"
	// ProcessStateStandby indicates the process is ready to run, waiting for CPU.
	ProcessStateStandby ProcessState = "standby"
	// ProcessStateRunning indicates the process currently owns the CPU.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateWaiting indicates the process is blocked on an event.
	ProcessStateWaiting ProcessState = "waiting"
	// ProcessStateSuspended indicates the process was stopped by request.
	ProcessStateSuspended ProcessState = "suspended"
	// ProcessStateTerminated indicates the process has finished execution.
	ProcessStateTerminated ProcessState = "terminated"
	// ProcessStateZombie indicates the process terminated and awaits cleanup.
	ProcessStateZombie ProcessState = "zombie"
)

// AllProcessStates lists every state in lifecycle order.
var AllProcessStates = []ProcessState{
	ProcessStateNew,
	ProcessStateStandby,
	ProcessStateRunning,
	ProcessStateWaiting,
	ProcessStateSuspended,
	ProcessStateTerminated,
	ProcessStateZombie,
}

// IsTerminal returns true if this is a terminal state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated || s == ProcessStateZombie
}

// IsRunnable returns true if the process may be picked by the scheduler.
func (s ProcessState) IsRunnable() bool {
	return s == ProcessStateStandby
}

// =============================================================================
// Priorities and time
// =============================================================================

const (
	// MinPriority is the lowest effective priority.
	MinPriority = 0
	// MaxPriority is the highest effective priority.
	MaxPriority = 139
	// MinNice is the most favourable nice value.
	MinNice = -20
	// MaxNice is the least favourable nice value.
	MaxNice = 19

	// DefaultTimeQuantum is the per-turn CPU budget of a new process.
	DefaultTimeQuantum Ticks = 100

	// DefaultWorkingDirectory is the working directory of a new process.
	DefaultWorkingDirectory = "/"
)

// PID identifies a process. Zero means "no process".
type PID uint64

// NoPID is the "no process" sentinel.
const NoPID PID = 0

// Tick is a point on the monotonic tick counter.
type Tick uint64

// Ticks is a duration measured in ticks.
type Ticks uint64

// Since returns the ticks elapsed from earlier to t, saturating at zero.
func (t Tick) Since(earlier Tick) Ticks {
	if t < earlier {
		return 0
	}
	return Ticks(t - earlier)
}

// clampNice clamps a nice value to [MinNice, MaxNice].
func clampNice(nice int) int8 {
	if nice < MinNice {
		return MinNice
	}
	if nice > MaxNice {
		return MaxNice
	}
	return int8(nice)
}

// =============================================================================
// CPU Context and Memory Info
// =============================================================================

// CpuContext is the saved register snapshot of a process.
// The scheduler copies it verbatim and never interprets it.
type CpuContext struct {
	RIP    uint64 `json:"rip"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RFLAGS uint64 `json:"rflags"`
}

// Register is a named register value, used for diagnostics.
type Register struct {
	Name  string
	Value uint64
}

// Registers returns the context as an ordered list of named registers.
func (c CpuContext) Registers() []Register {
	return []Register{
		{"RIP", c.RIP}, {"RSP", c.RSP}, {"RBP", c.RBP},
		{"RAX", c.RAX}, {"RBX", c.RBX}, {"RCX", c.RCX}, {"RDX", c.RDX},
		{"RSI", c.RSI}, {"RDI", c.RDI},
		{"R8", c.R8}, {"R9", c.R9}, {"R10", c.R10}, {"R11", c.R11},
		{"R12", c.R12}, {"R13", c.R13}, {"R14", c.R14}, {"R15", c.R15},
		{"RFLAGS", c.RFLAGS},
	}
}

// MemoryInfo describes the memory footprint of a process in bytes.
// Informational only; the kernel does not manage address spaces.
type MemoryInfo struct {
	VirtualMemorySize uint64 `json:"virtual_memory_size"`
	ResidentSetSize   uint64 `json:"resident_set_size"`
	SharedMemorySize  uint64 `json:"shared_memory_size"`
	TextSize          uint64 `json:"text_size"`
	DataSize          uint64 `json:"data_size"`
	StackSize         uint64 `json:"stack_size"`
	HeapSize          uint64 `json:"heap_size"`
}

// =============================================================================
// Process Control Block (PCB)
// =============================================================================

// ProcessControlBlock is the kernel's record of one process.
//
// Invariants maintained by the Scheduler:
//   - WaitReason is non-nil iff State is WAITING
//   - ExitCode is non-nil iff State is TERMINATED or ZOMBIE
type ProcessControlBlock struct {
	// Identity
	PID       PID `json:"pid"`
	ParentPID PID `json:"parent_pid,omitempty"` // informational, never validated

	// Scheduling
	State    ProcessState `json:"state"`
	Priority uint8        `json:"priority"`
	Nice     int8         `json:"nice"`

	// Execution state
	Context CpuContext `json:"context"`
	Memory  MemoryInfo `json:"memory"`

	// Accounting
	CPUTime            Ticks `json:"cpu_time"`
	StartTime          Tick  `json:"start_time"`
	LastRunTime        *Tick `json:"last_run_time,omitempty"`
	EndTime            *Tick `json:"end_time,omitempty"`
	TimeQuantum        Ticks `json:"time_quantum"`
	TimeSliceRemaining Ticks `json:"time_slice_remaining"`

	// Lifecycle details
	WaitReason *string `json:"wait_reason,omitempty"`
	ExitCode   *int32  `json:"exit_code,omitempty"`

	// Description
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
}

// NewProcessControlBlock creates a PCB in NEW state with default values.
func NewProcessControlBlock(pid PID, priority uint8, command string, now Tick) *ProcessControlBlock {
	return &ProcessControlBlock{
		PID:                pid,
		State:              ProcessStateNew,
		Priority:           priority,
		StartTime:          now,
		TimeQuantum:        DefaultTimeQuantum,
		TimeSliceRemaining: DefaultTimeQuantum,
		Command:            command,
		WorkingDirectory:   DefaultWorkingDirectory,
	}
}

// EffectivePriority returns priority adjusted by nice, clamped to [0, 139].
// Higher values win.
func (pcb *ProcessControlBlock) EffectivePriority() int {
	effective := int(pcb.Priority) + int(pcb.Nice)*2
	if effective < MinPriority {
		return MinPriority
	}
	if effective > MaxPriority {
		return MaxPriority
	}
	return effective
}

// ResetTimeSlice refills the remaining slice to the full quantum.
func (pcb *ProcessControlBlock) ResetTimeSlice() {
	pcb.TimeSliceRemaining = pcb.TimeQuantum
}

// IsTerminated checks if the process has terminated.
func (pcb *ProcessControlBlock) IsTerminated() bool {
	return pcb.State.IsTerminal()
}

// Clone returns a deep copy of the PCB.
func (pcb *ProcessControlBlock) Clone() *ProcessControlBlock {
	c := *pcb
	if pcb.LastRunTime != nil {
		t := *pcb.LastRunTime
		c.LastRunTime = &t
	}
	if pcb.EndTime != nil {
		t := *pcb.EndTime
		c.EndTime = &t
	}
	if pcb.WaitReason != nil {
		r := *pcb.WaitReason
		c.WaitReason = &r
	}
	if pcb.ExitCode != nil {
		code := *pcb.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// =============================================================================
// Scheduler Statistics
// =============================================================================

// SchedulerStats is a point-in-time summary of scheduler counters.
type SchedulerStats struct {
	Uptime                Ticks   `json:"uptime"`
	TotalProcessesCreated uint64  `json:"total_processes_created"`
	CurrentProcessCount   int     `json:"current_process_count"`
	ContextSwitches       uint64  `json:"context_switches"`
	CPUUsage              Ticks   `json:"cpu_usage"`
	CPUUtilization        float64 `json:"cpu_utilization"`
	IdleTime              Ticks   `json:"idle_time"`
	RunningProcesses      int     `json:"running_processes"`
	StandbyProcesses      int     `json:"standby_processes"`
	WaitingProcesses      int     `json:"waiting_processes"`
}

// =============================================================================
// Kernel Events
// =============================================================================

// KernelEventType represents types of kernel events.
type KernelEventType string

const (
	KernelEventProcessCreated      KernelEventType = "process.created"
	KernelEventProcessStateChanged KernelEventType = "process.state_changed"
	KernelEventContextSwitch       KernelEventType = "scheduler.context_switch"
	KernelEventProcessesReaped     KernelEventType = "process.reaped"
)

// KernelEvent represents an event emitted by the kernel.
type KernelEvent struct {
	ID        string          `json:"id"`
	EventType KernelEventType `json:"event_type"`
	Tick      Tick            `json:"tick"`
	Timestamp time.Time       `json:"timestamp"`
	PID       PID             `json:"pid,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewKernelEvent creates a new kernel event.
func NewKernelEvent(eventType KernelEventType, pid PID, tick Tick) *KernelEvent {
	return &KernelEvent{
		ID:        "evt_" + uuid.New().String()[:16],
		EventType: eventType,
		Tick:      tick,
		Timestamp: time.Now().UTC(),
		PID:       pid,
	}
}

// ProcessCreatedEvent creates a process.created event.
func ProcessCreatedEvent(pcb *ProcessControlBlock, tick Tick) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessCreated, pcb.PID, tick)
	evt.Data = map[string]any{
		"priority": pcb.Priority,
		"command":  pcb.Command,
	}
	return evt
}

// ProcessStateChangedEvent creates a process.state_changed event.
func ProcessStateChangedEvent(pid PID, oldState, newState ProcessState, tick Tick) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessStateChanged, pid, tick)
	evt.Data = map[string]any{
		"old_state": string(oldState),
		"new_state": string(newState),
	}
	return evt
}

// ContextSwitchEvent creates a scheduler.context_switch event.
func ContextSwitchEvent(from, to PID, tick Tick) *KernelEvent {
	evt := NewKernelEvent(KernelEventContextSwitch, to, tick)
	evt.Data = map[string]any{
		"from_pid": uint64(from),
		"to_pid":   uint64(to),
	}
	return evt
}
