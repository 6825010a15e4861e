package abi

import (
	"github.com/vernisos/verniskernel/coreengine/kernel"
)

// StateCode is the boundary encoding of kernel.ProcessState.
type StateCode uint32

const (
	StateNew StateCode = iota
	StateStandby
	StateRunning
	StateWaiting
	StateSuspended
	StateTerminated
	StateZombie
)

// StateCodeOf converts a process state to its boundary code.
func StateCodeOf(state kernel.ProcessState) (StateCode, bool) {
	switch state {
	case kernel.ProcessStateNew:
		return StateNew, true
	case kernel.ProcessStateStandby:
		return StateStandby, true
	case kernel.ProcessStateRunning:
		return StateRunning, true
	case kernel.ProcessStateWaiting:
		return StateWaiting, true
	case kernel.ProcessStateSuspended:
		return StateSuspended, true
	case kernel.ProcessStateTerminated:
		return StateTerminated, true
	case kernel.ProcessStateZombie:
		return StateZombie, true
	default:
		return 0, false
	}
}

// ProcessState converts a boundary code back to a process state.
func (c StateCode) ProcessState() (kernel.ProcessState, bool) {
	switch c {
	case StateNew:
		return kernel.ProcessStateNew, true
	case StateStandby:
		return kernel.ProcessStateStandby, true
	case StateRunning:
		return kernel.ProcessStateRunning, true
	case StateWaiting:
		return kernel.ProcessStateWaiting, true
	case StateSuspended:
		return kernel.ProcessStateSuspended, true
	case StateTerminated:
		return kernel.ProcessStateTerminated, true
	case StateZombie:
		return kernel.ProcessStateZombie, true
	default:
		return "", false
	}
}

// String returns the process state name, or "invalid".
func (c StateCode) String() string {
	if s, ok := c.ProcessState(); ok {
		return string(s)
	}
	return "invalid"
}

// ProcessInfo is the fixed-layout process record written by GetProcessInfo.
type ProcessInfo struct {
	PID          uint64
	State        StateCode
	Priority     uint8
	Nice         int8
	CPUTimeTicks uint64
	ExitCode     int32
	HasExitCode  bool
}

// SchedulerStats is the fixed-layout statistics record written by GetSchedulerStats.
type SchedulerStats struct {
	UptimeTicks           uint64
	TotalProcessesCreated uint64
	CurrentProcessCount   uint64
	ContextSwitches       uint64
	CPUUtilization        float64
	IdleTicks             uint64
	RunningProcesses      uint64
	StandbyProcesses      uint64
	WaitingProcesses      uint64
}

func processInfoFrom(pcb *kernel.ProcessControlBlock) (ProcessInfo, bool) {
	code, ok := StateCodeOf(pcb.State)
	if !ok {
		return ProcessInfo{}, false
	}
	info := ProcessInfo{
		PID:          uint64(pcb.PID),
		State:        code,
		Priority:     pcb.Priority,
		Nice:         pcb.Nice,
		CPUTimeTicks: uint64(pcb.CPUTime),
	}
	if pcb.ExitCode != nil {
		info.ExitCode = *pcb.ExitCode
		info.HasExitCode = true
	}
	return info, true
}

func schedulerStatsFrom(s kernel.SchedulerStats) SchedulerStats {
	return SchedulerStats{
		UptimeTicks:           uint64(s.Uptime),
		TotalProcessesCreated: s.TotalProcessesCreated,
		CurrentProcessCount:   uint64(s.CurrentProcessCount),
		ContextSwitches:       s.ContextSwitches,
		CPUUtilization:        s.CPUUtilization,
		IdleTicks:             uint64(s.IdleTime),
		RunningProcesses:      uint64(s.RunningProcesses),
		StandbyProcesses:      uint64(s.StandbyProcesses),
		WaitingProcesses:      uint64(s.WaitingProcesses),
	}
}
