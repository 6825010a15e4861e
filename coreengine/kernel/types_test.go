package kernel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ProcessState Tests
// =============================================================================

func TestProcessState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    ProcessState
		expected bool
	}{
		{ProcessStateNew, false},
		{ProcessStateStandby, false},
		{ProcessStateRunning, false},
		{ProcessStateWaiting, false},
		{ProcessStateSuspended, false},
		{ProcessStateTerminated, true},
		{ProcessStateZombie, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.expected {
				t.Errorf("ProcessState(%s).IsTerminal() = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestProcessState_IsRunnable(t *testing.T) {
	tests := []struct {
		state    ProcessState
		expected bool
	}{
		{ProcessStateNew, false},
		{ProcessStateStandby, true},
		{ProcessStateRunning, false},
		{ProcessStateWaiting, false},
		{ProcessStateSuspended, false},
		{ProcessStateTerminated, false},
		{ProcessStateZombie, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsRunnable(); got != tt.expected {
				t.Errorf("ProcessState(%s).IsRunnable() = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

// =============================================================================
// PCB Tests
// =============================================================================

func TestEffectivePriority_Bounded(t *testing.T) {
	pcb := NewProcessControlBlock(1, 0, "x", 0)
	for priority := MinPriority; priority <= MaxPriority; priority++ {
		for nice := MinNice; nice <= MaxNice; nice++ {
			pcb.Priority = uint8(priority)
			pcb.Nice = int8(nice)
			got := pcb.EffectivePriority()
			if got < MinPriority || got > MaxPriority {
				t.Fatalf("EffectivePriority(%d, %d) = %d out of range", priority, nice, got)
			}
		}
	}
}

func TestEffectivePriority_Values(t *testing.T) {
	tests := []struct {
		priority uint8
		nice     int8
		expected int
	}{
		{100, 0, 100},
		{100, 5, 110},
		{100, -5, 90},
		{10, -20, 0},
		{139, 19, 139},
		{255, 0, 139},
	}

	for _, tt := range tests {
		pcb := &ProcessControlBlock{Priority: tt.priority, Nice: tt.nice}
		assert.Equal(t, tt.expected, pcb.EffectivePriority(), "priority=%d nice=%d", tt.priority, tt.nice)
	}
}

func TestClampNice(t *testing.T) {
	assert.Equal(t, int8(MinNice), clampNice(-21))
	assert.Equal(t, int8(MaxNice), clampNice(20))
	assert.Equal(t, int8(3), clampNice(3))
}

func TestResetTimeSlice(t *testing.T) {
	pcb := NewProcessControlBlock(1, 100, "x", 0)
	pcb.TimeQuantum = 25
	pcb.TimeSliceRemaining = 3
	pcb.ResetTimeSlice()
	assert.Equal(t, Ticks(25), pcb.TimeSliceRemaining)
}

func TestClone_DeepCopiesOptionalFields(t *testing.T) {
	last, end := Tick(5), Tick(9)
	reason := "io"
	code := int32(2)
	pcb := NewProcessControlBlock(1, 100, "x", 0)
	pcb.LastRunTime = &last
	pcb.EndTime = &end
	pcb.WaitReason = &reason
	pcb.ExitCode = &code
	pcb.Context.RIP = 0x1000

	c := pcb.Clone()
	require.Equal(t, pcb, c)

	*c.LastRunTime = 50
	*c.EndTime = 90
	*c.WaitReason = "net"
	*c.ExitCode = 7
	c.Context.RIP = 0

	assert.Equal(t, Tick(5), *pcb.LastRunTime)
	assert.Equal(t, Tick(9), *pcb.EndTime)
	assert.Equal(t, "io", *pcb.WaitReason)
	assert.Equal(t, int32(2), *pcb.ExitCode)
	assert.Equal(t, uint64(0x1000), pcb.Context.RIP)
}

func TestCpuContext_Registers(t *testing.T) {
	ctx := CpuContext{RIP: 1, RSP: 2, RFLAGS: 0x202}
	regs := ctx.Registers()

	require.Len(t, regs, 18)
	assert.Equal(t, Register{"RIP", 1}, regs[0])
	assert.Equal(t, Register{"RSP", 2}, regs[1])
	assert.Equal(t, Register{"RFLAGS", 0x202}, regs[17])
}

func TestTick_Since(t *testing.T) {
	assert.Equal(t, Ticks(5), Tick(10).Since(5))
	assert.Equal(t, Ticks(0), Tick(5).Since(10))
}

// =============================================================================
// Event Tests
// =============================================================================

func TestKernelEvents(t *testing.T) {
	pcb := NewProcessControlBlock(3, 42, "sh", 0)

	created := ProcessCreatedEvent(pcb, 7)
	assert.Equal(t, KernelEventProcessCreated, created.EventType)
	assert.Equal(t, PID(3), created.PID)
	assert.Equal(t, Tick(7), created.Tick)
	assert.Equal(t, "sh", created.Data["command"])
	assert.True(t, strings.HasPrefix(created.ID, "evt_"))
	assert.Len(t, created.ID, len("evt_")+16)

	changed := ProcessStateChangedEvent(3, ProcessStateStandby, ProcessStateRunning, 8)
	assert.Equal(t, "standby", changed.Data["old_state"])
	assert.Equal(t, "running", changed.Data["new_state"])

	sw := ContextSwitchEvent(1, 3, 9)
	assert.Equal(t, PID(3), sw.PID)
	assert.Equal(t, uint64(1), sw.Data["from_pid"])

	assert.NotEqual(t, created.ID, changed.ID)
}
