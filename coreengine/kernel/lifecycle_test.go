package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(quantum Ticks) (*Scheduler, *ManualClock) {
	clock := NewManualClock(0)
	return NewScheduler(clock, quantum), clock
}

// assertSingleRunner checks that at most one process is RUNNING and that it
// is the one named by the current pid.
func assertSingleRunner(t *testing.T, s *Scheduler) {
	t.Helper()
	var running []PID
	for _, pcb := range s.ListProcesses() {
		if pcb.State == ProcessStateRunning {
			running = append(running, pcb.PID)
		}
	}
	require.LessOrEqual(t, len(running), 1, "running pids: %v", running)
	if len(running) == 1 {
		cur, ok := s.CurrentPID()
		require.True(t, ok)
		assert.Equal(t, running[0], cur)
	}
}

// =============================================================================
// Transitions
// =============================================================================

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to ProcessState
		valid    bool
	}{
		{ProcessStateNew, ProcessStateStandby, true},
		{ProcessStateStandby, ProcessStateRunning, true},
		{ProcessStateRunning, ProcessStateStandby, true},
		{ProcessStateRunning, ProcessStateWaiting, true},
		{ProcessStateWaiting, ProcessStateStandby, true},
		{ProcessStateSuspended, ProcessStateStandby, true},
		{ProcessStateTerminated, ProcessStateZombie, true},
		{ProcessStateWaiting, ProcessStateRunning, false},
		{ProcessStateZombie, ProcessStateStandby, false},
		{ProcessStateTerminated, ProcessStateStandby, false},
		{ProcessState("bogus"), ProcessStateStandby, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestScheduler_TransitionsObserved(t *testing.T) {
	s, _ := newTestScheduler(10)

	var changes []StateChange
	s.SetTransitionObserver(func(c StateChange) {
		assert.True(t, IsValidTransition(c.From, c.To), "%s -> %s", c.From, c.To)
		changes = append(changes, c)
	})

	pid := s.CreateProcess(100, "init")
	s.Schedule()
	s.BlockCurrent("io")
	s.WakeProcess(pid)
	s.Schedule()
	s.ExitCurrent(0)

	var path []ProcessState
	for _, c := range changes {
		assert.Equal(t, pid, c.PID)
		path = append(path, c.To)
	}
	assert.Equal(t, []ProcessState{
		ProcessStateStandby,
		ProcessStateRunning,
		ProcessStateWaiting,
		ProcessStateStandby,
		ProcessStateRunning,
		ProcessStateTerminated,
		ProcessStateZombie,
	}, path)
}

// =============================================================================
// Creation
// =============================================================================

func TestScheduler_CreateProcess(t *testing.T) {
	s, _ := newTestScheduler(0)

	pid := s.CreateProcess(50, "init")
	assert.Equal(t, PID(1), pid)

	info, ok := s.GetProcessInfo(pid)
	require.True(t, ok)
	assert.Equal(t, ProcessStateStandby, info.State)
	assert.Equal(t, uint8(50), info.Priority)
	assert.Equal(t, "init", info.Command)
	assert.Equal(t, "/", info.WorkingDirectory)
	assert.Equal(t, DefaultTimeQuantum, info.TimeQuantum)
	assert.Equal(t, DefaultTimeQuantum, info.TimeSliceRemaining)
	assert.Nil(t, info.LastRunTime)
	assert.Nil(t, info.ExitCode)
	assert.Nil(t, info.WaitReason)
}

func TestScheduler_PIDsStrictlyIncreasing(t *testing.T) {
	s, _ := newTestScheduler(10)

	last := NoPID
	seen := make(map[PID]bool)
	for i := 0; i < 50; i++ {
		pid := s.CreateProcess(uint8(i), "worker")
		assert.Greater(t, pid, last)
		assert.False(t, seen[pid])
		seen[pid] = true
		last = pid
	}
	assert.Equal(t, 50, s.GetProcessCount())
	assert.Equal(t, uint64(50), s.Stats().TotalProcessesCreated)
}

func TestScheduler_AddProcess(t *testing.T) {
	s, _ := newTestScheduler(10)

	assert.Equal(t, NoPID, s.AddProcess(nil))
	assert.Equal(t, NoPID, s.AddProcess(&ProcessControlBlock{}))

	exit := int32(3)
	reason := "disk"
	pcb := NewProcessControlBlock(10, 90, "restored", 0)
	pcb.State = ProcessStateRunning
	pcb.ExitCode = &exit
	pcb.WaitReason = &reason
	pcb.WorkingDirectory = ""

	assert.Equal(t, PID(10), s.AddProcess(pcb))
	assert.Equal(t, NoPID, s.AddProcess(pcb), "duplicate pid")

	info, ok := s.GetProcessInfo(10)
	require.True(t, ok)
	assert.Equal(t, ProcessStateStandby, info.State)
	assert.Nil(t, info.ExitCode)
	assert.Nil(t, info.WaitReason)
	assert.Equal(t, DefaultWorkingDirectory, info.WorkingDirectory)

	// The table holds its own copy.
	pcb.Priority = 1
	info, _ = s.GetProcessInfo(10)
	assert.Equal(t, uint8(90), info.Priority)

	// Subsequent pids never collide with the inserted one.
	assert.Equal(t, PID(11), s.CreateProcess(1, "next"))
	_, running := s.CurrentPID()
	assert.False(t, running)
}

func TestScheduler_AddProcess_PreservesSuspended(t *testing.T) {
	s, _ := newTestScheduler(10)

	pcb := NewProcessControlBlock(4, 100, "stopped", 0)
	pcb.State = ProcessStateSuspended
	require.Equal(t, PID(4), s.AddProcess(pcb))

	info, _ := s.GetProcessInfo(4)
	assert.Equal(t, ProcessStateSuspended, info.State)

	_, ok := s.Schedule()
	assert.False(t, ok)
}

func TestScheduler_AddProcess_Normalizes(t *testing.T) {
	s, _ := newTestScheduler(10)

	zombie := NewProcessControlBlock(2, 50, "zombie", 0)
	zombie.State = ProcessStateZombie
	assert.Equal(t, NoPID, s.AddProcess(zombie), "zombie without exit code")

	code := int32(4)
	end := Tick(9)
	zombie.ExitCode = &code
	zombie.EndTime = &end
	require.Equal(t, PID(2), s.AddProcess(zombie))
	info, _ := s.GetProcessInfo(2)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(4), *info.ExitCode)
	assert.Equal(t, &end, info.EndTime)

	stale := int32(7)
	suspended := NewProcessControlBlock(3, 50, "stopped", 0)
	suspended.State = ProcessStateSuspended
	suspended.ExitCode = &stale
	suspended.EndTime = &end
	require.Equal(t, PID(3), s.AddProcess(suspended))
	info, _ = s.GetProcessInfo(3)
	assert.Equal(t, ProcessStateSuspended, info.State)
	assert.Nil(t, info.ExitCode)
	assert.Nil(t, info.EndTime)

	unsliced := NewProcessControlBlock(4, 50, "unsliced", 0)
	unsliced.TimeQuantum = 0
	unsliced.TimeSliceRemaining = 0
	require.Equal(t, PID(4), s.AddProcess(unsliced))
	info, _ = s.GetProcessInfo(4)
	assert.Equal(t, Ticks(10), info.TimeQuantum)
	assert.Equal(t, Ticks(10), info.TimeSliceRemaining)

	oversliced := NewProcessControlBlock(5, 50, "oversliced", 0)
	oversliced.TimeQuantum = 20
	oversliced.TimeSliceRemaining = 500
	require.Equal(t, PID(5), s.AddProcess(oversliced))
	info, _ = s.GetProcessInfo(5)
	assert.Equal(t, Ticks(20), info.TimeSliceRemaining)
}

func TestScheduler_AddProcess_RejectsReapedPID(t *testing.T) {
	s, _ := newTestScheduler(10)

	pid := s.CreateProcess(5, "short")
	got, ok := s.Schedule()
	require.True(t, ok)
	require.Equal(t, pid, got)
	_, ok = s.ExitCurrent(0)
	require.True(t, ok)
	require.Equal(t, 1, s.CleanupZombies())

	assert.Equal(t, NoPID, s.AddProcess(NewProcessControlBlock(pid, 5, "reused", 0)))
	_, exists := s.GetProcessInfo(pid)
	assert.False(t, exists)
	assert.NotEqual(t, pid, s.CreateProcess(5, "fresh"))
}

// =============================================================================
// Scheduling
// =============================================================================

func TestScheduler_PriorityGovernsSelection(t *testing.T) {
	s, clock := newTestScheduler(100)

	a := s.CreateProcess(100, "a")
	b := s.CreateProcess(100, "b")
	require.True(t, s.SetNice(b, 5))

	infoA, _ := s.GetProcessInfo(a)
	infoB, _ := s.GetProcessInfo(b)
	assert.Equal(t, 100, infoA.EffectivePriority())
	assert.Equal(t, 110, infoB.EffectivePriority())

	pid, ok := s.Schedule()
	require.True(t, ok)
	assert.Equal(t, b, pid)

	// Slice expires; b is re-evaluated and still wins.
	clock.Advance(100)
	pid, ok = s.Schedule()
	require.True(t, ok)
	assert.Equal(t, b, pid)

	infoB, _ = s.GetProcessInfo(b)
	assert.Equal(t, ProcessStateRunning, infoB.State)
	assert.Equal(t, Ticks(100), infoB.CPUTime)
	assert.Equal(t, Ticks(100), infoB.TimeSliceRemaining)

	infoA, _ = s.GetProcessInfo(a)
	assert.Equal(t, ProcessStateStandby, infoA.State)
	assert.Equal(t, uint64(1), s.Stats().ContextSwitches)
	assertSingleRunner(t, s)
}

func TestScheduler_EqualPrioritiesRotate(t *testing.T) {
	s, clock := newTestScheduler(100)

	a := s.CreateProcess(100, "a")
	b := s.CreateProcess(100, "b")

	pid, _ := s.Schedule()
	assert.Equal(t, a, pid, "lowest pid among never-run processes")

	clock.Advance(50)
	pid, _ = s.Schedule()
	assert.Equal(t, a, pid, "incumbent keeps the CPU on ties")
	info, _ := s.GetProcessInfo(a)
	assert.Equal(t, Ticks(50), info.TimeSliceRemaining)

	clock.Advance(50)
	pid, _ = s.Schedule()
	assert.Equal(t, b, pid, "expired incumbent yields to a never-run peer")

	clock.Advance(100)
	pid, _ = s.Schedule()
	assert.Equal(t, a, pid, "least recently run wins")

	assert.Equal(t, uint64(3), s.Stats().ContextSwitches)
	assertSingleRunner(t, s)
}

func TestScheduler_HigherPriorityPreempts(t *testing.T) {
	s, clock := newTestScheduler(100)

	low := s.CreateProcess(100, "low")
	pid, _ := s.Schedule()
	require.Equal(t, low, pid)

	clock.Advance(10)
	high := s.CreateProcess(120, "high")
	pid, _ = s.Schedule()
	assert.Equal(t, high, pid)

	info, _ := s.GetProcessInfo(low)
	assert.Equal(t, ProcessStateStandby, info.State)
	assert.Equal(t, Ticks(10), info.CPUTime)
	assert.Equal(t, Ticks(90), info.TimeSliceRemaining)
	assertSingleRunner(t, s)
}

func TestScheduler_ZeroEffectivePriorityIsSelectable(t *testing.T) {
	s, _ := newTestScheduler(10)

	pid := s.CreateProcess(10, "niced")
	require.True(t, s.SetNice(pid, 19))
	info, _ := s.GetProcessInfo(pid)
	require.Equal(t, 48, info.EffectivePriority())

	require.True(t, s.SetPriority(pid, 0))
	require.True(t, s.SetNice(pid, -20))
	info, _ = s.GetProcessInfo(pid)
	require.Equal(t, 0, info.EffectivePriority())

	got, ok := s.Schedule()
	assert.True(t, ok)
	assert.Equal(t, pid, got)
}

func TestScheduler_SingleRunnerInvariant(t *testing.T) {
	s, clock := newTestScheduler(7)

	priorities := []uint8{100, 120, 100, 5, 139, 120, 60}
	for i, p := range priorities {
		s.CreateProcess(p, "p")
		assertSingleRunner(t, s)
		for j := 0; j < 5; j++ {
			clock.Advance(Ticks(i + j))
			s.Schedule()
			assertSingleRunner(t, s)
		}
		if i%3 == 2 {
			s.BlockCurrent("io")
			assertSingleRunner(t, s)
		}
		if i%4 == 3 {
			if cur, ok := s.CurrentPID(); ok {
				s.KillProcess(cur)
				assertSingleRunner(t, s)
			}
		}
	}
}

func TestScheduler_IdleAccounting(t *testing.T) {
	s, clock := newTestScheduler(10)

	var last Ticks
	for i := 0; i < 5; i++ {
		clock.Advance(10)
		pid, ok := s.Schedule()
		assert.False(t, ok)
		assert.Equal(t, NoPID, pid)

		idle := s.Stats().IdleTime
		assert.Greater(t, idle, last)
		last = idle
	}
	assert.Equal(t, Ticks(50), last)
	assert.Nil(t, s.GetCurrentProcess())
}

func TestScheduler_Stats(t *testing.T) {
	s, clock := newTestScheduler(100)

	stats := s.Stats()
	assert.Equal(t, 0.0, stats.CPUUtilization)

	s.CreateProcess(100, "busy")
	s.CreateProcess(50, "waiting")
	s.Schedule()
	clock.Advance(30)
	s.Schedule()

	stats = s.Stats()
	assert.Equal(t, Ticks(30), stats.Uptime)
	assert.Equal(t, Ticks(30), stats.CPUUsage)
	assert.InDelta(t, 100.0, stats.CPUUtilization, 0.001)
	assert.Equal(t, 2, stats.CurrentProcessCount)
	assert.Equal(t, 1, stats.RunningProcesses)
	assert.Equal(t, 1, stats.StandbyProcesses)
	assert.Equal(t, 0, stats.WaitingProcesses)
}

func TestScheduler_StandbyPIDs(t *testing.T) {
	s, _ := newTestScheduler(10)

	low := s.CreateProcess(50, "low")
	b := s.CreateProcess(100, "b")
	c := s.CreateProcess(100, "c")

	assert.Equal(t, []PID{b, c, low}, s.StandbyPIDs())

	s.Schedule()
	assert.Equal(t, []PID{c, low}, s.StandbyPIDs())
}

// =============================================================================
// Blocking, termination and reaping
// =============================================================================

func TestScheduler_WaitingRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(10)

	_, ok := s.BlockCurrent("idle")
	assert.False(t, ok, "nothing running")

	pid := s.CreateProcess(100, "reader")
	s.Schedule()

	blocked, ok := s.BlockCurrent("keyboard")
	require.True(t, ok)
	assert.Equal(t, pid, blocked)

	info, _ := s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateWaiting, info.State)
	require.NotNil(t, info.WaitReason)
	assert.Equal(t, "keyboard", *info.WaitReason)
	_, running := s.CurrentPID()
	assert.False(t, running)

	assert.True(t, s.WakeProcess(pid))
	info, _ = s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateStandby, info.State)
	assert.Nil(t, info.WaitReason)

	assert.False(t, s.WakeProcess(pid), "not waiting")
	assert.False(t, s.WakeProcess(999), "unknown pid")
}

func TestScheduler_TerminateCurrent(t *testing.T) {
	s, clock := newTestScheduler(10)

	pid := s.CreateProcess(100, "job")
	s.Schedule()
	clock.Advance(4)

	got, ok := s.TerminateCurrent(42)
	require.True(t, ok)
	assert.Equal(t, pid, got)

	info, _ := s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateTerminated, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(42), *info.ExitCode)
	require.NotNil(t, info.EndTime)
	assert.Equal(t, Tick(4), *info.EndTime)
	assert.Equal(t, Ticks(4), info.CPUTime)

	assert.Equal(t, 0, s.CleanupZombies())
	assert.Equal(t, 1, s.GetProcessCount())

	_, ok = s.TerminateCurrent(1)
	assert.False(t, ok)
}

func TestScheduler_ExitCurrentLeavesZombie(t *testing.T) {
	s, _ := newTestScheduler(10)

	pid := s.CreateProcess(100, "job")
	s.Schedule()

	got, ok := s.ExitCurrent(7)
	require.True(t, ok)
	assert.Equal(t, pid, got)

	info, _ := s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateZombie, info.State)
	assert.Equal(t, int32(7), *info.ExitCode)

	_, ok = s.ExitCurrent(0)
	assert.False(t, ok)
}

func TestScheduler_CleanupZombiesPurgesOnlyZombies(t *testing.T) {
	s, _ := newTestScheduler(10)

	exiting := s.CreateProcess(120, "exiting")
	killed := s.CreateProcess(100, "killed")
	waiting := s.CreateProcess(90, "waiting")
	standby := s.CreateProcess(10, "standby")

	s.Schedule()
	s.ExitCurrent(0)

	require.True(t, s.KillProcess(killed))
	require.True(t, s.MarkZombie(killed))
	assert.False(t, s.MarkZombie(standby), "only terminated processes become zombies")

	s.Schedule()
	s.BlockCurrent("pipe")

	before := s.ListProcesses()
	assert.Equal(t, 2, s.CleanupZombies())

	assert.Equal(t, 0, s.CountByState(ProcessStateZombie))
	assert.Equal(t, 2, s.GetProcessCount())
	_, ok := s.GetProcessInfo(exiting)
	assert.False(t, ok)

	for _, pcb := range before {
		if pcb.PID != waiting && pcb.PID != standby {
			continue
		}
		after, ok := s.GetProcessInfo(pcb.PID)
		require.True(t, ok)
		assert.Equal(t, pcb, after)
	}
}

func TestScheduler_KillProcess(t *testing.T) {
	s, _ := newTestScheduler(10)

	assert.False(t, s.KillProcess(42))

	pid := s.CreateProcess(100, "victim")
	s.Schedule()

	require.True(t, s.KillProcess(pid))
	info, _ := s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateTerminated, info.State)
	assert.Equal(t, int32(-1), *info.ExitCode)

	// The current pid is left for the caller to release.
	cur, ok := s.CurrentPID()
	assert.True(t, ok)
	assert.Equal(t, pid, cur)
	assertSingleRunner(t, s)

	assert.True(t, s.ReleaseCurrent(pid))
	_, ok = s.CurrentPID()
	assert.False(t, ok)
	assert.False(t, s.ReleaseCurrent(pid))

	// Killing again keeps the first exit code.
	assert.True(t, s.KillProcess(pid))
	info, _ = s.GetProcessInfo(pid)
	assert.Equal(t, int32(-1), *info.ExitCode)
}

func TestScheduler_KillWaitingClearsReason(t *testing.T) {
	s, _ := newTestScheduler(10)

	pid := s.CreateProcess(100, "sleeper")
	s.Schedule()
	s.BlockCurrent("timer")

	require.True(t, s.KillProcess(pid))
	info, _ := s.GetProcessInfo(pid)
	assert.Nil(t, info.WaitReason)
	assert.Equal(t, ProcessStateTerminated, info.State)
}

func TestScheduler_ScheduleAfterUnreleasedKill(t *testing.T) {
	s, _ := newTestScheduler(10)

	a := s.CreateProcess(100, "a")
	b := s.CreateProcess(90, "b")
	s.Schedule()
	require.True(t, s.KillProcess(a))

	pid, ok := s.Schedule()
	require.True(t, ok)
	assert.Equal(t, b, pid)
	assertSingleRunner(t, s)
}

func TestScheduler_SuspendResume(t *testing.T) {
	s, _ := newTestScheduler(10)

	pid := s.CreateProcess(100, "job")
	s.Schedule()

	require.True(t, s.SuspendProcess(pid))
	info, _ := s.GetProcessInfo(pid)
	assert.Equal(t, ProcessStateSuspended, info.State)
	_, ok := s.CurrentPID()
	assert.False(t, ok)

	_, ok = s.Schedule()
	assert.False(t, ok, "suspended processes are never picked")

	assert.False(t, s.SuspendProcess(pid), "already suspended")
	assert.True(t, s.ResumeProcess(pid))
	assert.False(t, s.ResumeProcess(pid))
	assert.False(t, s.ResumeProcess(999))

	got, ok := s.Schedule()
	assert.True(t, ok)
	assert.Equal(t, pid, got)

	s.BlockCurrent("io")
	assert.False(t, s.SuspendProcess(pid), "waiting processes cannot be suspended")
}

func TestScheduler_SetNiceClamps(t *testing.T) {
	s, _ := newTestScheduler(10)
	pid := s.CreateProcess(100, "job")

	tests := []struct {
		nice int
		want int8
	}{
		{100, MaxNice},
		{-100, MinNice},
		{0, 0},
		{-5, -5},
	}
	for _, tt := range tests {
		require.True(t, s.SetNice(pid, tt.nice))
		info, _ := s.GetProcessInfo(pid)
		assert.Equal(t, tt.want, info.Nice)
	}

	assert.False(t, s.SetNice(999, 1))
	assert.False(t, s.SetPriority(999, 1))
}

func TestScheduler_QueriesReturnCopies(t *testing.T) {
	s, _ := newTestScheduler(10)
	pid := s.CreateProcess(100, "job")
	s.Schedule()

	info, _ := s.GetProcessInfo(pid)
	info.State = ProcessStateZombie
	*info.LastRunTime = 999

	cur := s.GetCurrentProcess()
	require.NotNil(t, cur)
	assert.Equal(t, ProcessStateRunning, cur.State)
	assert.Equal(t, Tick(0), *cur.LastRunTime)

	list := s.ListProcesses()
	list[0].Command = "mutated"
	info, _ = s.GetProcessInfo(pid)
	assert.Equal(t, "job", info.Command)
}

func TestScheduler_TerminatedBefore(t *testing.T) {
	s, clock := newTestScheduler(10)

	early := s.CreateProcess(100, "early")
	late := s.CreateProcess(50, "late")

	s.KillProcess(early)
	clock.Advance(20)
	s.KillProcess(late)

	assert.Equal(t, []PID{early}, s.TerminatedBefore(10))
	assert.Equal(t, []PID{early, late}, s.TerminatedBefore(20))
}
