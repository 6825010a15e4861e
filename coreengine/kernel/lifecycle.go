// Package kernel provides process lifecycle management.
//
// Implements the kernel's process scheduling:
//   - Process creation (CreateProcess, AddProcess)
//   - State transitions (Block, Wake, Suspend, Resume, Terminate, Kill)
//   - Priority scheduling (Schedule)
//   - Reaping (MarkZombie, CleanupZombies)
package kernel

import (
	"maps"
	"slices"
	"sort"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines allowed state transitions.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateNew: {
		ProcessStateStandby:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateStandby: {
		ProcessStateRunning:    true,
		ProcessStateSuspended:  true,
		ProcessStateTerminated: true,
	},
	ProcessStateRunning: {
		ProcessStateStandby:    true, // Slice expiry or preemption
		ProcessStateWaiting:    true,
		ProcessStateSuspended:  true,
		ProcessStateTerminated: true,
	},
	ProcessStateWaiting: {
		ProcessStateStandby:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateSuspended: {
		ProcessStateStandby:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateTerminated: {
		ProcessStateZombie: true,
	},
	ProcessStateZombie: {}, // Terminal state
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// StateChange records one state transition made by the scheduler.
type StateChange struct {
	PID  PID
	From ProcessState
	To   ProcessState
	Tick Tick
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler owns the process table and picks which process runs next.
//
// It is single-threaded and performs no locking; use Kernel when the
// scheduler is driven from more than one goroutine. Every PCB handed out by
// a query is a copy.
type Scheduler struct {
	clock       Clock
	timeQuantum Ticks

	processes  map[PID]*ProcessControlBlock
	currentPID PID

	// Pids removed by CleanupZombies; never handed out again
	retired map[PID]struct{}

	nextPID          PID
	totalCreated     uint64
	startTime        Tick
	cpuUsage         Ticks
	contextSwitches  uint64
	idleTime         Ticks
	lastScheduleTime Tick

	observer func(StateChange)
}

// NewScheduler creates a scheduler reading time from clock.
// A nil clock defaults to a millisecond MonotonicClock; a zero quantum to DefaultTimeQuantum.
func NewScheduler(clock Clock, timeQuantum Ticks) *Scheduler {
	if clock == nil {
		clock = NewMonotonicClock(0)
	}
	if timeQuantum == 0 {
		timeQuantum = DefaultTimeQuantum
	}
	now := clock.Now()
	return &Scheduler{
		clock:            clock,
		timeQuantum:      timeQuantum,
		processes:        make(map[PID]*ProcessControlBlock),
		retired:          make(map[PID]struct{}),
		nextPID:          1,
		startTime:        now,
		lastScheduleTime: now,
	}
}

// SetTransitionObserver installs a callback invoked for every state change.
func (s *Scheduler) SetTransitionObserver(fn func(StateChange)) {
	s.observer = fn
}

// Now returns the scheduler's current tick.
func (s *Scheduler) Now() Tick {
	return s.clock.Now()
}

func (s *Scheduler) setState(pcb *ProcessControlBlock, to ProcessState, now Tick) {
	from := pcb.State
	pcb.State = to
	if s.observer != nil && from != to {
		s.observer(StateChange{PID: pcb.PID, From: from, To: to, Tick: now})
	}
}

// =============================================================================
// Process Creation
// =============================================================================

// CreateProcess allocates the next pid and inserts a STANDBY process.
func (s *Scheduler) CreateProcess(priority uint8, command string) PID {
	now := s.clock.Now()
	pid := s.nextPID
	s.nextPID++
	s.totalCreated++

	pcb := NewProcessControlBlock(pid, priority, command, now)
	pcb.TimeQuantum = s.timeQuantum
	pcb.ResetTimeSlice()
	s.processes[pid] = pcb
	s.setState(pcb, ProcessStateStandby, now)
	return pid
}

// AddProcess inserts an externally constructed PCB, e.g. a restored process.
// SUSPENDED and ZOMBIE are preserved; every other state becomes STANDBY.
// Only a ZOMBIE keeps its exit code and end time. A zero quantum takes the
// scheduler's, and the slice is refilled when empty or larger than the quantum.
// Returns NoPID for a nil PCB, a zero pid, a pid already in the table, a pid
// reaped by CleanupZombies, or a ZOMBIE without an exit code.
func (s *Scheduler) AddProcess(pcb *ProcessControlBlock) PID {
	if pcb == nil || pcb.PID == NoPID {
		return NoPID
	}
	if _, exists := s.processes[pcb.PID]; exists {
		return NoPID
	}
	if _, reaped := s.retired[pcb.PID]; reaped {
		return NoPID
	}
	if pcb.State == ProcessStateZombie && pcb.ExitCode == nil {
		return NoPID
	}

	now := s.clock.Now()
	p := pcb.Clone()
	if p.WorkingDirectory == "" {
		p.WorkingDirectory = DefaultWorkingDirectory
	}
	if p.State != ProcessStateZombie {
		if p.State != ProcessStateSuspended {
			p.State = ProcessStateNew
		}
		p.ExitCode = nil
		p.EndTime = nil
	}
	p.WaitReason = nil
	if p.TimeQuantum == 0 {
		p.TimeQuantum = s.timeQuantum
	}
	if p.TimeSliceRemaining == 0 || p.TimeSliceRemaining > p.TimeQuantum {
		p.ResetTimeSlice()
	}

	s.processes[p.PID] = p
	if p.State == ProcessStateNew {
		s.setState(p, ProcessStateStandby, now)
	}
	if p.PID >= s.nextPID {
		s.nextPID = p.PID + 1
	}
	return p.PID
}

// =============================================================================
// Scheduling
// =============================================================================

// Schedule picks the process to run for the next tick.
//
// The running process is charged for the ticks since it was last stamped; if
// it used up its slice it is demoted to STANDBY and competes with its peers.
// The highest effective priority wins. A running process that still has slice
// left keeps the CPU on ties; among STANDBY processes the least recently run
// wins, then the lowest pid. Returns false when the system is idle.
func (s *Scheduler) Schedule() (PID, bool) {
	now := s.clock.Now()
	prev := s.currentPID

	var incumbent *ProcessControlBlock
	if cur := s.running(); cur != nil {
		s.charge(cur, now)
		if cur.TimeSliceRemaining == 0 {
			s.setState(cur, ProcessStateStandby, now)
			cur.ResetTimeSlice()
		} else {
			incumbent = cur
		}
	}

	next := s.pickNext(incumbent)
	if next == nil {
		s.idleTime += now.Since(s.lastScheduleTime)
		s.currentPID = NoPID
		s.lastScheduleTime = now
		return NoPID, false
	}

	if next.PID != prev {
		s.contextSwitches++
		if old, ok := s.processes[prev]; ok && old.State == ProcessStateRunning {
			s.setState(old, ProcessStateStandby, now)
		}
	}

	if next.LastRunTime == nil || next.TimeSliceRemaining == 0 {
		next.ResetTimeSlice()
	}
	s.setState(next, ProcessStateRunning, now)
	stamp := now
	next.LastRunTime = &stamp
	s.currentPID = next.PID
	s.lastScheduleTime = now
	return next.PID, true
}

// running returns the current process if it is still RUNNING.
func (s *Scheduler) running() *ProcessControlBlock {
	if s.currentPID == NoPID {
		return nil
	}
	pcb, ok := s.processes[s.currentPID]
	if !ok || pcb.State != ProcessStateRunning {
		return nil
	}
	return pcb
}

// charge bills a running process for the ticks since its last stamp and
// consumes its slice. An expired slice is left at zero.
func (s *Scheduler) charge(pcb *ProcessControlBlock, now Tick) {
	var elapsed Ticks
	if pcb.LastRunTime != nil {
		elapsed = now.Since(*pcb.LastRunTime)
	}
	pcb.CPUTime += elapsed
	s.cpuUsage += elapsed

	if elapsed >= pcb.TimeSliceRemaining {
		pcb.TimeSliceRemaining = 0
	} else {
		pcb.TimeSliceRemaining -= elapsed
	}
	stamp := now
	pcb.LastRunTime = &stamp
}

// pickNext selects the best candidate among STANDBY processes and the incumbent.
func (s *Scheduler) pickNext(incumbent *ProcessControlBlock) *ProcessControlBlock {
	best := incumbent
	for _, pid := range s.sortedPIDs() {
		pcb := s.processes[pid]
		if pcb.State != ProcessStateStandby {
			continue
		}
		if best == nil || outranks(pcb, best, incumbent) {
			best = pcb
		}
	}
	return best
}

// outranks reports whether candidate should replace best.
func outranks(candidate, best, incumbent *ProcessControlBlock) bool {
	ce, be := candidate.EffectivePriority(), best.EffectivePriority()
	if ce != be {
		return ce > be
	}
	if best == incumbent {
		return false
	}
	return ranBefore(candidate, best)
}

// ranBefore orders processes by last run; never-run processes come first.
func ranBefore(a, b *ProcessControlBlock) bool {
	switch {
	case a.LastRunTime == nil:
		return b.LastRunTime != nil
	case b.LastRunTime == nil:
		return false
	default:
		return *a.LastRunTime < *b.LastRunTime
	}
}

func (s *Scheduler) sortedPIDs() []PID {
	return slices.Sorted(maps.Keys(s.processes))
}

// =============================================================================
// State Transitions
// =============================================================================

// BlockCurrent moves the running process to WAITING with the given reason.
// No-op if nothing is running.
func (s *Scheduler) BlockCurrent(reason string) (PID, bool) {
	cur := s.running()
	if cur == nil {
		return NoPID, false
	}
	now := s.clock.Now()
	s.charge(cur, now)
	r := reason
	cur.WaitReason = &r
	s.setState(cur, ProcessStateWaiting, now)
	s.currentPID = NoPID
	return cur.PID, true
}

// WakeProcess moves a WAITING process back to STANDBY.
func (s *Scheduler) WakeProcess(pid PID) bool {
	pcb, ok := s.processes[pid]
	if !ok || pcb.State != ProcessStateWaiting {
		return false
	}
	pcb.WaitReason = nil
	s.setState(pcb, ProcessStateStandby, s.clock.Now())
	return true
}

// TerminateCurrent moves the running process to TERMINATED with exitCode.
func (s *Scheduler) TerminateCurrent(exitCode int32) (PID, bool) {
	cur := s.running()
	if cur == nil {
		return NoPID, false
	}
	now := s.clock.Now()
	s.charge(cur, now)
	s.terminate(cur, exitCode, now)
	s.currentPID = NoPID
	return cur.PID, true
}

// ExitCurrent terminates the running process and marks it ZOMBIE directly.
func (s *Scheduler) ExitCurrent(exitCode int32) (PID, bool) {
	pid, ok := s.TerminateCurrent(exitCode)
	if !ok {
		return NoPID, false
	}
	s.setState(s.processes[pid], ProcessStateZombie, s.clock.Now())
	return pid, true
}

// KillProcess forces any process to TERMINATED with exit code -1.
//
// It does not clear the current pid when the victim is running; callers
// must follow up with ReleaseCurrent. Already terminated processes keep
// their original exit code.
func (s *Scheduler) KillProcess(pid PID) bool {
	pcb, ok := s.processes[pid]
	if !ok {
		return false
	}
	if pcb.IsTerminated() {
		return true
	}
	now := s.clock.Now()
	if pcb.State == ProcessStateRunning {
		s.charge(pcb, now)
	}
	pcb.WaitReason = nil
	s.terminate(pcb, -1, now)
	return true
}

func (s *Scheduler) terminate(pcb *ProcessControlBlock, exitCode int32, now Tick) {
	code := exitCode
	end := now
	pcb.ExitCode = &code
	pcb.EndTime = &end
	s.setState(pcb, ProcessStateTerminated, now)
}

// ReleaseCurrent clears the current pid if it names pid and that process
// is no longer RUNNING.
func (s *Scheduler) ReleaseCurrent(pid PID) bool {
	if pid == NoPID || s.currentPID != pid {
		return false
	}
	if pcb, ok := s.processes[pid]; ok && pcb.State == ProcessStateRunning {
		return false
	}
	s.currentPID = NoPID
	return true
}

// SuspendProcess moves a RUNNING or STANDBY process to SUSPENDED.
func (s *Scheduler) SuspendProcess(pid PID) bool {
	pcb, ok := s.processes[pid]
	if !ok {
		return false
	}
	if pcb.State != ProcessStateRunning && pcb.State != ProcessStateStandby {
		return false
	}
	now := s.clock.Now()
	if pcb.State == ProcessStateRunning {
		s.charge(pcb, now)
	}
	s.setState(pcb, ProcessStateSuspended, now)
	if s.currentPID == pid {
		s.currentPID = NoPID
	}
	return true
}

// ResumeProcess moves a SUSPENDED process back to STANDBY.
func (s *Scheduler) ResumeProcess(pid PID) bool {
	pcb, ok := s.processes[pid]
	if !ok || pcb.State != ProcessStateSuspended {
		return false
	}
	s.setState(pcb, ProcessStateStandby, s.clock.Now())
	return true
}

// SetPriority sets the static priority. The 0-139 range is not enforced.
func (s *Scheduler) SetPriority(pid PID, priority uint8) bool {
	pcb, ok := s.processes[pid]
	if !ok {
		return false
	}
	pcb.Priority = priority
	return true
}

// SetNice sets the nice value, clamped to [-20, 19].
func (s *Scheduler) SetNice(pid PID, nice int) bool {
	pcb, ok := s.processes[pid]
	if !ok {
		return false
	}
	pcb.Nice = clampNice(nice)
	return true
}

// =============================================================================
// Reaping
// =============================================================================

// MarkZombie moves a TERMINATED process to ZOMBIE so it can be cleaned up.
func (s *Scheduler) MarkZombie(pid PID) bool {
	pcb, ok := s.processes[pid]
	if !ok || pcb.State != ProcessStateTerminated {
		return false
	}
	s.setState(pcb, ProcessStateZombie, s.clock.Now())
	return true
}

// TerminatedBefore returns the pids of TERMINATED processes that ended at or before cutoff.
func (s *Scheduler) TerminatedBefore(cutoff Tick) []PID {
	var pids []PID
	for _, pid := range s.sortedPIDs() {
		pcb := s.processes[pid]
		if pcb.State == ProcessStateTerminated && pcb.EndTime != nil && *pcb.EndTime <= cutoff {
			pids = append(pids, pid)
		}
	}
	return pids
}

// CleanupZombies removes every ZOMBIE from the table and returns how many were removed.
func (s *Scheduler) CleanupZombies() int {
	removed := 0
	for pid, pcb := range s.processes {
		if pcb.State != ProcessStateZombie {
			continue
		}
		delete(s.processes, pid)
		s.retired[pid] = struct{}{}
		if s.currentPID == pid {
			s.currentPID = NoPID
		}
		removed++
	}
	return removed
}

// =============================================================================
// Queries
// =============================================================================

// GetProcessInfo returns a copy of the process with the given pid.
func (s *Scheduler) GetProcessInfo(pid PID) (*ProcessControlBlock, bool) {
	pcb, ok := s.processes[pid]
	if !ok {
		return nil, false
	}
	return pcb.Clone(), true
}

// GetCurrentProcess returns a copy of the current process, or nil.
func (s *Scheduler) GetCurrentProcess() *ProcessControlBlock {
	if s.currentPID == NoPID {
		return nil
	}
	pcb, ok := s.processes[s.currentPID]
	if !ok {
		return nil
	}
	return pcb.Clone()
}

// CurrentPID returns the current pid, if any.
func (s *Scheduler) CurrentPID() (PID, bool) {
	return s.currentPID, s.currentPID != NoPID
}

// ListProcesses returns copies of all processes ordered by pid.
func (s *Scheduler) ListProcesses() []*ProcessControlBlock {
	pids := s.sortedPIDs()
	result := make([]*ProcessControlBlock, 0, len(pids))
	for _, pid := range pids {
		result = append(result, s.processes[pid].Clone())
	}
	return result
}

// StandbyPIDs returns the ready queue in the order Schedule would pick from it.
func (s *Scheduler) StandbyPIDs() []PID {
	var ready []*ProcessControlBlock
	for _, pid := range s.sortedPIDs() {
		if pcb := s.processes[pid]; pcb.State == ProcessStateStandby {
			ready = append(ready, pcb)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return outranks(ready[i], ready[j], nil)
	})
	pids := make([]PID, len(ready))
	for i, pcb := range ready {
		pids[i] = pcb.PID
	}
	return pids
}

// GetProcessCount returns the number of processes in the table.
func (s *Scheduler) GetProcessCount() int {
	return len(s.processes)
}

// CountByState returns the number of processes in the given state.
func (s *Scheduler) CountByState(state ProcessState) int {
	n := 0
	for _, pcb := range s.processes {
		if pcb.State == state {
			n++
		}
	}
	return n
}

// GetProcessCounts returns the count of processes by state.
func (s *Scheduler) GetProcessCounts() map[ProcessState]int {
	counts := make(map[ProcessState]int)
	for _, pcb := range s.processes {
		counts[pcb.State]++
	}
	return counts
}

// GetRunningProcessCount returns the number of RUNNING processes.
func (s *Scheduler) GetRunningProcessCount() int {
	return s.CountByState(ProcessStateRunning)
}

// GetStandbyProcessCount returns the number of STANDBY processes.
func (s *Scheduler) GetStandbyProcessCount() int {
	return s.CountByState(ProcessStateStandby)
}

// GetWaitingProcessCount returns the number of WAITING processes.
func (s *Scheduler) GetWaitingProcessCount() int {
	return s.CountByState(ProcessStateWaiting)
}

// Stats returns the scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	uptime := s.clock.Now().Since(s.startTime)
	utilization := 0.0
	if uptime > 0 {
		utilization = float64(s.cpuUsage) / float64(uptime) * 100
	}
	counts := s.GetProcessCounts()
	return SchedulerStats{
		Uptime:                uptime,
		TotalProcessesCreated: s.totalCreated,
		CurrentProcessCount:   len(s.processes),
		ContextSwitches:       s.contextSwitches,
		CPUUsage:              s.cpuUsage,
		CPUUtilization:        utilization,
		IdleTime:              s.idleTime,
		RunningProcesses:      counts[ProcessStateRunning],
		StandbyProcesses:      counts[ProcessStateStandby],
		WaitingProcesses:      counts[ProcessStateWaiting],
	}
}
