// Package syscall maps numeric system-call requests onto the kernel core.
//
// Every request goes through Dispatcher.Dispatch, which validates user
// buffers before reading them, applies the effect to the process table and
// reports the outcome as a signed result code.
package syscall

// Number identifies a system call.
type Number uint32

const (
	Write         Number = 1
	Exit          Number = 2
	GetPid        Number = 3
	DumpRegisters Number = 10
	DumpScheduler Number = 11
	DumpMemory    Number = 12
	DumpSyscalls  Number = 13
	DumpAll       Number = 14
)

// Result codes returned by Dispatch. Non-negative values are successes.
const (
	ResultOK int64 = 0
	// ErrnoFault reports an invalid user buffer (EFAULT).
	ErrnoFault int64 = -1
	// ErrnoInvalid reports an argument with invalid contents, such as non UTF-8 text (EINVAL).
	ErrnoInvalid int64 = -2
	// ResultUnknown is returned for unrecognized syscall numbers.
	ResultUnknown int64 = -1
	// ResultNoProcess is returned by GetPid when nothing is running.
	ResultNoProcess int64 = -1
)

// Descriptor documents one system call.
type Descriptor struct {
	Number      Number `json:"number"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

var descriptors = []Descriptor{
	{Write, "write", "Write", "Write string to console"},
	{Exit, "exit", "Exit", "Exit process with code"},
	{GetPid, "getpid", "GetPid", "Get current process ID"},
	{DumpRegisters, "dump_registers", "DumpRegisters", "Dump current process registers"},
	{DumpScheduler, "dump_scheduler", "DumpScheduler", "Dump scheduler state"},
	{DumpMemory, "dump_memory", "DumpMemory", "Dump memory at address"},
	{DumpSyscalls, "dump_syscalls", "DumpSyscalls", "Show this help"},
	{DumpAll, "dump_all", "DumpAll", "Dump all system information"},
}

// Syscalls returns the descriptors of every supported system call in number order.
func Syscalls() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Lookup returns the descriptor for n.
func Lookup(n uint32) (Descriptor, bool) {
	for _, d := range descriptors {
		if uint32(d.Number) == n {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Valid reports whether n is a supported system call.
func (n Number) Valid() bool {
	_, ok := Lookup(uint32(n))
	return ok
}

// String returns the snake_case name of n, or "unknown".
func (n Number) String() string {
	if d, ok := Lookup(uint32(n)); ok {
		return d.Name
	}
	return "unknown"
}
