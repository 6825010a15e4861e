package syscall

import (
	"fmt"
	"strings"
)

// MaxDumpBytes caps the length of a DumpMemory range.
const MaxDumpBytes = 256

const bytesPerLine = 16

func (d *Dispatcher) dumpRegisters() {
	pcb := d.procs.GetCurrentProcess()
	if pcb == nil {
		d.emit("[ERROR] No current process")
		return
	}
	d.emit("[DUMP] Registers for PID %d:", pcb.PID)
	for _, r := range pcb.Context.Registers() {
		d.emit("  %-7s 0x%016X", r.Name+":", r.Value)
	}
}

func (d *Dispatcher) dumpScheduler() {
	d.emit("[DUMP] Scheduler State:")
	if pid, ok := d.procs.CurrentPID(); ok {
		d.emit("  Current PID: %d", pid)
	} else {
		d.emit("  Current PID: None")
	}

	ready := d.procs.StandbyPIDs()
	d.emit("  Ready Queue Length: %d", len(ready))
	ids := make([]string, len(ready))
	for i, pid := range ready {
		ids[i] = fmt.Sprint(pid)
	}
	d.emit("  Ready Queue PIDs: [%s]", strings.Join(ids, ", "))

	stats := d.procs.Stats()
	d.emit("  Processes: %d (created %d)", stats.CurrentProcessCount, stats.TotalProcessesCreated)
	d.emit("  Context Switches: %d", stats.ContextSwitches)
	d.emit("  CPU Utilization: %.2f%% (idle %d ticks)", stats.CPUUtilization, stats.IdleTime)
}

// dumpMemory prints the byte at addr, or a hex dump of up to MaxDumpBytes
// bytes when length is non-zero.
func (d *Dispatcher) dumpMemory(addr, length uintptr) {
	if length == 0 {
		data, err := d.readUser(addr, 1)
		if err != nil {
			d.emit("[ERROR] Invalid memory address")
			return
		}
		d.emit("[DUMP] Memory at 0x%X => 0x%02X", addr, data[0])
		return
	}

	if length > MaxDumpBytes {
		length = MaxDumpBytes
	}
	data, err := d.readUser(addr, length)
	if err != nil {
		d.emit("[ERROR] Invalid memory address")
		return
	}
	d.emit("[DUMP] Memory at 0x%X (%d bytes):", addr, len(data))
	for _, line := range hexdumpLines(addr, data) {
		d.out.Emit(line)
	}
}

// hexdumpLines renders data as address, hex and ASCII columns, 16 bytes per line.
func hexdumpLines(base uintptr, data []byte) []string {
	lines := make([]string, 0, (len(data)+bytesPerLine-1)/bytesPerLine)
	for off := 0; off < len(data); off += bytesPerLine {
		end := min(off+bytesPerLine, len(data))
		row := data[off:end]

		var b strings.Builder
		fmt.Fprintf(&b, "  %016X  ", base+uintptr(off))
		for i := 0; i < bytesPerLine; i++ {
			if i < len(row) {
				fmt.Fprintf(&b, "%02X ", row[i])
			} else {
				b.WriteString("   ")
			}
			if i == bytesPerLine/2-1 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('|')
		lines = append(lines, b.String())
	}
	return lines
}

func (d *Dispatcher) dumpSyscalls() {
	d.emit("[DUMP] Available System Calls:")
	for _, desc := range descriptors {
		d.emit("  %-2d - %-15s%s", desc.Number, desc.Title+":", desc.Description)
	}
}

func (d *Dispatcher) dumpAll() {
	d.emit("=== VERNISOS SYSTEM DUMP ===")
	if pcb := d.procs.GetCurrentProcess(); pcb != nil {
		d.emit("Current Process: PID=%d, Status=%s, Command=%q", pcb.PID, pcb.State, pcb.Command)
	} else {
		d.emit("No current process")
	}
	d.dumpScheduler()
	d.dumpRegisters()
	d.dumpSyscalls()
	d.emit("=== END SYSTEM DUMP ===")
}
