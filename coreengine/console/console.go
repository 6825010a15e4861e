// Package console provides the output collaborator used by system calls.
//
// The kernel core never writes to a device itself; it hands complete lines
// to an Emitter supplied by the host.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vernisos/verniskernel/coreengine/kernel"
)

// Emitter receives console lines. Lines carry no trailing newline.
type Emitter interface {
	Emit(line string)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(line string)

// Emit calls f(line).
func (f EmitterFunc) Emit(line string) {
	f(line)
}

// Discard drops every line.
var Discard Emitter = EmitterFunc(func(string) {})

// =============================================================================
// Writer
// =============================================================================

// WriterEmitter writes each line, newline-terminated, to an io.Writer.
type WriterEmitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterEmitter creates an emitter writing to w.
func NewWriterEmitter(w io.Writer) *WriterEmitter {
	return &WriterEmitter{w: w}
}

// Emit writes line followed by a newline. Write errors are dropped.
func (e *WriterEmitter) Emit(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.w, line)
}

// =============================================================================
// Logger
// =============================================================================

// LogEmitter forwards lines to a structured logger as console_output events.
type LogEmitter struct {
	logger kernel.Logger
}

// NewLogEmitter creates an emitter logging through logger.
func NewLogEmitter(logger kernel.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit logs line at info level.
func (e *LogEmitter) Emit(line string) {
	if e.logger == nil {
		return
	}
	e.logger.Info("console_output", "line", line)
}

// =============================================================================
// Buffer
// =============================================================================

// Buffer records emitted lines in memory.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Emit appends line.
func (b *Buffer) Emit(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

// Lines returns a copy of the recorded lines.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of recorded lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Drain returns the recorded lines and clears the buffer.
func (b *Buffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// String joins the recorded lines with newlines.
func (b *Buffer) String() string {
	return strings.Join(b.Lines(), "\n")
}

// =============================================================================
// Fan-out
// =============================================================================

type multiEmitter []Emitter

func (m multiEmitter) Emit(line string) {
	for _, e := range m {
		e.Emit(line)
	}
}

// Multi returns an emitter that forwards every line to each of emitters.
// Nil emitters are skipped.
func Multi(emitters ...Emitter) Emitter {
	var m multiEmitter
	for _, e := range emitters {
		if e != nil {
			m = append(m, e)
		}
	}
	return m
}
