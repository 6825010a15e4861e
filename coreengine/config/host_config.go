// Package config provides host configuration for the kernel runtime.
//
// HostConfig covers everything the host binary needs to drive a scheduler
// instance:
//   - Tick and reap cadence
//   - The simulated user heap
//   - gRPC, metrics and tracing endpoints
//   - Processes created at boot
//
// Scheduler-level settings are handed to the kernel as a kernel.Config.
// Configuration is passed explicitly; there is no package-level instance.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vernisos/verniskernel/coreengine/kernel"
	"github.com/vernisos/verniskernel/coreengine/memory"
	"github.com/vernisos/verniskernel/coreengine/observability"
)

// ProcessSpec describes a process created at boot.
type ProcessSpec struct {
	Command  string `json:"command" yaml:"command"`
	Priority uint8  `json:"priority" yaml:"priority"`
	Nice     int    `json:"nice" yaml:"nice"`
}

// HostConfig holds host runtime configuration.
type HostConfig struct {
	// Scheduling
	TickIntervalMs int    `json:"tick_interval_ms"` // wall time between scheduling decisions
	TimeQuantum    uint64 `json:"time_quantum"`     // ticks per slice
	ReapIntervalMs int    `json:"reap_interval_ms"`
	ReapRetention  uint64 `json:"reap_retention"` // ticks a terminated process is kept
	EnableMetrics  bool   `json:"enable_metrics"`

	// User heap
	HeapBase uint64 `json:"heap_base"`
	HeapSize uint64 `json:"heap_size"`

	// Endpoints
	GRPCAddress      string  `json:"grpc_address"`
	MetricsAddress   string  `json:"metrics_address"` // empty disables /metrics
	TracingEndpoint  string  `json:"tracing_endpoint"` // empty disables tracing, "stdout" prints spans
	ServiceName      string  `json:"service_name"`
	Environment      string  `json:"environment"`
	TraceSampleRatio float64 `json:"trace_sample_ratio"`

	// Logging
	LogLevel string `json:"log_level"`

	InitialProcesses []ProcessSpec `json:"initial_processes"`
}

// DefaultHostConfig returns a HostConfig with default values.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		TickIntervalMs: 10,
		TimeQuantum:    uint64(kernel.DefaultTimeQuantum),
		ReapIntervalMs: 1000,
		ReapRetention:  1000,
		EnableMetrics:  true,

		HeapBase: 0x200000,
		HeapSize: 1 << 20,

		GRPCAddress:      ":50051",
		MetricsAddress:   ":9090",
		TracingEndpoint:  "",
		ServiceName:      "verniskernel",
		Environment:      "development",
		TraceSampleRatio: 1.0,

		LogLevel: "INFO",

		InitialProcesses: []ProcessSpec{
			{Command: "init", Priority: 20},
		},
	}
}

// =============================================================================
// Map Conversion
// =============================================================================

// intValue accepts the integer shapes produced by JSON and YAML decoding.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// HostConfigFromMap creates a HostConfig from a map.
// Unknown keys and values of the wrong type are ignored.
func HostConfigFromMap(m map[string]any) *HostConfig {
	c := DefaultHostConfig()

	if v, ok := intValue(m["tick_interval_ms"]); ok {
		c.TickIntervalMs = int(v)
	}
	if v, ok := intValue(m["time_quantum"]); ok && v >= 0 {
		c.TimeQuantum = uint64(v)
	}
	if v, ok := intValue(m["reap_interval_ms"]); ok {
		c.ReapIntervalMs = int(v)
	}
	if v, ok := intValue(m["reap_retention"]); ok && v >= 0 {
		c.ReapRetention = uint64(v)
	}
	if v, ok := m["enable_metrics"].(bool); ok {
		c.EnableMetrics = v
	}
	if v, ok := intValue(m["heap_base"]); ok && v >= 0 {
		c.HeapBase = uint64(v)
	}
	if v, ok := intValue(m["heap_size"]); ok && v >= 0 {
		c.HeapSize = uint64(v)
	}
	if v, ok := m["grpc_address"].(string); ok {
		c.GRPCAddress = v
	}
	if v, ok := m["metrics_address"].(string); ok {
		c.MetricsAddress = v
	}
	if v, ok := m["tracing_endpoint"].(string); ok {
		c.TracingEndpoint = v
	}
	if v, ok := m["service_name"].(string); ok {
		c.ServiceName = v
	}
	if v, ok := m["environment"].(string); ok {
		c.Environment = v
	}
	if v, ok := floatValue(m["trace_sample_ratio"]); ok {
		c.TraceSampleRatio = v
	}
	if v, ok := m["log_level"].(string); ok {
		c.LogLevel = v
	}
	if v, ok := m["initial_processes"].([]any); ok {
		c.InitialProcesses = processSpecsFromList(v)
	}
	return c
}

func processSpecsFromList(items []any) []ProcessSpec {
	specs := make([]ProcessSpec, 0, len(items))
	for _, item := range items {
		switch p := item.(type) {
		case string:
			specs = append(specs, ProcessSpec{Command: p})
		case map[string]any:
			spec := ProcessSpec{}
			if v, ok := p["command"].(string); ok {
				spec.Command = v
			}
			if v, ok := intValue(p["priority"]); ok && v >= 0 && v <= math.MaxUint8 {
				spec.Priority = uint8(v)
			}
			if v, ok := intValue(p["nice"]); ok {
				spec.Nice = int(v)
			}
			specs = append(specs, spec)
		}
	}
	return specs
}

// ToMap converts config to a map.
func (c *HostConfig) ToMap() map[string]any {
	procs := make([]any, len(c.InitialProcesses))
	for i, p := range c.InitialProcesses {
		procs[i] = map[string]any{
			"command":  p.Command,
			"priority": int(p.Priority),
			"nice":     p.Nice,
		}
	}
	return map[string]any{
		"tick_interval_ms":   c.TickIntervalMs,
		"time_quantum":       c.TimeQuantum,
		"reap_interval_ms":   c.ReapIntervalMs,
		"reap_retention":     c.ReapRetention,
		"enable_metrics":     c.EnableMetrics,
		"heap_base":          c.HeapBase,
		"heap_size":          c.HeapSize,
		"grpc_address":       c.GRPCAddress,
		"metrics_address":    c.MetricsAddress,
		"tracing_endpoint":   c.TracingEndpoint,
		"service_name":       c.ServiceName,
		"environment":        c.Environment,
		"trace_sample_ratio": c.TraceSampleRatio,
		"log_level":          c.LogLevel,
		"initial_processes":  procs,
	}
}

// =============================================================================
// Validation
// =============================================================================

var validLogLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// Validate reports every invalid field at once.
func (c *HostConfig) Validate() error {
	var errs []error
	if c.TickIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval_ms must be positive, got %d", c.TickIntervalMs))
	}
	if c.TimeQuantum == 0 {
		errs = append(errs, errors.New("time_quantum must be positive"))
	}
	if c.ReapIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("reap_interval_ms must be positive, got %d", c.ReapIntervalMs))
	}
	if c.HeapBase == 0 {
		errs = append(errs, errors.New("heap_base must be non-zero"))
	}
	if c.HeapSize == 0 || c.HeapSize > memory.MaxHeapSize {
		errs = append(errs, fmt.Errorf("heap_size must be in (0, %d], got %d", memory.MaxHeapSize, c.HeapSize))
	}
	if c.HeapBase > math.MaxUint64-c.HeapSize {
		errs = append(errs, errors.New("heap region overflows the address space"))
	}
	if c.GRPCAddress == "" {
		errs = append(errs, errors.New("grpc_address is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be in [0, 1], got %g", c.TraceSampleRatio))
	}
	if !validLogLevels[strings.ToUpper(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	for i, p := range c.InitialProcesses {
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("initial_processes[%d]: command is required", i))
		}
		if strings.ContainsRune(p.Command, 0) {
			errs = append(errs, fmt.Errorf("initial_processes[%d]: command contains NUL", i))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Derived Settings
// =============================================================================

// TickInterval returns the wall time between scheduling decisions.
func (c *HostConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// KernelConfig returns the scheduler-level settings.
func (c *HostConfig) KernelConfig() *kernel.Config {
	return &kernel.Config{
		TimeQuantum:   kernel.Ticks(c.TimeQuantum),
		ReapRetention: kernel.Ticks(c.ReapRetention),
		EnableMetrics: c.EnableMetrics,
	}
}

// ReapConfig returns the background reaper settings.
func (c *HostConfig) ReapConfig() kernel.ReapConfig {
	return kernel.ReapConfig{
		Interval:  time.Duration(c.ReapIntervalMs) * time.Millisecond,
		Retention: kernel.Ticks(c.ReapRetention),
	}
}

// TracerOptions returns the tracer bootstrap options.
func (c *HostConfig) TracerOptions() observability.TracerOptions {
	return observability.TracerOptions{
		Environment: c.Environment,
		SampleRatio: c.TraceSampleRatio,
	}
}

// =============================================================================
// File Loading
// =============================================================================

// LoadFile reads a YAML (.yaml, .yml) or JSON (.json) config file over the
// defaults and validates the result.
func LoadFile(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	m := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c := HostConfigFromMap(m)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}
