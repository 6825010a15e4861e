// Package observability provides Prometheus metrics instrumentation for verniskernel.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SCHEDULER METRICS
// =============================================================================

var (
	scheduleDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verniskernel_schedule_decisions_total",
			Help: "Total number of scheduling decisions",
		},
		[]string{"outcome"}, // outcome: scheduled, idle
	)

	contextSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verniskernel_context_switches_total",
			Help: "Total number of context switches",
		},
	)

	processes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verniskernel_processes",
			Help: "Number of processes in the table by state",
		},
		[]string{"state"},
	)
)

// =============================================================================
// PROCESS LIFECYCLE METRICS
// =============================================================================

var (
	processesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verniskernel_processes_created_total",
			Help: "Total number of processes created",
		},
	)

	processExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verniskernel_process_exits_total",
			Help: "Total number of process exits",
		},
		[]string{"reason"}, // reason: exited, terminated, killed
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verniskernel_state_transitions_total",
			Help: "Total number of process state transitions",
		},
		[]string{"from", "to"},
	)

	processesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verniskernel_processes_reaped_total",
			Help: "Total number of zombie processes removed from the table",
		},
	)
)

// =============================================================================
// SYSCALL METRICS
// =============================================================================

var (
	syscallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verniskernel_syscalls_total",
			Help: "Total number of system calls dispatched",
		},
		[]string{"syscall", "status"}, // status: ok, efault, einval, unknown, panic
	)

	syscallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verniskernel_syscall_duration_seconds",
			Help:    "System call dispatch duration in seconds",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
		[]string{"syscall"},
	)
)

// =============================================================================
// ABI / GRPC METRICS
// =============================================================================

var (
	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "verniskernel_abi_open_handles",
			Help: "Number of live scheduler handles",
		},
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verniskernel_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, NotFound, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verniskernel_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordScheduleDecision records the outcome of one Schedule call.
func RecordScheduleDecision(outcome string) {
	scheduleDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordContextSwitch records a context switch.
func RecordContextSwitch() {
	contextSwitchesTotal.Inc()
}

// SetProcessCount sets the number of processes currently in state.
func SetProcessCount(state string, count int) {
	processes.WithLabelValues(state).Set(float64(count))
}

// RecordProcessCreated records a process creation.
func RecordProcessCreated() {
	processesCreatedTotal.Inc()
}

// RecordProcessExit records a process leaving the runnable set for good.
func RecordProcessExit(reason string) {
	processExitsTotal.WithLabelValues(reason).Inc()
}

// RecordStateTransition records a process state transition.
func RecordStateTransition(from, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordProcessesReaped records zombies removed by a cleanup.
func RecordProcessesReaped(count int) {
	if count <= 0 {
		return
	}
	processesReapedTotal.Add(float64(count))
}

// RecordSyscall records system call metrics.
// This should be called by the dispatcher after the handler returns.
func RecordSyscall(syscall string, status string, duration time.Duration) {
	syscallsTotal.WithLabelValues(syscall, status).Inc()
	syscallDurationSeconds.WithLabelValues(syscall).Observe(duration.Seconds())
}

// SetOpenHandles sets the number of live ABI handles.
func SetOpenHandles(count int) {
	openHandles.Set(float64(count))
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
