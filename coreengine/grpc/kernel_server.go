package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vernisos/verniskernel/coreengine/abi"
	"github.com/vernisos/verniskernel/coreengine/kernel"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "verniskernel.v1.KernelService"

// eventBuffer is the per-subscriber queue depth of WatchEvents.
const eventBuffer = 64

// Unary method names of KernelService.
const (
	MethodCreateInstance    = "CreateInstance"
	MethodDestroyInstance   = "DestroyInstance"
	MethodCreateProcess     = "CreateProcess"
	MethodSchedule          = "Schedule"
	MethodBlockCurrent      = "BlockCurrent"
	MethodWakeProcess       = "WakeProcess"
	MethodTerminateCurrent  = "TerminateCurrent"
	MethodKillProcess       = "KillProcess"
	MethodSuspendProcess    = "SuspendProcess"
	MethodResumeProcess     = "ResumeProcess"
	MethodSetPriority       = "SetPriority"
	MethodSetNice           = "SetNice"
	MethodGetProcessInfo    = "GetProcessInfo"
	MethodGetSchedulerStats = "GetSchedulerStats"
	MethodGetProcessCounts  = "GetProcessCounts"
	MethodCleanupZombies    = "CleanupZombies"
	MethodInitHeap          = "InitHeap"
	MethodWriteUser         = "WriteUser"
	MethodDispatch          = "Dispatch"
	MethodGetSystemStatus   = "GetSystemStatus"

	// MethodWatchEvents is the server-streaming event method.
	MethodWatchEvents = "WatchEvents"
)

// FullMethod returns the gRPC path of a KernelService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// KernelServiceServer is the server API of KernelService.
type KernelServiceServer interface {
	Call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

type methodFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// KernelServer implements KernelService over an abi.Table.
// Thread-safe: the table serializes kernel access; hubs is protected by mu.
type KernelServer struct {
	logger  Logger
	table   *abi.Table
	methods map[string]methodFunc

	mu   sync.Mutex
	hubs map[abi.Handle]*eventHub
}

// NewKernelServer creates a KernelService server over table.
func NewKernelServer(logger Logger, table *abi.Table) *KernelServer {
	s := &KernelServer{
		logger: logger,
		table:  table,
		hubs:   make(map[abi.Handle]*eventHub),
	}
	s.methods = map[string]methodFunc{
		MethodCreateInstance:    s.createInstance,
		MethodDestroyInstance:   s.destroyInstance,
		MethodCreateProcess:     s.createProcess,
		MethodSchedule:          s.schedule,
		MethodBlockCurrent:      s.blockCurrent,
		MethodWakeProcess:       s.transition("wake", table.WakeProcess),
		MethodTerminateCurrent:  s.terminateCurrent,
		MethodKillProcess:       s.transition("kill", table.KillProcess),
		MethodSuspendProcess:    s.transition("suspend", table.SuspendProcess),
		MethodResumeProcess:     s.transition("resume", table.ResumeProcess),
		MethodSetPriority:       s.setPriority,
		MethodSetNice:           s.setNice,
		MethodGetProcessInfo:    s.getProcessInfo,
		MethodGetSchedulerStats: s.getSchedulerStats,
		MethodGetProcessCounts:  s.getProcessCounts,
		MethodCleanupZombies:    s.cleanupZombies,
		MethodInitHeap:          s.initHeap,
		MethodWriteUser:         s.writeUser,
		MethodDispatch:          s.dispatch,
		MethodGetSystemStatus:   s.getSystemStatus,
	}
	return s
}

// Register registers the server with a gRPC server.
func (s *KernelServer) Register(server grpc.ServiceRegistrar) {
	server.RegisterService(&KernelServiceDesc, s)
}

// Call dispatches a unary method by name.
func (s *KernelServer) Call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := s.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	if req == nil {
		req = &structpb.Struct{}
	}
	return fn(ctx, req)
}

// instance resolves the handle field to a live kernel.
func (s *KernelServer) instance(req *structpb.Struct) (abi.Handle, *kernel.Kernel, error) {
	h, err := handleField(req)
	if err != nil {
		return abi.NullHandle, nil, err
	}
	k, ok := s.table.Kernel(h)
	if !ok {
		return abi.NullHandle, nil, NotFound("instance", uint64(h))
	}
	return h, k, nil
}

// process resolves the handle and pid fields to a live process.
// Both fields are validated before either lookup.
func (s *KernelServer) process(req *structpb.Struct) (abi.Handle, *kernel.ProcessControlBlock, error) {
	if _, err := handleField(req); err != nil {
		return abi.NullHandle, nil, err
	}
	pid, err := pidField(req)
	if err != nil {
		return abi.NullHandle, nil, err
	}
	h, k, err := s.instance(req)
	if err != nil {
		return abi.NullHandle, nil, err
	}
	pcb, ok := k.GetProcessInfo(kernel.PID(pid))
	if !ok {
		return abi.NullHandle, nil, NotFound("process", pid)
	}
	return h, pcb, nil
}

// =============================================================================
// Instances
// =============================================================================

func (s *KernelServer) createInstance(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	h := s.table.Create()
	s.logger.Info("instance_created", "handle", uint64(h))
	return respond(map[string]any{"handle": uint64(h)})
}

func (s *KernelServer) destroyInstance(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, err := handleField(req)
	if err != nil {
		return nil, err
	}
	if !s.table.Destroy(h) {
		return nil, NotFound("instance", uint64(h))
	}
	s.dropHub(h)
	s.logger.Info("instance_destroyed", "handle", uint64(h))
	return respond(map[string]any{"destroyed": true})
}

// =============================================================================
// Process Lifecycle
// =============================================================================

func (s *KernelServer) createProcess(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	priority, err := optionalUint(req, "priority", math.MaxUint8, 0)
	if err != nil {
		return nil, err
	}
	command, err := stringField(req, "command")
	if err != nil {
		return nil, err
	}
	if strings.ContainsRune(command, 0) {
		return nil, status.Error(codes.InvalidArgument, "command must not contain NUL")
	}

	pid := s.table.CreateProcess(h, uint8(priority), append([]byte(command), 0))
	if pid == 0 {
		return nil, NotFound("instance", uint64(h))
	}
	return respond(map[string]any{"pid": pid})
}

func (s *KernelServer) schedule(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	pid := s.table.Schedule(h)
	return respond(map[string]any{"pid": pid, "idle": pid == 0})
}

func (s *KernelServer) blockCurrent(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	reason, err := stringField(req, "reason")
	if err != nil {
		return nil, err
	}
	if strings.ContainsRune(reason, 0) {
		return nil, status.Error(codes.InvalidArgument, "reason must not contain NUL")
	}
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}

	pid := s.table.BlockCurrentPID(h, append([]byte(reason), 0))
	if pid == 0 {
		return nil, FailedPrecondition("scheduler", "idle", "block current process")
	}
	return respond(map[string]any{"pid": pid})
}

func (s *KernelServer) terminateCurrent(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	code, err := intField(req, "exit_code", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}

	pid := s.table.TerminateCurrentPID(h, int32(code))
	if pid == 0 {
		return nil, FailedPrecondition("scheduler", "idle", "terminate current process")
	}
	return respond(map[string]any{"pid": pid})
}

// transition adapts a pid-addressed state change. Unknown pids map to
// NotFound, rejected transitions to FailedPrecondition.
func (s *KernelServer) transition(action string, fn func(abi.Handle, uint64) bool) methodFunc {
	return func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		h, pcb, err := s.process(req)
		if err != nil {
			return nil, err
		}
		if !fn(h, uint64(pcb.PID)) {
			return nil, FailedPrecondition(processName(pcb), string(pcb.State), action)
		}
		return respond(map[string]any{"pid": uint64(pcb.PID)})
	}
}

func (s *KernelServer) setPriority(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	priority, err := uintField(req, "priority", math.MaxUint8)
	if err != nil {
		return nil, err
	}
	h, pcb, err := s.process(req)
	if err != nil {
		return nil, err
	}
	s.table.SetPriority(h, uint64(pcb.PID), uint8(priority))
	return s.processInfo(h, uint64(pcb.PID))
}

func (s *KernelServer) setNice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nice, err := intField(req, "nice", math.MinInt8, math.MaxInt8)
	if err != nil {
		return nil, err
	}
	h, pcb, err := s.process(req)
	if err != nil {
		return nil, err
	}
	s.table.SetNice(h, uint64(pcb.PID), int8(nice))
	return s.processInfo(h, uint64(pcb.PID))
}

func (s *KernelServer) cleanupZombies(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"reaped": s.table.CleanupZombies(h)})
}

// =============================================================================
// Introspection
// =============================================================================

func (s *KernelServer) getProcessInfo(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, pcb, err := s.process(req)
	if err != nil {
		return nil, err
	}
	return s.processInfo(h, uint64(pcb.PID))
}

func (s *KernelServer) processInfo(h abi.Handle, pid uint64) (*structpb.Struct, error) {
	var info abi.ProcessInfo
	if !s.table.GetProcessInfo(h, pid, &info) {
		return nil, NotFound("process", pid)
	}
	fields := map[string]any{
		"pid":            info.PID,
		"state":          info.State.String(),
		"state_code":     uint32(info.State),
		"priority":       uint32(info.Priority),
		"nice":           int32(info.Nice),
		"cpu_time_ticks": info.CPUTimeTicks,
	}
	if info.HasExitCode {
		fields["exit_code"] = info.ExitCode
	}
	return respond(fields)
}

func (s *KernelServer) getSchedulerStats(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	var stats abi.SchedulerStats
	if !s.table.GetSchedulerStats(h, &stats) {
		return nil, NotFound("instance", uint64(h))
	}
	return respond(map[string]any{
		"uptime_ticks":            stats.UptimeTicks,
		"total_processes_created": stats.TotalProcessesCreated,
		"current_process_count":   stats.CurrentProcessCount,
		"context_switches":        stats.ContextSwitches,
		"cpu_utilization":         stats.CPUUtilization,
		"idle_ticks":              stats.IdleTicks,
		"running_processes":       stats.RunningProcesses,
		"standby_processes":       stats.StandbyProcesses,
		"waiting_processes":       stats.WaitingProcesses,
	})
}

func (s *KernelServer) getProcessCounts(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{
		"total":   s.table.GetProcessCount(h),
		"running": s.table.GetRunningProcessCount(h),
		"standby": s.table.GetStandbyProcessCount(h),
		"waiting": s.table.GetWaitingProcessCount(h),
	})
}

func (s *KernelServer) getSystemStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, k, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	return jsonStruct(k.GetSystemStatus())
}

// =============================================================================
// Heap and System Calls
// =============================================================================

func (s *KernelServer) initHeap(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	start, err := uintField(req, "start", maxSafeInteger)
	if err != nil {
		return nil, err
	}
	size, err := uintField(req, "size", maxSafeInteger)
	if err != nil {
		return nil, err
	}
	if !s.table.InitHeap(h, uintptr(start), uintptr(size)) {
		return nil, FailedPrecondition("heap", "initialized or invalid", "initialize")
	}
	return respond(map[string]any{"start": start, "size": size})
}

func (s *KernelServer) writeUser(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	data, err := stringField(req, "data")
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, InvalidArgument("data")
	}
	addr := s.table.CopyToUser(h, []byte(data))
	if addr == 0 {
		return nil, ResourceExhausted("user heap", len(data))
	}
	return respond(map[string]any{"addr": uint64(addr), "length": len(data)})
}

func (s *KernelServer) dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, _, err := s.instance(req)
	if err != nil {
		return nil, err
	}
	number, err := uintField(req, "number", math.MaxUint32)
	if err != nil {
		return nil, err
	}
	var args [3]uint64
	for i, name := range []string{"arg1", "arg2", "arg3"} {
		if args[i], err = optionalUint(req, name, maxSafeInteger, 0); err != nil {
			return nil, err
		}
	}

	result := s.table.DispatchContext(ctx, h, uint32(number), uintptr(args[0]), uintptr(args[1]), uintptr(args[2]))
	return respond(map[string]any{"result": result})
}

// =============================================================================
// Event Streaming
// =============================================================================

// WatchEvents streams the kernel events of one instance until the client
// cancels or the instance is destroyed.
func (s *KernelServer) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	h, k, err := s.instance(req)
	if err != nil {
		return err
	}
	hub := s.hubFor(h, k)
	id, events := hub.subscribe(eventBuffer)
	defer hub.unsubscribe(id)

	s.logger.Debug("event_watch_started", "handle", uint64(h), "subscriber", id)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := jsonStruct(evt)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *KernelServer) hubFor(h abi.Handle, k *kernel.Kernel) *eventHub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hub, ok := s.hubs[h]; ok {
		return hub
	}
	hub := newEventHub()
	k.OnEvent(hub.publish)
	s.hubs[h] = hub
	return hub
}

func (s *KernelServer) dropHub(h abi.Handle) {
	s.mu.Lock()
	hub, ok := s.hubs[h]
	delete(s.hubs, h)
	s.mu.Unlock()
	if ok {
		hub.close()
	}
}

// eventHub fans kernel events out to stream subscribers. A subscriber whose
// queue is full misses events rather than stalling the kernel.
type eventHub struct {
	mu      sync.Mutex
	closed  bool
	next    int
	subs    map[int]chan *kernel.KernelEvent
	dropped uint64
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan *kernel.KernelEvent)}
}

func (h *eventHub) publish(evt *kernel.KernelEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped++
		}
	}
}

func (h *eventHub) subscribe(buffer int) (int, <-chan *kernel.KernelEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan *kernel.KernelEvent, buffer)
	if h.closed {
		close(ch)
		return h.next, ch
	}
	h.subs[h.next] = ch
	return h.next, ch
}

func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func respond(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	return msg, nil
}

// jsonStruct converts any JSON-encodable value to a Struct.
func jsonStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, Internal("encode response", err)
	}
	return respond(fields)
}

func processName(pcb *kernel.ProcessControlBlock) string {
	return fmt.Sprintf("process %d", pcb.PID)
}

// =============================================================================
// Service Descriptor
// =============================================================================

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(KernelServiceServer)
		if interceptor == nil {
			return server.Call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return server.Call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(KernelServiceServer).WatchEvents(in, stream)
}

func unaryMethods(names ...string) []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, len(names))
	for i, name := range names {
		descs[i] = grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)}
	}
	return descs
}

// KernelServiceDesc describes verniskernel.v1.KernelService.
var KernelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KernelServiceServer)(nil),
	Methods: unaryMethods(
		MethodCreateInstance,
		MethodDestroyInstance,
		MethodCreateProcess,
		MethodSchedule,
		MethodBlockCurrent,
		MethodWakeProcess,
		MethodTerminateCurrent,
		MethodKillProcess,
		MethodSuspendProcess,
		MethodResumeProcess,
		MethodSetPriority,
		MethodSetNice,
		MethodGetProcessInfo,
		MethodGetSchedulerStats,
		MethodGetProcessCounts,
		MethodCleanupZombies,
		MethodInitHeap,
		MethodWriteUser,
		MethodDispatch,
		MethodGetSystemStatus,
	),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "verniskernel/v1/kernel.proto",
}
