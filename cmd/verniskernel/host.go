package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vernisos/verniskernel/coreengine/abi"
	"github.com/vernisos/verniskernel/coreengine/config"
	"github.com/vernisos/verniskernel/coreengine/console"
	"github.com/vernisos/verniskernel/coreengine/kernel"
)

// host owns the primary scheduler instance of the binary.
type host struct {
	logger kernel.Logger
	table  *abi.Table
	handle abi.Handle
	kernel *kernel.Kernel
}

// boot creates the primary instance, maps its heap and starts the initial
// processes.
func boot(cfg *config.HostConfig, logger kernel.Logger, clock kernel.Clock, out console.Emitter) (*host, error) {
	table := abi.NewTable(abi.Options{
		Kernel:  cfg.KernelConfig(),
		Clock:   clock,
		Console: out,
		Logger:  logger,
	})

	h := table.Create()
	if !table.InitHeap(h, uintptr(cfg.HeapBase), uintptr(cfg.HeapSize)) {
		table.Destroy(h)
		return nil, fmt.Errorf("map user heap at 0x%X (%d bytes)", cfg.HeapBase, cfg.HeapSize)
	}

	for i, spec := range cfg.InitialProcesses {
		pid := table.CreateProcess(h, spec.Priority, append([]byte(spec.Command), 0))
		if pid == 0 {
			table.Destroy(h)
			return nil, fmt.Errorf("create initial process %d (%q)", i, spec.Command)
		}
		if spec.Nice != 0 {
			table.SetNice(h, pid, int8(max(kernel.MinNice, min(kernel.MaxNice, spec.Nice))))
		}
	}

	k, _ := table.Kernel(h)
	logger.Info("kernel_booted",
		"handle", uint64(h),
		"boot_id", k.BootID(),
		"processes", len(cfg.InitialProcesses),
	)
	return &host{logger: logger, table: table, handle: h, kernel: k}, nil
}

// runTicks makes one scheduling decision per interval until ctx is done.
func (h *host) runTicks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.table.Schedule(h.handle)
		}
	}
}

func (h *host) shutdown() {
	h.table.Destroy(h.handle)
}
