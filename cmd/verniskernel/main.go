// VernisOS Kernel Host
//
// Runs one scheduler instance on a wall-clock tick, reaps terminated
// processes in the background and exports the instance table over gRPC.
//
// Usage:
//
//	go run ./cmd/verniskernel                          # defaults, gRPC on :50051
//	go run ./cmd/verniskernel -config kernel.yaml      # YAML or JSON config
//	go run ./cmd/verniskernel -addr :7000 -log-level debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vernisos/verniskernel/coreengine/config"
	"github.com/vernisos/verniskernel/coreengine/console"
	kgrpc "github.com/vernisos/verniskernel/coreengine/grpc"
	"github.com/vernisos/verniskernel/coreengine/kernel"
	"github.com/vernisos/verniskernel/coreengine/observability"
)

const shutdownTimeout = 5 * time.Second

// options are the command-line flags; empty values keep the config file's.
type options struct {
	configPath  string
	addr        string
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("verniskernel", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML or JSON config file")
	fs.StringVar(&o.addr, "addr", "", "gRPC server address")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Prometheus /metrics address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(o options) (*config.HostConfig, error) {
	cfg := config.DefaultHostConfig()
	if o.configPath != "" {
		loaded, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.addr != "" {
		cfg.GRPCAddress = o.addr
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddress = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newSlogLogger(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("verniskernel_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.HostConfig, logger *slogLogger) error {
	logger.Info("verniskernel_starting",
		"version", observability.ServiceVersion,
		"grpc_address", cfg.GRPCAddress,
	)

	if cfg.TracingEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(cfg.ServiceName, cfg.TracingEndpoint, cfg.TracerOptions())
		if err != nil {
			logger.Warn("tracing_disabled", "error", err.Error())
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracer(sctx); err != nil {
					logger.Warn("tracer_shutdown_failed", "error", err.Error())
				}
			}()
		}
	}

	out := console.Multi(consoleEmitter(), console.NewLogEmitter(logger))
	h, err := boot(cfg, logger, kernel.NewMonotonicClock(time.Millisecond), out)
	if err != nil {
		return err
	}
	defer h.shutdown()

	stopReap := h.kernel.StartReapLoop(cfg.ReapConfig())
	defer stopReap()

	tickCtx, stopTicks := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runTicks(tickCtx, cfg.TickInterval())
	}()
	defer func() {
		stopTicks()
		wg.Wait()
	}()

	if cfg.EnableMetrics && cfg.MetricsAddress != "" {
		metricsServer := startMetrics(cfg.MetricsAddress, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(sctx)
		}()
	}

	server, err := kgrpc.NewGracefulServer(kgrpc.NewKernelServer(logger, h.table), cfg.GRPCAddress, cfg.EnableMetrics)
	if err != nil {
		return err
	}
	errCh, err := server.StartBackground()
	if err != nil {
		return err
	}
	logger.Info("verniskernel_ready", "grpc_address", cfg.GRPCAddress, "handle", uint64(h.handle))

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
	}

	server.ShutdownWithTimeout(shutdownTimeout)
	logger.Info("verniskernel_stopped")
	return nil
}

func startMetrics(addr string, logger *slogLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()
	logger.Info("metrics_server_started", "address", addr)
	return srv
}
