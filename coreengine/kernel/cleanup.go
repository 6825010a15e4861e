package kernel

import (
	"sync"
	"time"
)

// ReapConfig holds the reaper parameters.
type ReapConfig struct {
	// Interval is how often to run a reap cycle (default: 1 second).
	Interval time.Duration
	// Retention is how many ticks a terminated process is kept before it becomes a zombie.
	Retention Ticks
}

// DefaultReapConfig returns default reaper configuration.
func DefaultReapConfig() ReapConfig {
	return ReapConfig{
		Interval:  time.Second,
		Retention: 1000,
	}
}

// StartReapLoop starts a background goroutine that periodically collects
// terminated processes. Returns a stop function; calling it more than once is a no-op.
func (k *Kernel) StartReapLoop(cfg ReapConfig) func() {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapConfig().Interval
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				k.ReapOnce(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

// ReapOnce performs a single reap cycle with panic recovery and returns
// the number of processes removed.
func (k *Kernel) ReapOnce(cfg ReapConfig) int {
	removed, err := GuardValue(k.logger, "reap_cycle", 0, func() int {
		return k.Reap(cfg.Retention)
	})
	if err != nil {
		return 0
	}

	if k.logger != nil {
		k.logger.Debug("reap_cycle_completed",
			"processes_reaped", removed,
			"retention_ticks", uint64(cfg.Retention),
		)
	}
	return removed
}
