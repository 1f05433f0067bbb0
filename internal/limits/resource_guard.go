package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// ResourceGuardConfig holds the static limits for a ResourceGuard.
type ResourceGuardConfig struct {
	MaxConnections int     // Hard cap on registered connections
	MemoryLimit    int64   // RSS bytes above which upgrades are refused (0 = off)
	MaxGoroutines  int     // Goroutine count above which upgrades are refused (0 = off)
	UpgradeRate    float64 // Process-wide sustained upgrades/sec (0 = off)
	UpgradeBurst   int
	Logger         zerolog.Logger
}

// ResourceGuard enforces static resource limits and prevents server overload.
//
// Philosophy:
//   - Static configuration (predictable behavior)
//   - Safety valves (emergency brakes)
//   - Exhaustion degrades to rejecting new connections, never to crashing
//
// It complements the per-origin AdmissionController: admission protects the
// gateway from one origin, the guard protects it from all of them together.
type ResourceGuard struct {
	config        ResourceGuardConfig
	logger        zerolog.Logger
	upgradeLimit  *rate.Limiter
	currentConns  *atomic.Int64
	currentMemory atomic.Int64
	proc          *process.Process
}

// NewResourceGuard creates a guard reading the live connection count from
// currentConns.
func NewResourceGuard(config ResourceGuardConfig, currentConns *atomic.Int64) *ResourceGuard {
	rg := &ResourceGuard{
		config:       config,
		logger:       config.Logger.With().Str("component", "resource_guard").Logger(),
		currentConns: currentConns,
	}
	if config.UpgradeRate > 0 {
		burst := config.UpgradeBurst
		if burst <= 0 {
			burst = int(config.UpgradeRate * 2)
		}
		rg.upgradeLimit = rate.NewLimiter(rate.Limit(config.UpgradeRate), burst)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		monitoring.LogError(rg.logger, err, "Process sampling unavailable, memory brake disabled", nil)
	} else {
		rg.proc = proc
	}

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Int64("memory_limit", config.MemoryLimit).
		Int("max_goroutines", config.MaxGoroutines).
		Float64("upgrade_rate", config.UpgradeRate).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks if a new connection can be accepted
//
// Checks (in order):
//  1. Hard connection limit
//  2. Memory emergency brake
//  3. Goroutine limit
//  4. Process-wide upgrade rate
//
// Returns:
//   - accept: true if connection should be accepted
//   - reason: human-readable rejection reason (if rejected)
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if ok, label, reason := rg.capacity(); !ok {
		monitoring.IncrementCapacityRejection(label)
		return false, reason
	}

	if rg.upgradeLimit != nil && !rg.upgradeLimit.Allow() {
		monitoring.IncrementCapacityRejection("global_upgrade_rate")
		return false, "global upgrade rate exceeded"
	}

	return true, "OK"
}

// Saturated reports whether a static limit is currently reached, without
// consuming upgrade rate. Used by the health endpoint.
func (rg *ResourceGuard) Saturated() (bool, string) {
	ok, _, reason := rg.capacity()
	return !ok, reason
}

func (rg *ResourceGuard) capacity() (ok bool, label, reason string) {
	if rg.config.MaxConnections > 0 && rg.currentConns.Load() >= int64(rg.config.MaxConnections) {
		return false, "at_max_connections", fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	if rg.config.MemoryLimit > 0 && rg.currentMemory.Load() > rg.config.MemoryLimit {
		return false, "memory_limit", "memory limit exceeded"
	}

	if rg.config.MaxGoroutines > 0 {
		if n := runtime.NumGoroutine(); n > rg.config.MaxGoroutines {
			return false, "goroutine_limit", fmt.Sprintf("goroutine limit exceeded (%d > %d)", n, rg.config.MaxGoroutines)
		}
	}
	return true, "", ""
}

// Check is ShouldAcceptConnection expressed as an error wrapping ErrOverloaded.
func (rg *ResourceGuard) Check() error {
	if ok, reason := rg.ShouldAcceptConnection(); !ok {
		rg.logger.Warn().
			Int64("current_connections", rg.currentConns.Load()).
			Str("reason", reason).
			Msg("Connection rejected by ResourceGuard")
		return fmt.Errorf("%w: %s", ErrOverloaded, reason)
	}
	return nil
}

// UpdateResources samples process RSS.
func (rg *ResourceGuard) UpdateResources() {
	if rg.proc == nil {
		return
	}
	info, err := rg.proc.MemoryInfo()
	if err != nil {
		rg.logger.Debug().Err(err).Msg("Failed to sample process memory")
		return
	}
	rg.currentMemory.Store(int64(info.RSS))
	monitoring.SetMemoryBytes(info.RSS)

	rg.logger.Debug().
		Int64("memory_mb", int64(info.RSS)/(1024*1024)).
		Int64("connections", rg.currentConns.Load()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}

// StartMonitoring begins periodic resource updates
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	rg.UpdateResources()
	go func() {
		defer close(done)
		defer monitoring.RecoverPanic(rg.logger, "resourceGuard", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("ResourceGuard monitoring stopped")
				return
			}
		}
	}()
	return done
}

// GetStats returns current resource statistics for the health endpoint
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":     rg.config.MaxConnections,
		"current_connections": rg.currentConns.Load(),
		"memory_bytes":        rg.currentMemory.Load(),
		"memory_limit_bytes":  rg.config.MemoryLimit,
		"goroutines_current":  runtime.NumGoroutine(),
		"goroutines_limit":    rg.config.MaxGoroutines,
	}
}
