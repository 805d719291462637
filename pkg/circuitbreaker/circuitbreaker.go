// Package circuitbreaker implements the Circuit Breaker: a polled, global
// admission gate that refuses new sessions when the host's container
// count or memory usage crosses a configured threshold. It never blocks —
// it reports a fresh reading on every call.
package circuitbreaker

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/types"
)

// ContainerCounter is the subset of the Session Store the breaker needs:
// the count of currently non-terminal sessions (each backed by exactly one
// live container).
type ContainerCounter interface {
	ActiveCount() int
}

// Breaker evaluates admission readings on demand from a container counter
// and the host's memory usage.
type Breaker struct {
	counter           ContainerCounter
	maxContainers     int
	maxMemoryPercent  float64
	devMode           bool // skips the memory probe
}

// New constructs a Breaker. devMode skips the memory probe because
// aggressive host-OS file caches distort the reading in development
// environments.
func New(counter ContainerCounter, maxContainers int, maxMemoryPercent float64, devMode bool) *Breaker {
	return &Breaker{
		counter:          counter,
		maxContainers:    maxContainers,
		maxMemoryPercent: maxMemoryPercent,
		devMode:          devMode,
	}
}

// Status evaluates isOpen afresh: container cap first, then (outside dev
// mode) host memory percent.
func (b *Breaker) Status() types.CircuitBreakerReading {
	count := b.counter.ActiveCount()
	reading := types.CircuitBreakerReading{ContainerCount: count}

	if count >= b.maxContainers {
		reading.IsOpen = true
		reading.Reason = "container count at capacity"
		return reading
	}

	if b.devMode {
		return reading
	}

	percent, err := memoryPercent()
	if err != nil {
		// A failed probe is not itself an admission failure; log and
		// treat memory as unknown (0%), deferring to the container cap.
		log.WithComponent("circuitbreaker").Warn().Err(err).Msg("failed to read host memory usage")
		return reading
	}
	reading.MemoryPercent = percent

	if percent >= b.maxMemoryPercent {
		reading.IsOpen = true
		reading.Reason = "host memory usage at capacity"
	}
	return reading
}

func memoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
