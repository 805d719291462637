package metrics

import (
	"time"

	"github.com/sandboxd/sandboxd/pkg/circuitbreaker"
	"github.com/sandboxd/sandboxd/pkg/ratelimit"
	"github.com/sandboxd/sandboxd/pkg/store"
)

// Collector periodically samples the Session Store and the Circuit Breaker
// and publishes the results as gauges. It holds the Rate Limiter but
// publishes nothing from it.
type Collector struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	stopCh  chan struct{}
}

// NewCollector constructs a Collector bound to the store, limiter, and
// breaker.
func NewCollector(st *store.Store, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker) *Collector {
	return &Collector{
		store:   st,
		limiter: limiter,
		breaker: breaker,
		stopCh:  make(chan struct{}),
	}
}

// Start begins sampling on a 15s cadence, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionMetrics()
	c.collectCircuitBreakerMetrics()
}

func (c *Collector) collectSessionMetrics() {
	stats := c.store.Stats()
	for state, count := range stats.ByState {
		SessionsActive.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectCircuitBreakerMetrics() {
	reading := c.breaker.Status()
	if reading.IsOpen {
		CircuitBreakerOpen.Set(1)
	} else {
		CircuitBreakerOpen.Set(0)
	}
}
