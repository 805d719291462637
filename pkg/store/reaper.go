package store

import (
	"time"

	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/types"
)

const reapInterval = 30 * time.Second

// Reaper periodically scans RUNNING sessions for idle timeout and hands
// each expired session to a Teardown callback. It never deletes
// DESTROYING sessions — the Coordinator is already handling those — and it
// swallows and logs teardown errors so a single stuck session cannot stall
// the scan.
type Reaper struct {
	store    *Store
	teardown func(session types.Session)
	stopCh   chan struct{}
}

// NewReaper constructs a Reaper bound to store. teardown is invoked once
// per idle session found in a scan; it is expected to be the
// Coordinator's reap operation.
func NewReaper(store *Store, teardown func(session types.Session)) *Reaper {
	return &Reaper{store: store, teardown: teardown, stopCh: make(chan struct{})}
}

// Start begins the background scan loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop halts the scan loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	logger := log.WithComponent("reaper")
	logger.Info().Msg("idle reaper started")

	for {
		select {
		case <-ticker.C:
			r.scan()
		case <-r.stopCh:
			logger.Info().Msg("idle reaper stopped")
			return
		}
	}
}

func (r *Reaper) scan() {
	logger := log.WithComponent("reaper")
	for _, sess := range r.store.idleRunning(time.Now()) {
		func(sess types.Session) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("session_id", sess.ID).Msg("teardown panicked during reap, continuing scan")
				}
			}()
			logger.Info().Str("session_id", sess.ID).Dur("idle_for", time.Since(sess.LastActivityAt)).Msg("session idle, expiring")
			r.teardown(sess)
		}(sess)
	}
}
