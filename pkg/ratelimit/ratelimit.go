// Package ratelimit implements the tiered Rate Limiter: authoritative
// in-memory admission decisions for four event classes, using
// reset-at-boundary fixed windows for rolling counts and plain sets for
// concurrency caps.
//
// Window semantics are deliberately not a token bucket: on any access, if
// now-windowStart >= windowDuration, the counter is zeroed and windowStart
// re-anchored to now, and only then is the check evaluated. A session
// arriving exactly at the boundary belongs to the new window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
)

const (
	sessionWindow = time.Hour
	commandWindow = time.Minute

	cleanupInterval = 5 * time.Minute
	recordIdleTTL   = 2 * time.Hour
)

// Decision is the outcome of a check* call.
type Decision struct {
	Allowed     bool
	RetryAfter  time.Duration // set only for windowed (rolling-count) denials
}

// Limiter owns every RateLimitRecord. Other components interact with
// tracking identities only through its operations.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*types.RateLimitRecord
	limits  map[types.Tier]types.TierLimits
	stopCh  chan struct{}
}

// New constructs a Limiter from the static per-tier limits table.
func New(limits map[types.Tier]types.TierLimits) *Limiter {
	return &Limiter{
		records: make(map[string]*types.RateLimitRecord),
		limits:  limits,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background cleanup loop that reaps idle records with
// no active sessions or connections. It is not required for correctness —
// only for bounding memory on a long-running process.
func (l *Limiter) Start() {
	go l.cleanupLoop()
}

// Stop halts the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	logger := log.WithComponent("ratelimit")
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			logger.Info().Msg("rate limiter cleanup loop stopped")
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, rec := range l.records {
		if len(rec.ActiveSessionIDs) > 0 || len(rec.ActiveConnectionIDs) > 0 {
			continue
		}
		if now.Sub(rec.SessionWindowStart) > recordIdleTTL && now.Sub(rec.CommandWindowStart) > recordIdleTTL {
			delete(l.records, key)
		}
	}
}

func (l *Limiter) recordLocked(key string, tier types.Tier, now time.Time) *types.RateLimitRecord {
	rec, ok := l.records[key]
	if !ok {
		rec = &types.RateLimitRecord{
			Key:                 key,
			Tier:                tier,
			SessionWindowStart:  now,
			ActiveSessionIDs:    make(map[string]struct{}),
			CommandWindowStart:  now,
			ActiveConnectionIDs: make(map[string]struct{}),
		}
		l.records[key] = rec
	}
	rec.Tier = tier
	return rec
}

func slideWindow(now, windowStart time.Time, duration time.Duration, count *int) time.Time {
	if now.Sub(windowStart) >= duration {
		*count = 0
		return now
	}
	return windowStart
}

// CheckSessionLimit evaluates the hour-window session count and the
// concurrent-session set against tier limits. Fails closed on either cap;
// only the windowed cap carries a RetryAfter.
func (l *Limiter) CheckSessionLimit(key string, tier types.Tier) Decision {
	if tier == types.TierAdmin {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	rec := l.recordLocked(key, tier, now)
	limits := l.limits[tier]

	rec.SessionWindowStart = slideWindow(now, rec.SessionWindowStart, sessionWindow, &rec.SessionCount)

	if rec.SessionCount >= limits.SessionsPerHour {
		retryAfter := sessionWindow - now.Sub(rec.SessionWindowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	if len(rec.ActiveSessionIDs) >= limits.MaxConcurrentSessions {
		return Decision{Allowed: false}
	}
	return Decision{Allowed: true}
}

// RecordSession increments the hour counter and adds sessionID to the
// active set. Must be called only after a successful CheckSessionLimit.
func (l *Limiter) RecordSession(key, sessionID string, tier types.Tier) {
	if tier == types.TierAdmin {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordLocked(key, tier, time.Now())
	rec.SessionCount++
	rec.ActiveSessionIDs[sessionID] = struct{}{}
}

// RemoveSession removes sessionID from the active set. Counters and
// window are left untouched.
func (l *Limiter) RemoveSession(key, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		delete(rec.ActiveSessionIDs, sessionID)
	}
}

// CheckCommandLimit evaluates the minute-window command count.
func (l *Limiter) CheckCommandLimit(key string, tier types.Tier) Decision {
	if tier == types.TierAdmin {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	rec := l.recordLocked(key, tier, now)
	limits := l.limits[tier]

	rec.CommandWindowStart = slideWindow(now, rec.CommandWindowStart, commandWindow, &rec.CommandCount)

	if rec.CommandCount >= limits.CommandsPerMinute {
		retryAfter := commandWindow - now.Sub(rec.CommandWindowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// RecordCommand increments the minute counter. Must be called only after
// a successful CheckCommandLimit.
func (l *Limiter) RecordCommand(key string, tier types.Tier) {
	if tier == types.TierAdmin {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordLocked(key, tier, time.Now())
	rec.CommandCount++
}

// CheckConnectionLimit evaluates only the concurrent-connection set; there
// is no rolling count for connections.
func (l *Limiter) CheckConnectionLimit(key string, tier types.Tier) Decision {
	if tier == types.TierAdmin {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordLocked(key, tier, time.Now())
	limits := l.limits[tier]
	if len(rec.ActiveConnectionIDs) >= limits.MaxConcurrentConnections {
		return Decision{Allowed: false}
	}
	return Decision{Allowed: true}
}

// RegisterConnection adds connID to the active-connection set.
func (l *Limiter) RegisterConnection(key, connID string, tier types.Tier) {
	if tier == types.TierAdmin {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordLocked(key, tier, time.Now())
	rec.ActiveConnectionIDs[connID] = struct{}{}
}

// UnregisterConnection removes connID from the active-connection set.
func (l *Limiter) UnregisterConnection(key, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		delete(rec.ActiveConnectionIDs, connID)
	}
}

// --- admin surface ---

// snapshot copies a record's scalar fields and set sizes for external
// consumption without leaking the live maps.
func snapshot(rec *types.RateLimitRecord) types.RateLimitRecord {
	cp := *rec
	cp.ActiveSessionIDs = make(map[string]struct{}, len(rec.ActiveSessionIDs))
	for k := range rec.ActiveSessionIDs {
		cp.ActiveSessionIDs[k] = struct{}{}
	}
	cp.ActiveConnectionIDs = make(map[string]struct{}, len(rec.ActiveConnectionIDs))
	for k := range rec.ActiveConnectionIDs {
		cp.ActiveConnectionIDs[k] = struct{}{}
	}
	return cp
}

// GetAll returns a snapshot of every tracked record.
func (l *Limiter) GetAll() []types.RateLimitRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.RateLimitRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, snapshot(rec))
	}
	return out
}

// Get returns a snapshot of the record for key, or NotFound.
func (l *Limiter) Get(key string) (types.RateLimitRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return types.RateLimitRecord{}, sandboxerr.New(sandboxerr.SessionNotFound, "no rate-limit record for key "+key)
	}
	return snapshot(rec), nil
}

// Remove deletes the record for key entirely (admin operation).
func (l *Limiter) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[key]; !ok {
		return sandboxerr.New(sandboxerr.SessionNotFound, "no rate-limit record for key "+key)
	}
	delete(l.records, key)
	return nil
}

// ResetLimit zeroes the rolling counters for key without touching active
// sets (admin operation).
func (l *Limiter) ResetLimit(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return sandboxerr.New(sandboxerr.SessionNotFound, "no rate-limit record for key "+key)
	}
	now := time.Now()
	rec.SessionCount = 0
	rec.SessionWindowStart = now
	rec.CommandCount = 0
	rec.CommandWindowStart = now
	return nil
}

// AdjustLimit mutates the static tier-limits table entry that key's tier
// maps to. A negative newSessionsPerHour or newMaxConcurrentSessions
// leaves that field unchanged.
func (l *Limiter) AdjustLimit(key string, newSessionsPerHour, newMaxConcurrentSessions int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return sandboxerr.New(sandboxerr.SessionNotFound, "no rate-limit record for key "+key)
	}
	limits, ok := l.limits[rec.Tier]
	if !ok {
		return sandboxerr.New(sandboxerr.InvalidConfiguration, "no tier limits for "+string(rec.Tier))
	}
	if newSessionsPerHour >= 0 {
		limits.SessionsPerHour = newSessionsPerHour
	}
	if newMaxConcurrentSessions >= 0 {
		limits.MaxConcurrentSessions = newMaxConcurrentSessions
	}
	l.limits[rec.Tier] = limits
	return nil
}
