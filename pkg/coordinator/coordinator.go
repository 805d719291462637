// Package coordinator implements the Session Coordinator: the entry
// point composing the Environment Registry, Rate Limiter, Circuit
// Breaker, Container Provisioner, Session Store, and Terminal Bridge into
// the service's four operations.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/pkg/circuitbreaker"
	"github.com/sandboxd/sandboxd/pkg/environment"
	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/metrics"
	"github.com/sandboxd/sandboxd/pkg/provisioner"
	"github.com/sandboxd/sandboxd/pkg/ratelimit"
	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/store"
	"github.com/sandboxd/sandboxd/pkg/types"
)

// CreateRequest carries the inputs to CreateSession.
type CreateRequest struct {
	ToolPair    string
	Environment string // empty selects the registry default
	OwnerKey    string
	Tier        types.Tier
	TimeoutMs   int64
}

// Coordinator wires five of the components together; the Terminal Bridge
// is run by the caller of Attach. It holds no session state of its own —
// the Store is authoritative.
type Coordinator struct {
	registry    *environment.Registry
	limiter     *ratelimit.Limiter
	breaker     *circuitbreaker.Breaker
	provisioner *provisioner.Provisioner
	store       *store.Store
}

// New constructs a Coordinator from its five collaborators.
func New(registry *environment.Registry, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker, prov *provisioner.Provisioner, st *store.Store) *Coordinator {
	return &Coordinator{registry: registry, limiter: limiter, breaker: breaker, provisioner: prov, store: st}
}

// CreateSession runs the full admission-and-provision pipeline, aborting
// at the first failing step and compensating any already-completed
// mutating step.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (types.Session, error) {
	timer := metrics.NewTimer()
	logger := log.WithOwner(req.OwnerKey)

	if reading := c.breaker.Status(); reading.IsOpen {
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(sandboxerr.CircuitOpen)).Inc()
		return types.Session{}, sandboxerr.New(sandboxerr.CircuitOpen, "service at capacity: "+reading.Reason)
	}

	decision := c.limiter.CheckSessionLimit(req.OwnerKey, req.Tier)
	if !decision.Allowed {
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(sandboxerr.TooManySessions)).Inc()
		if decision.RetryAfter > 0 {
			return types.Session{}, sandboxerr.New(sandboxerr.TooManySessions, "session rate limit exceeded").WithRetryAfter(decision.RetryAfter)
		}
		return types.Session{}, sandboxerr.New(sandboxerr.TooManyConcurrent, "too many concurrent sessions")
	}

	envName := req.Environment
	var env types.Environment
	var err error
	if envName == "" {
		env = c.registry.GetDefault()
	} else {
		env, err = c.registry.Get(envName)
		if err != nil {
			return types.Session{}, err
		}
	}

	info, err := c.provisioner.Create(ctx, req.ToolPair, env)
	if err != nil {
		return types.Session{}, err
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = env.DefaultTimeout.Milliseconds()
	}

	sess := types.Session{
		ID:             uuid.NewString(),
		ToolPair:       req.ToolPair,
		Environment:    env.Name,
		ContainerID:    info.ID,
		OwnerKey:       req.OwnerKey,
		Tier:           req.Tier,
		State:          types.SessionCreating,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		TimeoutMs:      timeoutMs,
	}
	c.store.Create(sess)

	if err := c.store.TransitionState(sess.ID, types.SessionCreating, types.SessionRunning); err != nil {
		// Compensate: undo the provision and the store record.
		_ = c.provisioner.Destroy(ctx, info.ID)
		c.store.Remove(sess.ID)
		return types.Session{}, err
	}
	sess.State = types.SessionRunning

	c.limiter.RecordSession(req.OwnerKey, sess.ID, req.Tier)
	metrics.SessionsTotal.WithLabelValues(string(req.Tier), env.Name).Inc()
	metrics.ContainerProvisionDuration.Observe(timer.Duration().Seconds())
	logger.Info().Str("session_id", sess.ID).Str("environment", env.Name).Msg("session created")

	return sess, nil
}

// AttachResult is what Attach hands back to the caller so it can drive a
// terminal.Run loop and release resources on exit.
type AttachResult struct {
	Session     types.Session
	Environment types.Environment
	Release     func()
}

// Attach verifies the session is RUNNING and reserves one connection slot
// for ownerKey. The caller is responsible for calling Release exactly
// once when the bridge loop exits.
func (c *Coordinator) Attach(ctx context.Context, sessionID, ownerKey string, tier types.Tier) (AttachResult, error) {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return AttachResult{}, err
	}
	if sess.State != types.SessionRunning {
		return AttachResult{}, sandboxerr.New(sandboxerr.InvalidState, fmt.Sprintf("session %s is %s, not RUNNING", sessionID, sess.State))
	}

	decision := c.limiter.CheckConnectionLimit(ownerKey, tier)
	if !decision.Allowed {
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(sandboxerr.TooManyConnections)).Inc()
		return AttachResult{}, sandboxerr.New(sandboxerr.TooManyConnections, "too many concurrent connections")
	}

	env, err := c.registry.Get(sess.Environment)
	if err != nil {
		env = c.registry.GetDefault()
	}

	connID := uuid.NewString()
	c.limiter.RegisterConnection(ownerKey, connID, tier)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		c.limiter.UnregisterConnection(ownerKey, connID)
		c.store.UpdateActivity(sessionID, time.Now())
	}

	return AttachResult{Session: sess, Environment: env, Release: release}, nil
}

// BumpActivity records activity on sessionID's Store record. The Terminal
// Bridge calls this once per inbound frame that passes its size check.
func (c *Coordinator) BumpActivity(sessionID string) {
	c.store.UpdateActivity(sessionID, time.Now())
}

// CheckCommand enforces ownerKey's commands/minute cap and records the
// command against it when admitted. The Terminal Bridge calls this once
// per input frame it is about to write to the PTY, before the write.
func (c *Coordinator) CheckCommand(ownerKey string, tier types.Tier) bool {
	decision := c.limiter.CheckCommandLimit(ownerKey, tier)
	if !decision.Allowed {
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(sandboxerr.TooManyCommands)).Inc()
		return false
	}
	c.limiter.RecordCommand(ownerKey, tier)
	return true
}

// DestroySession transitions a RUNNING session to DESTROYING, tears down
// its container, releases its rate-limit record, and removes it from the
// Store. Only ownerKey's own sessions may be destroyed, unless tier is
// admin.
func (c *Coordinator) DestroySession(ctx context.Context, sessionID, ownerKey string, tier types.Tier) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		if sandboxerr.HasKind(err, sandboxerr.SessionNotFound) {
			// Already gone, by an earlier destroy or a reap: destroying a
			// session that no longer exists is success, not failure.
			return nil
		}
		return err
	}
	if sess.OwnerKey != ownerKey && tier != types.TierAdmin {
		return sandboxerr.New(sandboxerr.Forbidden, "caller does not own session "+sessionID)
	}
	return c.teardown(ctx, sess, types.SessionDestroying)
}

// Reap is invoked by the Store's idle reaper for a session it has found
// idle. It runs the same teardown as DestroySession but is driven
// internally and lands the session in EXPIRED rather than DESTROYED.
func (c *Coordinator) Reap(ctx context.Context, sess types.Session) {
	if err := c.teardown(ctx, sess, types.SessionExpired); err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("session_id", sess.ID).Msg("reap teardown failed")
	}
}

func (c *Coordinator) teardown(ctx context.Context, sess types.Session, target types.SessionState) error {
	timer := metrics.NewTimer()
	if err := c.store.TransitionState(sess.ID, types.SessionRunning, target); err != nil {
		return err
	}
	if err := c.provisioner.Destroy(ctx, sess.ContainerID); err != nil {
		log.WithComponent("coordinator").Error().Err(err).Str("session_id", sess.ID).Msg("container destroy failed during teardown")
	}
	c.limiter.RemoveSession(sess.OwnerKey, sess.ID)
	if target == types.SessionDestroying {
		_ = c.store.TransitionState(sess.ID, types.SessionDestroying, types.SessionDestroyed)
	}
	c.store.Remove(sess.ID)
	metrics.ContainerDestroyDuration.Observe(timer.Duration().Seconds())
	return nil
}
