// Package types holds the domain model shared across the sandbox execution
// service: environments, sessions, terminal connections, and the tiered
// rate-limit bookkeeping the rate limiter owns.
package types

import "time"

// Environment is an immutable, process-lifetime catalog entry mapping a
// name to a container image and its defaults.
type Environment struct {
	Name           string
	Description    string
	Category       string
	ContainerImage string
	DefaultTimeout time.Duration
	WelcomeBanner  string
}

// EnvironmentInfo is the public-safe subset of Environment returned by
// list(): it never exposes the underlying image reference.
type EnvironmentInfo struct {
	Name        string
	Description string
	Category    string
}

// Info projects an Environment to its public-safe subset.
func (e Environment) Info() EnvironmentInfo {
	return EnvironmentInfo{Name: e.Name, Description: e.Description, Category: e.Category}
}

// Tier is the categorical identity class determining rate-limit table
// entries.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierLoggedIn  Tier = "logged-in"
	TierPremium   Tier = "premium"
	TierAdmin     Tier = "admin"
)

// SessionState is a node in the session lifecycle graph.
type SessionState string

const (
	SessionCreating   SessionState = "CREATING"
	SessionRunning    SessionState = "RUNNING"
	SessionDestroying SessionState = "DESTROYING"
	SessionDestroyed  SessionState = "DESTROYED"
	SessionExpired    SessionState = "EXPIRED"
)

// Terminal reports whether s is one of the two sticky terminal states.
func (s SessionState) Terminal() bool {
	return s == SessionDestroyed || s == SessionExpired
}

// Session is a single sandboxed shell instance for one client, from
// creation to destruction. Session records are replaced as whole values
// inside the Session Store's critical section; callers never mutate a
// Session obtained from a read path in place.
type Session struct {
	ID             string
	ToolPair       string
	Environment    string
	ContainerID    string
	OwnerKey       string
	Tier           Tier
	State          SessionState
	CreatedAt      time.Time
	LastActivityAt time.Time
	TimeoutMs      int64
}

// TerminalConnection describes one attached terminal connection. Cols/Rows
// track the last negotiated PTY geometry. The Terminal Bridge does not
// construct it.
type TerminalConnection struct {
	SessionID    string
	ConnectionID string
	Cols         int
	Rows         int
	IsOpen       bool
}

// RateLimitRecord is the per tracking-identity bookkeeping the Rate
// Limiter owns exclusively. Windows slide by reset-at-boundary; active-id
// sets shrink only on explicit release.
type RateLimitRecord struct {
	Key                 string
	Tier                Tier
	SessionCount        int
	SessionWindowStart  time.Time
	ActiveSessionIDs    map[string]struct{}
	CommandCount        int
	CommandWindowStart  time.Time
	ActiveConnectionIDs map[string]struct{}
}

// TierLimits is the static per-tier admission table. Admin is unlimited;
// every check against it short-circuits to allowed.
type TierLimits struct {
	SessionsPerHour          int
	MaxConcurrentSessions    int
	CommandsPerMinute        int
	MaxConcurrentConnections int
}

// CircuitBreakerReading is derived fresh on every Circuit Breaker call, not
// stored.
type CircuitBreakerReading struct {
	ContainerCount int
	MemoryPercent  float64
	IsOpen         bool
	Reason         string
}

// ContainerInfo is returned by the Provisioner's inspect operation.
type ContainerInfo struct {
	ID        string
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
}
