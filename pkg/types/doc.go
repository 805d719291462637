/*
Package types holds the domain model shared across the sandbox execution
service: environments, sessions, terminal connections, and the tiered
rate-limit bookkeeping the Rate Limiter owns. Every other package imports
types rather than redeclaring these shapes, so a Session or an Environment
means exactly one thing across the Coordinator, the Store, the Provisioner,
and the Terminal Bridge.

# Environment

Environment is an immutable, process-lifetime catalog entry: a name, the
container image it provisions, its default idle timeout, and a welcome
banner sent to the client on attach. The Environment Registry is the only
component that constructs Environment values; everywhere else treats them
as read-only. EnvironmentInfo is the public-safe projection returned by the
list operation — it drops ContainerImage so the admin surface never leaks
the underlying image reference to a client.

# Session and its lifecycle

Session is a single sandboxed shell instance for one client, from creation
to destruction. SessionState is a node in its lifecycle graph:

	CREATING -> RUNNING -> DESTROYING -> DESTROYED
	CREATING -> DESTROYED  (create failure)
	RUNNING -> EXPIRED

DESTROYED and EXPIRED are the two sticky terminal states; SessionState.Terminal
reports whether a state is one of them. The Session Store is the sole owner
of Session records and is the only component permitted to transition a
session's State; every other component holds a session by id and calls
into the Store rather than mutating a Session value it was handed.

# Terminal connections

TerminalConnection describes one attached WebSocket: the last negotiated
PTY geometry (Cols/Rows) and whether the stream is still open. The
Terminal Bridge in pkg/terminal keeps this state in local variables and
does not construct a TerminalConnection value. It is not
persisted by the Session Store — a session can outlive any number of
attach/detach cycles.

# Rate-limit bookkeeping

RateLimitRecord is the per tracking-identity state the Rate Limiter owns:
fixed-window counters for sessions and commands that reset at window
boundaries, plus active-id sets (sessions, connections) that shrink only on
an explicit release rather than on a timer. TierLimits is the static
per-tier admission table the Rate Limiter consults to decide whether a new
session, connection, or command is within budget; the admin tier is
unlimited and every check against it short-circuits to allowed without
touching a RateLimitRecord at all.

# Admission and container bookkeeping

CircuitBreakerReading is derived fresh on every Circuit Breaker call — it
is never stored, since the breaker is a stateless poll of the Store's
active session count and the host's memory usage. ContainerInfo is the
shape returned by the Provisioner's inspect operation: enough to identify
and label a container without exposing the underlying containerd task.
*/
package types
