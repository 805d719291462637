/*
Package log provides structured logging for sandboxd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for the common tagging patterns used across the sandbox execution
service. All logs include timestamps and support filtering by severity.

# Configuration

Init(cfg Config) sets the global logger's level and output format. Level
accepts "debug", "info", "warn", or "error" and defaults to info on an
unrecognized value. JSONOutput selects structured JSON (the production
default) over the human-readable console writer (handy when running
sandboxd locally). Output defaults to os.Stdout.

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

# Component and request-scoped loggers

Most call sites don't log against the global Logger directly; they derive a
child logger carrying one structured field, which zerolog then attaches to
every subsequent entry:

	WithComponent(name)    // "component": "coordinator", "provisioner", ...
	WithSession(sessionID) // "session_id": "<uuid>"
	WithConnection(connID) // "connection_id": "<uuid>"
	WithOwner(ownerKey)    // "owner_key": "<api key or ip>"

pkg/coordinator tags session creation with WithOwner and teardown with
WithComponent, each plus a session_id field; pkg/terminal's Bridge tags the lifetime of one attached
connection with WithSession; pkg/provisioner and pkg/server tag their
own log lines with WithComponent. These helpers compose only by chaining a
further .With() call on the returned zerolog.Logger — there is no
WithSession(id).WithOwner(key) convenience wrapper, matching the single
Logger.With().Str(...).Logger() construction each helper already performs.

# Output

JSON format (JSONOutput: true):

	{"level":"info","component":"coordinator","session_id":"a1b2c3","time":"2026-01-15T10:30:00Z","message":"session created"}

Console format (JSONOutput: false), colorized and column-aligned for local
development:

	10:30AM INF session created component=coordinator session_id=a1b2c3

# Package-level helpers

Info, Debug, Warn, and Error log a single message against the global
Logger with no extra fields; Errorf additionally attaches an error value.
These exist for call sites — mostly early startup, before any
component-scoped logger would make sense — that don't need structured
context.
*/
package log
