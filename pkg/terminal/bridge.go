// Package terminal implements the Terminal Bridge: the per-connection
// lifecycle that ties a client WebSocket to a container's interactive
// exec stream, fans out PTY output byte-exact and in order, demultiplexes
// tagged input frames, and validates every inbound frame before it
// reaches the PTY.
package terminal

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/metrics"
)

// initCommandSettle is how long runInit waits after writing each setup
// command before sending the next, giving the shell time to process it.
const initCommandSettle = 200 * time.Millisecond

// commandPacingRate and commandPacingBurst bound how fast one connection
// can hammer the PTY with input frames, independent of the per-identity
// commands/minute cap the Coordinator enforces through Hooks.CheckCommand.
// This is a local, cheap first line of defense: it costs nothing to check
// and never needs to consult the Store or the Limiter.
const (
	commandPacingRate  = 20 // frames per second
	commandPacingBurst = 40
)

// Stream is the subset of provisioner.ExecStream the Bridge depends on.
// Declared locally to keep this package free of a direct dependency on
// the container runtime.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	Resize(ctx context.Context, cols, rows int) error
}

// Hooks are the side effects the Bridge triggers but does not own.
type Hooks struct {
	// OnActivity is called once per inbound frame that passes the size
	// check, before its content is validated.
	OnActivity func()
	// OnTeardown runs exactly once, on any exit path: provisioner exec
	// teardown, a final activity bump, and rate-limiter connection
	// release are all the Coordinator's responsibility, invoked here.
	OnTeardown func()
	// OnMaliciousInput audit-logs a rejected input frame; may be nil.
	OnMaliciousInput func(data string)
	// CheckCommand reports whether the next input frame may reach the PTY,
	// recording it against the per-identity commands/minute cap. A nil
	// CheckCommand admits every frame.
	CheckCommand func() bool
	// Banner, if non-empty, is sent as one output frame immediately
	// after the connected frame.
	Banner string
}

const outputBufferSize = 32 * 1024

// Run drives the Bridge's full lifecycle for one connection: handshake,
// concurrent output fan-out and input handling, and a single teardown on
// exit. It blocks until the connection or the exec stream closes.
func Run(ctx context.Context, conn *websocket.Conn, stream Stream, sessionID string, hooks Hooks) {
	logger := log.WithSession(sessionID)
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			if hooks.OnTeardown != nil {
				hooks.OnTeardown()
			}
		})
	}
	defer teardown()

	if err := conn.WriteMessage(websocket.TextMessage, connectedFrame(sessionID)); err != nil {
		logger.Warn().Err(err).Msg("failed to send connected frame")
		return
	}
	if hooks.Banner != "" {
		if err := conn.WriteMessage(websocket.TextMessage, outputFrame(hooks.Banner)); err != nil {
			logger.Warn().Err(err).Msg("failed to send welcome banner")
			return
		}
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	var writeMu sync.Mutex // serializes writes to conn; output and error/close frames share it
	var suppressOutput atomic.Bool

	closeConn := func(code int, reason string) {
		closeOnce.Do(func() {
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			writeMu.Unlock()
			_ = conn.Close()
			_ = stream.Close()
			close(done)
		})
	}

	// Output fan-out: every byte chunk from the exec stream becomes one
	// output frame, in the order the PTY emitted it. No reordering with
	// subsequent frames is permitted, so this loop owns writeMu for the
	// entire frame write.
	go func() {
		buf := make([]byte, outputBufferSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				metrics.TerminalBytesOutTotal.Add(float64(n))
				if !suppressOutput.Load() {
					writeMu.Lock()
					werr := conn.WriteMessage(websocket.TextMessage, outputFrame(string(buf[:n])))
					writeMu.Unlock()
					if werr != nil {
						closeConn(websocket.CloseInternalServerErr, "stream write failed")
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					closeConn(websocket.CloseNormalClosure, "shell exited")
				} else {
					closeConn(websocket.CloseInternalServerErr, "exec stream error")
				}
				return
			}
		}
	}()

	metrics.TerminalConnectionsActive.Inc()
	defer metrics.TerminalConnectionsActive.Dec()

	pacer := rate.NewLimiter(rate.Limit(commandPacingRate), commandPacingBurst)

	// Input handling: parse, validate, dispatch each inbound frame.
	for {
		select {
		case <-done:
			return
		default:
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			closeConn(websocket.CloseNormalClosure, "client disconnected")
			return
		}
		if msgType == websocket.CloseMessage {
			closeConn(websocket.CloseNormalClosure, "client closed")
			return
		}

		if tooLarge(raw) {
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame("message too large"))
			writeMu.Unlock()
			closeConn(websocket.CloseMessageTooBig, "message too large")
			return
		}

		frame := parseClientFrame(raw)
		if hooks.OnActivity != nil {
			hooks.OnActivity()
		}

		switch frame.Type {
		case TypeInput:
			if isMalicious(frame.Data) {
				if hooks.OnMaliciousInput != nil {
					hooks.OnMaliciousInput(frame.Data)
				}
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, errorFrame("rejected input"))
				writeMu.Unlock()
				closeConn(websocket.ClosePolicyViolation, "malicious input")
				return
			}
			if !pacer.Allow() || (hooks.CheckCommand != nil && !hooks.CheckCommand()) {
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, errorFrame("command rate limit exceeded"))
				writeMu.Unlock()
				break
			}
			if _, err := stream.Write([]byte(frame.Data)); err != nil {
				closeConn(websocket.CloseInternalServerErr, "stream write failed")
				return
			}
		case TypeResize:
			cols, rows := clampCols(frame.Cols), clampRows(frame.Rows)
			if err := stream.Resize(ctx, cols, rows); err != nil {
				logger.Warn().Err(err).Msg("resize failed")
			}
		case TypeInit:
			runInit(stream, conn, &writeMu, &suppressOutput, frame)
		}
	}
}

func clampCols(cols int) int {
	switch {
	case cols < 20:
		return 20
	case cols > 500:
		return 500
	default:
		return cols
	}
}

func clampRows(rows int) int {
	switch {
	case rows < 5:
		return 5
	case rows > 200:
		return 200
	default:
		return rows
	}
}

// runInit injects a sequence of setup commands into the PTY, one at a
// time, and reports completion. It does not attempt prompt detection
// beyond a fixed settle delay between commands, since the shell prompt
// format is environment-specific and not standardized by the spec. In
// silent mode, output fan-out is suppressed for the duration of the
// sequence so intermediate command output never reaches the client.
func runInit(stream Stream, conn *websocket.Conn, writeMu *sync.Mutex, suppressOutput *atomic.Bool, frame clientFrame) {
	if frame.Silent {
		suppressOutput.Store(true)
		defer suppressOutput.Store(false)
	}
	for _, cmd := range frame.Commands {
		if _, err := stream.Write([]byte(cmd + "\n")); err != nil {
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, initCompleteFrame(false, err.Error()))
			writeMu.Unlock()
			return
		}
		time.Sleep(initCommandSettle)
	}
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, initCompleteFrame(true, ""))
	writeMu.Unlock()
}
