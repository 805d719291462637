package provisioner

import (
	"context"
	"io"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
)

// ExecStream is a bidirectional byte channel attached to an interactive
// shell process running inside a sandbox container, with PTY resize
// support. It is the Terminal Bridge's only dependency on the container
// runtime.
type ExecStream interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows int) error
}

type execStream struct {
	task      containerd.Task
	process   containerd.Process
	execID    string
	stdin     io.WriteCloser
	stdout    *io.PipeReader
	closeOnce sync.Once
}

// Exec starts an interactive shell inside containerID with a TTY attached,
// honoring the handshake contract the Terminal Bridge expects:
// AttachStdin=AttachStdout=AttachStderr=true, Tty=true, Detach=false.
func (p *Provisioner) Exec(ctx context.Context, containerID string, shell []string, cols, rows int) (ExecStream, error) {
	ctx = p.ctx(ctx)

	ctr, err := p.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.ContainerNotFound, "no container with id "+containerID)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.ContainerNotFound, "load running task", err)
	}

	spec := &specs.Process{
		Args:     shell,
		Env:      []string{"TERM=xterm-256color"},
		Cwd:      "/home/sandbox",
		Terminal: true,
		ConsoleSize: &specs.Box{
			Width:  uint(cols),
			Height: uint(rows),
		},
	}

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	execID := uuid.NewString()

	ioCreator := cio.NewCreator(cio.WithStreams(stdinReader, stdoutWriter, nil), cio.WithTerminal)
	process, err := task.Exec(ctx, execID, spec, ioCreator)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.ProvisionFailed, "start interactive exec", err)
	}
	if err := process.Start(ctx); err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.ProvisionFailed, "start exec process", err)
	}

	return &execStream{
		task:    task,
		process: process,
		execID:  execID,
		stdin:   stdinWriter,
		stdout:  stdoutReader,
	}, nil
}

func (e *execStream) Read(b []byte) (int, error) {
	return e.stdout.Read(b)
}

func (e *execStream) Write(b []byte) (int, error) {
	return e.stdin.Write(b)
}

func (e *execStream) Resize(ctx context.Context, cols, rows int) error {
	return e.process.Resize(ctx, uint32(cols), uint32(rows))
}

func (e *execStream) Close() error {
	var err error
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		_, err = e.process.Delete(context.Background())
	})
	return err
}

type nopWriteCloser struct {
	w io.Writer
}

func (n nopWriteCloser) Write(b []byte) (int, error) { return n.w.Write(b) }
func (n nopWriteCloser) Close() error                { return nil }
