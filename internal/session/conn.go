package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/colorkit/calrun/internal/command"
)

// Conn is one spawned tool attached to a terminal.
type Conn interface {
	io.Reader
	io.Writer
	// Pid is the process id, which also leads the process group.
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Close() error
}

// Spawner starts a tool for a session.
type Spawner interface {
	Spawn(ctx context.Context, spec command.Spec) (Conn, error)
}

// PTYSpawner runs tools on a pseudo-terminal so their keyboard prompts
// are written the way a terminal user would see them.
type PTYSpawner struct {
	Rows uint16
	Cols uint16
}

// Spawn starts spec as a session leader on a new pty.
func (p PTYSpawner) Spawn(_ context.Context, spec command.Spec) (Conn, error) {
	if spec.Path == "" {
		return nil, errors.New("command path is required")
	}
	// #nosec G204 -- the executable was resolved by the command builder.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Environment(os.Environ())

	rows, cols := p.Rows, p.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 132
	}
	// StartWithSize makes the child a session leader with the pty as its
	// controlling terminal, so its pid is also its process group id.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", spec.Tool, err)
	}
	return &ptyConn{file: f, cmd: cmd}, nil
}

type ptyConn struct {
	file      *os.File
	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

func (c *ptyConn) Read(p []byte) (int, error) {
	return c.file.Read(p)
}

func (c *ptyConn) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

func (c *ptyConn) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *ptyConn) Wait() (int, error) {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	if c.cmd.ProcessState == nil {
		return -1, errors.New("process state unavailable")
	}
	return c.cmd.ProcessState.ExitCode(), nil
}

func (c *ptyConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.file.Close()
	})
	return c.closeErr
}
