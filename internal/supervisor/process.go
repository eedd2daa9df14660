package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
)

// stopGrace is how long a child gets between SIGTERM and SIGKILL.
const stopGrace = 2 * time.Second

// ProcessManager handles the lifecycle of a peer running as a child process.
// The child's stdin/stdout carry frames; its stderr goes to our log.
type ProcessManager struct {
	log logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *logger.LineWriter

	waitOnce sync.Once
	waitErr  error
}

// NewProcessManager creates a new ProcessManager instance.
func NewProcessManager(log logger.Logger) *ProcessManager {
	if log == nil {
		log = logger.Log
	}
	return &ProcessManager{log: log}
}

// Start launches command with env appended to the current environment and
// wires its standard streams.
func (pm *ProcessManager) Start(command []string, env []string) error {
	if len(command) == 0 {
		return pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "supervisor.Start", "peer command is empty", nil)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	pm.stderr = logger.Writer(pm.log.With("stream", "peer_stderr"), slog.LevelInfo)
	cmd.Stderr = pm.stderr

	pm.log.Info("Supervisor: Spawning peer process", "cmd", command)
	if err := cmd.Start(); err != nil {
		return err
	}
	pm.cmd, pm.stdin, pm.stdout = cmd, stdin, stdout
	return nil
}

// Stop sends SIGTERM to the child.
func (pm *ProcessManager) Stop() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.cmd != nil && pm.cmd.Process != nil {
		pm.log.Info("Supervisor: Sending SIGTERM", "pid", pm.cmd.Process.Pid)
		return pm.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Kill terminates the child immediately.
func (pm *ProcessManager) Kill() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.cmd != nil && pm.cmd.Process != nil {
		pm.log.Warn("Supervisor: Sending SIGKILL", "pid", pm.cmd.Process.Pid)
		return pm.cmd.Process.Kill()
	}
	return nil
}

// Wait waits for the child to exit. It is safe to call more than once.
func (pm *ProcessManager) Wait() error {
	pm.mu.Lock()
	cmd := pm.cmd
	pm.mu.Unlock()
	if cmd == nil {
		return nil
	}
	pm.waitOnce.Do(func() {
		pm.waitErr = cmd.Wait()
		_ = pm.stderr.Close()
	})
	return pm.waitErr
}

// Shutdown closes the child's stdin, asks it to exit and kills it if it is
// still running after the grace period.
func (pm *ProcessManager) Shutdown() error {
	pm.mu.Lock()
	stdin := pm.stdin
	pm.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	_ = pm.Stop()

	done := make(chan error, 1)
	go func() { done <- pm.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(stopGrace):
		_ = pm.Kill()
		return <-done
	}
}

// ProcessDialer starts a fresh peer process for every Dial.
type ProcessDialer struct {
	Command []string
	Env     []string
	Log     logger.Logger
}

func (d *ProcessDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pm := NewProcessManager(d.Log)
	if err := pm.Start(d.Command, d.Env); err != nil {
		return nil, err
	}
	return &processChannel{pm: pm}, nil
}

type processChannel struct {
	pm   *ProcessManager
	once sync.Once
	err  error
}

func (c *processChannel) Read(p []byte) (int, error)  { return c.pm.stdout.Read(p) }
func (c *processChannel) Write(p []byte) (int, error) { return c.pm.stdin.Write(p) }

func (c *processChannel) Close() error {
	c.once.Do(func() {
		err := c.pm.Shutdown()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.err = err
		}
	})
	return c.err
}

// Personal.AI order the ending
