// Package process stops subprocess groups with an escalating
// interrupt, terminate, kill sequence.
package process

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/logging"
)

const (
	// DefaultInterruptGrace is how long a tool gets to react to the interrupt keystroke.
	DefaultInterruptGrace = 9 * time.Second
	// DefaultTerminateGrace is the SIGTERM grace window before SIGKILL.
	DefaultTerminateGrace = 3 * time.Second
	// killWait bounds the wait for the exit notification after SIGKILL.
	killWait = 5 * time.Second
)

// Step names how far an escalation had to go.
type Step string

const (
	StepNone      Step = "none"
	StepInterrupt Step = "interrupt"
	StepTerminate Step = "terminate"
	StepKill      Step = "kill"
)

// Signaler sends unix signals. A negative pid addresses a process group.
type Signaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(pid int, signal syscall.Signal) error

func (f SignalerFunc) Signal(pid int, signal syscall.Signal) error {
	return f(pid, signal)
}

type systemSignaler struct{}

func (systemSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// SystemSignaler delivers real signals.
var SystemSignaler Signaler = systemSignaler{}

// Alive reports whether pid exists.
func Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return false, err
	}
}

// Escalation describes how to stop a process group.
type Escalation struct {
	// Interrupt asks the tool to stop on its own, for example by sending ESC
	// through its terminal. Nil skips straight to SIGTERM.
	Interrupt      func() error
	InterruptGrace time.Duration
	TerminateGrace time.Duration
	Signaler       Signaler
	Logger         *log.Logger
}

// Stop escalates against the group led by pgid until done is closed.
// done must close once the process has been reaped.
func (e Escalation) Stop(pgid int, done <-chan struct{}) (Step, error) {
	if exited(done) {
		return StepNone, nil
	}
	signaler := e.Signaler
	if signaler == nil {
		signaler = SystemSignaler
	}
	logger := logging.OrDiscard(e.Logger)

	if e.Interrupt != nil {
		if err := e.Interrupt(); err != nil {
			logger.Warn("interrupt keystroke failed", "pgid", pgid, "error", err)
		}
		if waitFor(done, orDefault(e.InterruptGrace, DefaultInterruptGrace)) {
			return StepInterrupt, nil
		}
		logger.Info("process ignored interrupt, sending SIGTERM", "pgid", pgid)
	}

	if err := signal(signaler, pgid, syscall.SIGTERM); err != nil {
		return StepTerminate, err
	}
	if waitFor(done, orDefault(e.TerminateGrace, DefaultTerminateGrace)) {
		return StepTerminate, nil
	}

	logger.Warn("process ignored SIGTERM, sending SIGKILL", "pgid", pgid)
	if err := signal(signaler, pgid, syscall.SIGKILL); err != nil {
		return StepKill, err
	}
	if !waitFor(done, killWait) {
		return StepKill, fmt.Errorf("process group %d still running after SIGKILL", pgid)
	}
	return StepKill, nil
}

func signal(signaler Signaler, pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}
	if err := signaler.Signal(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send %s to process group %d: %w", sig, pgid, err)
	}
	return nil
}

func waitFor(done <-chan struct{}, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func exited(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
