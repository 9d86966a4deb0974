// Package runner executes non-interactive tools to completion and retries
// once without a flag the tool rejected.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/elevate"
	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/output"
	"github.com/colorkit/calrun/internal/process"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/tracing"
)

// defaultInterruptGrace is the SIGINT window for tools without a keyboard.
const defaultInterruptGrace = 3 * time.Second

// RetryRule drops Flag and runs again when a failed run printed Marker.
type RetryRule struct {
	Marker     string
	Flag       string
	TakesValue bool
}

// DefaultRetryRules cover tools that reject options the attached hardware
// cannot honor.
var DefaultRetryRules = []RetryRule{
	{Marker: "Instrument Access Failed", Flag: "-N"},
	{Marker: "Colorimeter correction not supported", Flag: "-X", TakesValue: true},
}

// benignStderr lines are noise the tools print on healthy runs.
var benignStderr = []string{
	"User Aborted",
	"XRandR 1.2 is faulty",
}

// rejectedPassword is what sudo prints when the piped password is wrong.
var rejectedPassword = []string{
	"incorrect password",
	"Sorry, try again",
}

// Result is what a finished run printed.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
	// Used is what the final attempt actually ran with.
	Used command.Used
}

// Elevator obtains credentials and wraps commands with them.
type Elevator interface {
	ObtainCredential(ctx context.Context, target string, prompt elevate.PromptFunc) (elevate.Credential, error)
	Wrap(spec command.Spec, cred elevate.Credential) command.Spec
	Invalidate()
}

// Option configures a Runner.
type Option func(*Runner)

// WithRules replaces the retry table.
func WithRules(rules []RetryRule) Option {
	return func(r *Runner) {
		r.rules = append([]RetryRule(nil), rules...)
	}
}

// WithEncoding sets the tool output encoding.
func WithEncoding(name string) Option {
	return func(r *Runner) {
		r.encoding = name
	}
}

// WithGrace sets the interrupt and terminate windows used on cancellation.
func WithGrace(interrupt, terminate time.Duration) Option {
	return func(r *Runner) {
		r.interruptGrace = interrupt
		r.terminateGrace = terminate
	}
}

// WithSignaler replaces the signal sender used on cancellation.
func WithSignaler(signaler process.Signaler) Option {
	return func(r *Runner) {
		r.signaler = signaler
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		r.logger = logging.OrDiscard(logger)
	}
}

// WithPublisher publishes every kept output line for runID.
func WithPublisher(runID string, publisher events.Publisher) Option {
	return func(r *Runner) {
		r.runID = runID
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// Runner runs tools with their output piped.
type Runner struct {
	rules          []RetryRule
	encoding       string
	interruptGrace time.Duration
	terminateGrace time.Duration
	signaler       process.Signaler
	logger         *log.Logger
	publisher      events.Publisher
	runID          string
}

// New builds a Runner with the default retry rules.
func New(options ...Option) *Runner {
	r := &Runner{
		rules:          DefaultRetryRules,
		interruptGrace: defaultInterruptGrace,
		terminateGrace: process.DefaultTerminateGrace,
		logger:         logging.Discard(),
		publisher:      events.Discard,
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

// Run executes spec. With capture set, stdout lines are returned in the
// result; stderr is always kept. A nonzero exit that no retry rule handles
// is a *runerr.FatalSubprocessError.
func (r *Runner) Run(ctx context.Context, spec command.Spec, capture bool) (Result, error) {
	return r.run(ctx, spec, capture, nil)
}

// RunElevated obtains a credential, wraps spec with it and runs it. A
// password that sudo rejects at run time invalidates the cached credential.
func (r *Runner) RunElevated(ctx context.Context, spec command.Spec, elevator Elevator, prompt elevate.PromptFunc) (Result, error) {
	cred, err := elevator.ObtainCredential(ctx, spec.Path, prompt)
	if err != nil {
		return Result{ExitCode: run.ExitCodeNotStarted}, err
	}
	wrapped := elevator.Wrap(spec, cred)
	result, err := r.run(ctx, wrapped, false, cred.Stdin())
	var fatal *runerr.FatalSubprocessError
	if errors.As(err, &fatal) && output.ContainsAny(strings.Join(result.Stderr, "\n"), rejectedPassword) {
		elevator.Invalidate()
		return result, &runerr.PrivilegeError{Err: err}
	}
	return result, err
}

func (r *Runner) run(ctx context.Context, spec command.Spec, capture bool, stdin []byte) (Result, error) {
	current := spec
	retried := false
	for {
		result, err := r.once(ctx, current, capture, stdin)
		result.Used = current.Used
		if err != nil || result.ExitCode == 0 {
			return result, err
		}
		if !retried {
			if next, rule, ok := Without(r.rules, current, append(append([]string(nil), result.Stderr...), result.Stdout...)); ok {
				retried = true
				r.logger.Warn("tool rejected option, retrying without it",
					"tool", current.Tool, "flag", rule.Flag, "marker", rule.Marker)
				current = next
				continue
			}
		}
		tail := append(append([]string(nil), result.Stdout...), result.Stderr...)
		if len(tail) > output.DefaultTailLines {
			tail = tail[len(tail)-output.DefaultTailLines:]
		}
		return result, &runerr.FatalSubprocessError{
			Tool:     current.Tool,
			ExitCode: result.ExitCode,
			Reason:   errorLine(current.Tool, result.Stderr),
			Tail:     tail,
		}
	}
}

// Without returns spec minus the flag of the first rule whose marker shows up
// in lines and whose flag spec actually carries. The dropped flag is recorded
// in the returned spec's Used.
func Without(rules []RetryRule, spec command.Spec, lines []string) (command.Spec, RetryRule, bool) {
	text := strings.Join(lines, "\n")
	for _, rule := range rules {
		if rule.Marker == "" || rule.Flag == "" {
			continue
		}
		if !strings.Contains(text, rule.Marker) || !hasFlag(spec.Args, rule.Flag) {
			continue
		}
		next := spec.WithoutFlag(rule.Flag, rule.TakesValue)
		next.Used.Suppressed = append(next.Used.Suppressed, rule.Flag)
		next.Used.Notes = append(next.Used.Notes, fmt.Sprintf("%s dropped: %s", rule.Flag, rule.Marker))
		return next, rule, true
	}
	return spec, RetryRule{}, false
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if strings.HasPrefix(arg, flag) {
			return true
		}
	}
	return false
}

// errorLine picks the tool's own error report from stderr, if any.
func errorLine(tool string, stderr []string) string {
	for _, line := range stderr {
		if strings.HasPrefix(strings.TrimSpace(line), tool+": Error") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func (r *Runner) once(ctx context.Context, spec command.Spec, capture bool, stdin []byte) (Result, error) {
	ctx, span := tracing.StartTool(ctx, spec.Tool, spec.Args, spec.WorkDir,
		attribute.String("run_id", r.runID),
		attribute.Bool("elevated", stdin != nil),
	)
	if err := ctx.Err(); err != nil {
		span.End(run.ExitCodeCancelled, "", "", err)
		return Result{ExitCode: run.ExitCodeCancelled}, fmt.Errorf("%s: %w", spec.Tool, runerr.ErrCancelled)
	}

	// #nosec G204 -- the executable was resolved by the command builder.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Environment(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		span.End(run.ExitCodeNotStarted, "", "", err)
		return Result{ExitCode: run.ExitCodeNotStarted}, fmt.Errorf("stdout pipe for %s: %w", spec.Tool, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		span.End(run.ExitCodeNotStarted, "", "", err)
		return Result{ExitCode: run.ExitCodeNotStarted}, fmt.Errorf("stderr pipe for %s: %w", spec.Tool, err)
	}

	var stdout *output.Capture
	if capture {
		stdout = output.NewCapture(output.DefaultCaptureBytes)
	}
	stdoutTail := output.NewTail(output.DefaultTailLines)
	stderr := output.NewCapture(output.DefaultCaptureBytes)

	stdoutSink, err := output.NewSink(r.encoding, stdoutTail, writerOrNil(stdout), output.Lines(r.publishLine))
	if err != nil {
		span.End(run.ExitCodeNotStarted, "", "", err)
		return Result{ExitCode: run.ExitCodeNotStarted}, &runerr.ConfigurationError{Path: "output_encoding", Reason: "unusable output encoding", Err: err}
	}
	stderrSink, err := output.NewSink(r.encoding, output.Lines(func(line string) {
		if strings.TrimSpace(line) == "" || output.ContainsAny(line, benignStderr) {
			return
		}
		_, _ = stderr.Write([]byte(line + "\n"))
		r.publishLine(line)
	}))
	if err != nil {
		span.End(run.ExitCodeNotStarted, "", "", err)
		return Result{ExitCode: run.ExitCodeNotStarted}, &runerr.ConfigurationError{Path: "output_encoding", Reason: "unusable output encoding", Err: err}
	}

	r.logger.Info("running tool", "tool", spec.Tool, "command", tracing.FormatCommand(spec.Path, spec.Args))
	if err := cmd.Start(); err != nil {
		span.End(run.ExitCodeNotStarted, "", "", err)
		return Result{ExitCode: run.ExitCodeNotStarted}, &runerr.FatalSubprocessError{
			Tool:     spec.Tool,
			ExitCode: run.ExitCodeNotStarted,
			Reason:   tracing.WrapExecutionError(spec.Tool, spec.Args, err).Error(),
		}
	}

	exited := make(chan struct{})
	stopped := make(chan struct{})
	pgid := cmd.Process.Pid
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			step, err := process.Escalation{
				Interrupt: func() error {
					return r.signal(pgid, syscall.SIGINT)
				},
				InterruptGrace: r.interruptGrace,
				TerminateGrace: r.terminateGrace,
				Signaler:       r.signaler,
				Logger:         r.logger,
			}.Stop(pgid, exited)
			if err != nil {
				r.logger.Error("stop tool", "tool", spec.Tool, "step", step, "error", err)
			}
		case <-exited:
		}
	}()

	var readers errgroup.Group
	readers.Go(func() error { return pump(stdoutPipe, stdoutSink) })
	readers.Go(func() error { return pump(stderrPipe, stderrSink) })
	readErr := readers.Wait()
	waitErr := cmd.Wait()
	close(exited)
	<-stopped

	result := Result{ExitCode: exitCode(cmd, waitErr), Stderr: stderr.Lines()}
	if stdout != nil {
		result.Stdout = stdout.Lines()
	} else {
		result.Stdout = stdoutTail.Lines()
	}
	if readErr != nil {
		r.logger.Debug("read tool output", "tool", spec.Tool, "error", readErr)
	}

	if ctx.Err() != nil {
		span.End(run.ExitCodeCancelled, strings.Join(result.Stdout, "\n"), strings.Join(result.Stderr, "\n"), ctx.Err())
		result.ExitCode = run.ExitCodeCancelled
		return result, fmt.Errorf("%s: %w", spec.Tool, runerr.ErrCancelled)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		span.End(result.ExitCode, "", "", waitErr)
		return result, fmt.Errorf("wait for %s: %w", spec.Tool, waitErr)
	}
	var spanErr error
	if result.ExitCode != 0 {
		spanErr = fmt.Errorf("exit status %d", result.ExitCode)
	}
	span.End(result.ExitCode, strings.Join(result.Stdout, "\n"), strings.Join(result.Stderr, "\n"), spanErr)
	r.logger.Info("tool finished", "tool", spec.Tool, "exit_code", result.ExitCode)
	return result, nil
}

func (r *Runner) signal(pgid int, sig syscall.Signal) error {
	signaler := r.signaler
	if signaler == nil {
		signaler = process.SystemSignaler
	}
	return signaler.Signal(-pgid, sig)
}

func (r *Runner) publishLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	r.publisher.Publish(events.Event{
		Type:      events.EventTypeOutputLine,
		Timestamp: time.Now().UTC(),
		RunID:     r.runID,
		Source:    "runner",
		Payload:   strings.TrimSpace(line),
		Severity:  events.SeverityInfo,
	})
}

func pump(src io.Reader, sink *output.Sink) error {
	_, err := io.Copy(sink, src)
	if closeErr := sink.Close(); err == nil {
		err = closeErr
	}
	return err
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func writerOrNil(c *output.Capture) io.Writer {
	if c == nil {
		return nil
	}
	return c
}
