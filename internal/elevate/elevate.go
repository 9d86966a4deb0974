// Package elevate obtains and caches sudo credentials for commands that
// write outside the user's own profile directories.
package elevate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/runerr"
)

// DefaultSudo is the launcher used when none is configured.
const DefaultSudo = "sudo"

const redacted = "[redacted]"

// PromptFunc asks the user for a password. attempt starts at 1 and grows
// after every rejected password. Returning runerr.ErrCancelled abandons
// the elevation.
type PromptFunc func(ctx context.Context, attempt int) ([]byte, error)

// CommandRunner runs argv with stdin and reports its exit code. A nonzero
// exit is not an error.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, stdin []byte) (int, error)
}

// CommandRunnerFunc adapts a function to CommandRunner.
type CommandRunnerFunc func(ctx context.Context, argv []string, stdin []byte) (int, error)

func (f CommandRunnerFunc) Run(ctx context.Context, argv []string, stdin []byte) (int, error) {
	return f(ctx, argv, stdin)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, stdin []byte) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	// #nosec G204 -- argv is the sudo launcher and a resolved tool path.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// Credential is proof that sudo will run a command. Its secret never
// leaves the package except as stdin for the launcher.
type Credential struct {
	secret       []byte
	passwordless bool
	validated    time.Time
}

// Passwordless reports whether sudo accepted the command without a password.
func (c Credential) Passwordless() bool {
	return c.passwordless
}

// Stdin returns what the wrapped command expects on standard input.
func (c Credential) Stdin() []byte {
	if c.passwordless || c.secret == nil {
		return nil
	}
	out := make([]byte, 0, len(c.secret)+1)
	out = append(out, c.secret...)
	return append(out, '\n')
}

func (c Credential) String() string {
	return redacted
}

func (c Credential) GoString() string {
	return redacted
}

// Option configures an Elevator.
type Option func(*Elevator)

// WithSudo sets the launcher path.
func WithSudo(path string) Option {
	return func(e *Elevator) {
		if strings.TrimSpace(path) != "" {
			e.sudo = path
		}
	}
}

// WithPreserveEnv passes -E so the tool keeps the caller's environment.
func WithPreserveEnv(preserve bool) Option {
	return func(e *Elevator) {
		e.preserveEnv = preserve
	}
}

// WithFreshness lets a cached credential be reused without a probe for d.
// Zero revalidates before every reuse.
func WithFreshness(d time.Duration) Option {
	return func(e *Elevator) {
		if d > 0 {
			e.freshness = d
		}
	}
}

// WithCommandRunner replaces the process runner used for probes.
func WithCommandRunner(runner CommandRunner) Option {
	return func(e *Elevator) {
		if runner != nil {
			e.runner = runner
		}
	}
}

// WithLogger sets the logger. Secrets are never passed to it.
func WithLogger(logger *log.Logger) Option {
	return func(e *Elevator) {
		e.logger = logging.OrDiscard(logger)
	}
}

// Elevator caches one credential. Safe for concurrent use.
type Elevator struct {
	mu          sync.Mutex
	sudo        string
	preserveEnv bool
	freshness   time.Duration
	runner      CommandRunner
	logger      *log.Logger
	now         func() time.Time
	cached      *Credential
}

// New builds an Elevator.
func New(options ...Option) *Elevator {
	e := &Elevator{
		sudo:   DefaultSudo,
		runner: execRunner{},
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(e)
		}
	}
	return e
}

// ObtainCredential returns a credential that lets sudo run target. A cached
// credential is revalidated first. Otherwise passwordless sudo is tried,
// then prompt is asked until sudo accepts a password or the user gives up.
func (e *Elevator) ObtainCredential(ctx context.Context, target string, prompt PromptFunc) (Credential, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != nil {
		if e.freshness > 0 && e.now().Sub(e.cached.validated) < e.freshness {
			return *e.cached, nil
		}
		ok, err := e.probe(ctx, target, *e.cached)
		if err != nil {
			return Credential{}, &runerr.PrivilegeError{Err: err}
		}
		if ok {
			e.cached.validated = e.now()
			return *e.cached, nil
		}
		e.logger.Info("cached sudo credential no longer accepted")
		e.invalidateLocked()
	}

	passwordless := Credential{passwordless: true}
	ok, err := e.probe(ctx, target, passwordless)
	if err != nil {
		return Credential{}, &runerr.PrivilegeError{Err: err}
	}
	if ok {
		e.logger.Debug("sudo allows command without a password", "target", target)
		return e.store(passwordless), nil
	}

	if prompt == nil {
		return Credential{}, &runerr.PrivilegeError{Err: errors.New("a password is required but no prompt is available")}
	}
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Credential{}, &runerr.PrivilegeError{Cancelled: true}
		}
		secret, err := prompt(ctx, attempt)
		if err != nil {
			if runerr.IsCancelled(err) || errors.Is(err, context.Canceled) {
				return Credential{}, &runerr.PrivilegeError{Cancelled: true}
			}
			return Credential{}, &runerr.PrivilegeError{Err: fmt.Errorf("read password: %w", err)}
		}
		candidate := Credential{secret: append([]byte(nil), secret...)}
		ok, err := e.probe(ctx, target, candidate)
		if err != nil {
			return Credential{}, &runerr.PrivilegeError{Err: err}
		}
		if ok {
			e.logger.Info("sudo password accepted", "attempt", attempt)
			return e.store(candidate), nil
		}
		e.logger.Warn("sudo rejected password", "attempt", attempt)
		wipe(candidate.secret)
	}
}

// Invalidate forgets the cached credential.
func (e *Elevator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidateLocked()
}

// Wrap returns spec launched through sudo with cred.
func (e *Elevator) Wrap(spec command.Spec, cred Credential) command.Spec {
	return spec.WithLauncher(e.sudo, e.launcherArgs(cred)...)
}

func (e *Elevator) launcherArgs(cred Credential) []string {
	args := make([]string, 0, 4)
	if e.preserveEnv {
		args = append(args, "-E")
	}
	if !cred.passwordless {
		args = append(args, "-S", "-p", "")
	}
	return append(args, "--")
}

func (e *Elevator) probe(ctx context.Context, target string, cred Credential) (bool, error) {
	argv := []string{e.sudo}
	if cred.passwordless {
		argv = append(argv, "-n")
	} else {
		argv = append(argv, "-S", "-p", "")
	}
	argv = append(argv, "-l", target)
	code, err := e.runner.Run(ctx, argv, cred.Stdin())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("run %s: %w", e.sudo, err)
	}
	return code == 0, nil
}

func (e *Elevator) store(cred Credential) Credential {
	cred.validated = e.now()
	e.cached = &cred
	return cred
}

func (e *Elevator) invalidateLocked() {
	if e.cached != nil {
		wipe(e.cached.secret)
	}
	e.cached = nil
}

func wipe(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
