// Package orchestrator runs calibration tools end to end: it builds the
// command, stages inputs into a private workspace, drives the tool through
// a session or a plain runner, commits the artifacts, and reports every
// step to the caller's callbacks in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/document"
	"github.com/colorkit/calrun/internal/elevate"
	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/gamut"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/process"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/runner"
	"github.com/colorkit/calrun/internal/session"
	"github.com/colorkit/calrun/internal/state"
	"github.com/colorkit/calrun/internal/toolchain"
	"github.com/colorkit/calrun/internal/workspace"
)

const (
	eventSource = "orchestrator"

	// ManifestSuffix ends the name of the run record committed next to the artifacts.
	ManifestSuffix = ".run.yaml"
)

var tracer = otel.Tracer("calrun/orchestrator")

// Builder turns a request into a command spec without side effects.
type Builder interface {
	Build(req run.Request) (command.Spec, error)
}

// Callbacks receive run updates. All of them are called from one goroutine,
// in publish order. Any of them may be nil.
type Callbacks struct {
	OnProgress func(run.ProgressEvent)
	OnPrompt   func(run.PromptRequest)
	OnEvent    func(events.Event)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithBuilder replaces the command builder.
func WithBuilder(builder Builder) Option {
	return func(o *Orchestrator) {
		if builder != nil {
			o.builder = builder
		}
	}
}

// WithFinder replaces how the analysis tools run after a profile build are
// located. The default searches the configured tool directory, then PATH.
func WithFinder(finder command.Finder) Option {
	return func(o *Orchestrator) {
		if finder != nil {
			o.finder = finder
		}
	}
}

// WithSpawner replaces how interactive tools are started.
func WithSpawner(spawner session.Spawner) Option {
	return func(o *Orchestrator) {
		o.spawner = spawner
	}
}

// WithElevator replaces the sudo credential handling used by installs.
func WithElevator(elevator runner.Elevator) Option {
	return func(o *Orchestrator) {
		if elevator != nil {
			o.elevator = elevator
		}
	}
}

// WithSignaler replaces the signal delivery used during cancellation.
func WithSignaler(signaler process.Signaler) Option {
	return func(o *Orchestrator) {
		o.signaler = signaler
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.OrDiscard(logger)
	}
}

// WithDocumentReader replaces how calibration documents are opened.
func WithDocumentReader(reader document.Reader) Option {
	return func(o *Orchestrator) {
		if reader != nil {
			o.reader = reader
		}
	}
}

// WithObserver mirrors every run event to observer after the run's own
// callbacks have been queued. observer must not block.
func WithObserver(observer events.Publisher) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithRunIDs replaces the run ID generator.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newRunID = next
		}
	}
}

// Orchestrator starts runs. Only one run executes at a time; later runs
// wait for the slot.
type Orchestrator struct {
	cfg      config.Config
	builder  Builder
	finder   command.Finder
	spawner  session.Spawner
	elevator runner.Elevator
	signaler process.Signaler
	reader   document.Reader
	logger   *log.Logger
	observer events.Publisher
	newRunID func() string
	slot     chan struct{}
	now      func() time.Time
}

// New builds an Orchestrator from cfg.
func New(cfg config.Config, options ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		reader:   document.FileReader{},
		logger:   logging.Discard(),
		newRunID: uuid.NewString,
		slot:     make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(o)
		}
	}
	if o.finder == nil {
		o.finder = toolchain.NewLocator(cfg.ToolDir)
	}
	if o.builder == nil {
		o.builder = command.NewBuilder(o.finder, o.reader)
	}
	if o.elevator == nil {
		o.elevator = elevate.New(
			elevate.WithPreserveEnv(cfg.SudoPreserveEnv),
			elevate.WithFreshness(cfg.CredentialFreshness),
			elevate.WithLogger(o.logger),
		)
	}
	return o
}

// Start validates req and builds its command, then runs it in the
// background. Configuration errors are returned here, before anything is
// created on disk or spawned. The run is bound to ctx.
func (o *Orchestrator) Start(ctx context.Context, req run.Request, callbacks Callbacks) (*Handle, error) {
	spec, err := o.builder.Build(req)
	if err != nil {
		return nil, err
	}

	runID := o.newRunID()
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		RunID:       runID,
		o:           o,
		req:         req,
		spec:        spec,
		callbacks:   callbacks,
		cancel:      cancel,
		credentials: make(chan run.PromptResponse, 1),
		done:        make(chan struct{}),
		logger:      o.logger.With("run_id", runID, "mode", string(req.Mode)),
	}
	h.dispatcher = events.NewDispatcher(h.deliver,
		events.WithWarnAfter(o.cfg.CallbackWarnAfter),
		events.WithSlowHandler(h.reportSlow),
	)
	go h.run(runCtx)
	return h, nil
}

// Handle controls one started run.
type Handle struct {
	RunID string

	o          *Orchestrator
	req        run.Request
	spec       command.Spec
	callbacks  Callbacks
	cancel     context.CancelFunc
	dispatcher *events.Dispatcher
	logger     *log.Logger

	mu          sync.Mutex
	sess        *session.Session
	credential  *run.PromptRequest
	credentials chan run.PromptResponse
	prompts     int

	done   chan struct{}
	result run.Result
}

// Cancel stops the run. It is safe to call any number of times, from any
// goroutine, including after the run finished.
func (h *Handle) Cancel() {
	h.cancel()
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// Done is closed once the result is available and every callback has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the run finishes or ctx ends.
func (h *Handle) Await(ctx context.Context) (run.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return run.Result{}, ctx.Err()
	}
}

// Respond answers the pending prompt named by resp.ID.
func (h *Handle) Respond(ctx context.Context, resp run.PromptResponse) error {
	h.mu.Lock()
	pending := h.credential
	sess := h.sess
	h.mu.Unlock()

	if pending != nil && pending.ID == resp.ID {
		if err := run.ValidateResponse(*pending, resp); err != nil {
			return err
		}
		h.mu.Lock()
		if h.credential == nil || h.credential.ID != resp.ID {
			h.mu.Unlock()
			return fmt.Errorf("prompt %q was already answered", resp.ID)
		}
		h.credential = nil
		h.mu.Unlock()
		select {
		case h.credentials <- resp:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return errors.New("run already finished")
		}
	}
	if sess == nil {
		return fmt.Errorf("no prompt %q is pending", resp.ID)
	}
	return sess.Respond(ctx, resp)
}

// SendKeys forwards raw keystrokes to an interactive tool. Cancel keys
// stop non-interactive runs too.
func (h *Handle) SendKeys(ctx context.Context, keys string) error {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		return sess.SendKeys(ctx, keys)
	}
	switch keys {
	case "\x1b", "\b", "q", "Q":
		h.Cancel()
		return nil
	}
	return fmt.Errorf("%s does not read from a terminal", h.spec.Tool)
}

// Publish routes an event to the callbacks.
func (h *Handle) Publish(event events.Event) {
	if event.RunID == "" {
		event.RunID = h.RunID
	}
	if h.dispatcher.Offer(event) && h.o.observer != nil {
		h.o.observer.Publish(event)
	}
}

func (h *Handle) publish(eventType, severity string, payload any) {
	h.Publish(events.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     h.RunID,
		Source:    eventSource,
		Payload:   payload,
		Severity:  severity,
	})
}

func (h *Handle) deliver(event events.Event) {
	switch event.Type {
	case events.EventTypeProgressUpdate:
		if p, ok := event.Payload.(run.ProgressEvent); ok && h.callbacks.OnProgress != nil {
			h.callbacks.OnProgress(p)
		}
	case events.EventTypePromptRequested:
		if p, ok := event.Payload.(run.PromptRequest); ok && h.callbacks.OnPrompt != nil {
			h.callbacks.OnPrompt(p)
		}
	}
	if h.callbacks.OnEvent != nil {
		h.callbacks.OnEvent(event)
	}
}

// reportSlow runs on a timer goroutine while the callback is still busy.
// The CallbackSlow event it queues is delivered once that callback returns.
func (h *Handle) reportSlow(event events.Event, budget time.Duration) {
	h.logger.Warn("callback exceeded budget", "event", event.Type, "budget", budget)
	if event.Type != events.EventTypeCallbackSlow && !event.Terminal() {
		h.publish(events.EventTypeCallbackSlow, events.SeverityWarn, event.Type)
	}
}

func (h *Handle) run(ctx context.Context) {
	result := h.acquireAndExecute(ctx)
	h.result = result

	h.publish(events.EventTypeRunFinished, severityFor(result.State), result)
	h.dispatcher.Close()
	<-h.dispatcher.Done()
	h.cancel()
	close(h.done)
}

func (h *Handle) acquireAndExecute(ctx context.Context) run.Result {
	select {
	case h.o.slot <- struct{}{}:
	case <-ctx.Done():
		h.logger.Info("run cancelled while waiting for another run to finish")
		return run.Result{
			RunID:    h.RunID,
			Mode:     h.req.Mode,
			State:    state.Cancelled,
			ExitCode: run.ExitCodeCancelled,
			Err:      runerr.ErrCancelled,
		}
	}
	defer func() { <-h.o.slot }()

	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", h.RunID),
		attribute.String("run.mode", string(h.req.Mode)),
		attribute.String("tool.name", h.spec.Tool),
	)

	result := h.execute(ctx)
	span.SetAttributes(
		attribute.String("run.state", string(result.State)),
		attribute.Int("run.exit_code", result.ExitCode),
		attribute.Int("run.retries", result.Retries),
	)
	if result.Err != nil && result.State == state.Failed {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

// execute owns the workspace for the whole run and disposes it exactly once.
func (h *Handle) execute(ctx context.Context) run.Result {
	started := h.o.now().UTC()
	result := run.Result{RunID: h.RunID, Mode: h.req.Mode}

	ws := workspace.New(h.o.cfg.WorkspaceRoot, h.RunID)
	defer func() {
		if err := ws.Dispose(nil); err != nil {
			h.logger.Warn("workspace cleanup failed", "error", err)
		}
	}()

	dir, err := ws.Open()
	if err != nil {
		return failedBeforeStart(result, err)
	}
	for _, src := range h.spec.Stage {
		if _, err := ws.Stage(src); err != nil {
			return failedBeforeStart(result, &runerr.ConfigurationError{Path: src, Reason: "stage input", Err: err})
		}
	}
	spec := h.spec.WithWorkDir(dir)
	h.logger.Info("starting tool", "tool", spec.Tool, "workspace", dir)

	var used command.Used
	if spec.Interactive {
		result, used = h.runSession(ctx, spec, result)
	} else {
		result, used = h.runTool(ctx, spec, result)
	}
	if result.State != state.Completed {
		h.logger.Info("run ended without artifacts", "state", result.State, "exit_code", result.ExitCode)
		return result
	}

	if err := h.persist(ws, spec, used, started, result); err != nil {
		result.State = state.Failed
		result.Err = err
		h.logger.Error("recording run failed", "error", err)
		return result
	}
	allowlist := append(append([]string(nil), spec.Outputs...), ManifestSuffix)
	if result.Gamut != nil {
		allowlist = append(allowlist, gamut.Extensions...)
	}
	artifacts, err := ws.Commit(h.req.Destination, allowlist)
	result.Artifacts = artifacts
	if err != nil {
		result.State = state.Failed
		result.Err = fmt.Errorf("commit artifacts: %w", err)
		h.logger.Error("commit failed", "error", err)
		return result
	}
	h.logger.Info("run completed", "artifacts", len(artifacts))
	return result
}

func (h *Handle) runSession(ctx context.Context, spec command.Spec, result run.Result) (run.Result, command.Used) {
	cfg := h.o.cfg
	sess := session.New(spec, session.Config{
		RunID:          h.RunID,
		Encoding:       cfg.OutputEncoding,
		StartTimeout:   cfg.StartTimeout,
		InterruptGrace: cfg.InterruptGrace,
		TerminateGrace: cfg.TerminateGrace,
		Spawner:        h.o.spawner,
		Signaler:       h.o.signaler,
		Logger:         h.logger,
		Publisher:      h,
		Retry: func(spec command.Spec, lines []string) (command.Spec, bool) {
			next, rule, ok := runner.Without(runner.DefaultRetryRules, spec, lines)
			if ok {
				h.logger.Warn("tool rejected option, retrying without it", "flag", rule.Flag, "marker", rule.Marker)
			}
			return next, ok
		},
	})
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()
	if ctx.Err() != nil {
		sess.Cancel()
	}

	outcome := sess.Run(ctx)
	result.State = outcome.State
	result.ExitCode = outcome.ExitCode
	result.Retries = outcome.Retries
	result.Tail = outcome.Tail
	result.Err = outcome.Err
	return result, outcome.Used
}

func (h *Handle) runTool(ctx context.Context, spec command.Spec, result run.Result) (run.Result, command.Used) {
	cfg := h.o.cfg
	machine := state.NewMachine(h.RunID, state.WithObserver(func(record state.TransitionRecord) {
		h.publish(events.EventTypeStateTransition, events.SeverityInfo, events.StateChange{
			From:   string(record.FromState),
			To:     string(record.ToState),
			Reason: record.Reason,
		})
	}))

	r := runner.New(
		runner.WithEncoding(cfg.OutputEncoding),
		runner.WithGrace(cfg.InterruptGrace, cfg.TerminateGrace),
		runner.WithSignaler(h.o.signaler),
		runner.WithLogger(h.logger),
		runner.WithPublisher(h.RunID, h),
	)
	var (
		res runner.Result
		err error
	)
	if spec.Elevate {
		res, err = r.RunElevated(ctx, spec, h.o.elevator, h.promptCredential)
	} else {
		res, err = r.Run(ctx, spec, false)
	}
	if err == nil && h.req.Mode == run.ModeBuildProfile {
		result.Gamut, err = h.measureGamut(ctx, r, spec.WorkDir)
	}

	result.ExitCode = res.ExitCode
	result.Err = err
	var fatal *runerr.FatalSubprocessError
	switch {
	case err == nil:
		result.State = state.Completed
	case runerr.IsCancelled(err):
		result.State = state.Cancelled
		result.ExitCode = run.ExitCodeCancelled
	default:
		result.State = state.Failed
		if errors.As(err, &fatal) {
			result.Tail = fatal.Tail
		}
	}
	if transitionErr := machine.Transition(ctx, result.State, reasonFor(result)); transitionErr != nil {
		h.logger.Warn("state transition rejected", "error", transitionErr)
	}
	return result, res.Used
}

// measureGamut runs the gamut analysis on the freshly built profile. Only
// cancellation is returned; any other failure leaves the profile without
// gamut figures.
func (h *Handle) measureGamut(ctx context.Context, r *runner.Runner, dir string) (*run.Gamut, error) {
	calc := gamut.New(r, h.o.finder,
		gamut.WithReferenceDir(h.o.cfg.ReferenceDir),
		gamut.WithLogger(h.logger),
	)
	report, err := calc.Calculate(ctx, dir, h.req.Name)
	if runerr.IsCancelled(err) {
		return nil, err
	}
	if err != nil {
		h.logger.Warn("gamut analysis skipped", "error", err)
		return nil, nil
	}
	h.logger.Info("gamut measured", "volume", report.Gamut.Volume, "coverage", report.Gamut.Coverage, "files", report.Files)
	return &report.Gamut, nil
}

// promptCredential asks the caller for the sudo password through OnPrompt
// and waits for Respond.
func (h *Handle) promptCredential(ctx context.Context, attempt int) ([]byte, error) {
	message := "Administrator password required to install the profile for all users"
	if attempt > 1 {
		message = "Password not accepted, try again"
	}
	h.mu.Lock()
	h.prompts++
	request := run.PromptRequest{
		ID:             fmt.Sprintf("%s-credential-%d", h.RunID, h.prompts),
		Kind:           run.PromptCredential,
		Message:        message,
		ValidResponses: []string{run.ResponseContinue, run.ResponseCancel},
	}
	h.credential = &request
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.credential = nil
		h.mu.Unlock()
	}()

	h.publish(events.EventTypePromptRequested, events.SeverityInfo, request)
	select {
	case resp := <-h.credentials:
		if resp.Response == run.ResponseCancel {
			return nil, runerr.ErrCancelled
		}
		return resp.Secret, nil
	case <-ctx.Done():
		return nil, runerr.ErrCancelled
	}
}

// Manifest records how a run's artifacts were produced.
type Manifest struct {
	RunID      string     `yaml:"run_id"`
	Mode       run.Mode   `yaml:"mode"`
	Tool       string     `yaml:"tool"`
	Name       string     `yaml:"name"`
	Flags      []string   `yaml:"flags"`
	Suppressed []string   `yaml:"suppressed,omitempty"`
	Notes      []string   `yaml:"notes,omitempty"`
	Inputs     []string   `yaml:"inputs,omitempty"`
	Outputs    []string   `yaml:"outputs,omitempty"`
	Retries    int        `yaml:"retries,omitempty"`
	Gamut      *run.Gamut `yaml:"gamut,omitempty"`
	Started    time.Time  `yaml:"started"`
	Finished   time.Time  `yaml:"finished"`
}

// ManifestName returns the file name of the run record for name and mode.
func ManifestName(name string, mode run.Mode) string {
	return name + "." + string(mode) + ManifestSuffix
}

func (h *Handle) persist(ws *workspace.Workspace, spec command.Spec, used command.Used, started time.Time, result run.Result) error {
	var outputs []string
	for _, ext := range spec.Outputs {
		name := h.req.Name + ext
		if _, err := os.Stat(ws.Path(name)); err != nil {
			return &runerr.FatalSubprocessError{
				Tool:     spec.Tool,
				ExitCode: result.ExitCode,
				Reason:   fmt.Sprintf("expected output %s was not produced", name),
				Tail:     result.Tail,
			}
		}
		outputs = append(outputs, name)
	}

	if h.req.Mode == run.ModeCalibrate {
		path := ws.Path(h.req.Name + ".cal")
		doc, err := h.o.reader.Open(path)
		if err != nil {
			return fmt.Errorf("open calibration: %w", err)
		}
		doc.SetField(document.DispcalArgsField, strings.Join(used.Flags, " "))
		if err := doc.Write(path); err != nil {
			return fmt.Errorf("record calibration flags: %w", err)
		}
	}

	manifest := Manifest{
		RunID:      h.RunID,
		Mode:       h.req.Mode,
		Tool:       spec.Tool,
		Name:       h.req.Name,
		Flags:      used.Flags,
		Suppressed: used.Suppressed,
		Notes:      used.Notes,
		Inputs:     ws.Manifest(),
		Outputs:    outputs,
		Retries:    result.Retries,
		Gamut:      result.Gamut,
		Started:    started,
		Finished:   h.o.now().UTC(),
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode run manifest: %w", err)
	}
	return ws.Write(ManifestName(h.req.Name, h.req.Mode), data)
}

func failedBeforeStart(result run.Result, err error) run.Result {
	result.State = state.Failed
	result.ExitCode = run.ExitCodeNotStarted
	result.Err = err
	return result
}

func reasonFor(result run.Result) string {
	switch result.State {
	case state.Completed:
		return "tool exited cleanly"
	case state.Cancelled:
		return "cancelled"
	default:
		if result.Err != nil {
			return result.Err.Error()
		}
		return fmt.Sprintf("tool exited with status %d", result.ExitCode)
	}
}

func severityFor(s state.State) string {
	switch s {
	case state.Failed:
		return events.SeverityError
	case state.Cancelled:
		return events.SeverityWarn
	default:
		return events.SeverityInfo
	}
}
