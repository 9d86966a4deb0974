// Package session drives one interactive measurement tool through its
// keyboard prompts on a pseudo-terminal.
//
// A session has exactly one writer of its state: the supervisor loop in Run.
// The reader goroutine turns terminal output into prompt and progress
// events, the caller answers prompts through Respond, and Cancel starts an
// escalating shutdown of the whole process group. Whatever path ends the
// run, Run returns only after the tool has been reaped.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/output"
	"github.com/colorkit/calrun/internal/process"
	"github.com/colorkit/calrun/internal/progress"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/state"
)

const (
	keyContinue = " "
	keyEscape   = "\x1b"

	// DefaultStartTimeout bounds how long a tool may stay in Starting.
	DefaultStartTimeout = 2 * time.Minute

	drainTimeout = 2 * time.Second
	eventSource  = "session"
)

// cancelKeys are keystrokes that mean "stop" to every supported tool.
var cancelKeys = map[string]struct{}{
	keyEscape: {},
	"\b":      {},
	"q":       {},
	"Q":       {},
}

var tracer = otel.Tracer("calrun/session")

// Config tunes a session. Zero values fall back to defaults.
type Config struct {
	RunID          string
	Encoding       string
	StartTimeout   time.Duration
	InterruptGrace time.Duration
	TerminateGrace time.Duration
	Spawner        Spawner
	Signaler       process.Signaler
	Logger         *log.Logger
	Publisher      events.Publisher
	// Transcript receives the decoded terminal output verbatim.
	Transcript io.Writer
	// Retry may return a reduced spec for a tool that failed before it asked
	// for anything or measured. lines is the tail of its output. The session
	// respawns at most once.
	Retry func(spec command.Spec, lines []string) (command.Spec, bool)
}

// Outcome is how a session ended.
type Outcome struct {
	State    state.State
	ExitCode int
	// Retries counts every automatic misread retry of the run.
	Retries int
	Tail    []string
	Err     error
	// Used describes the spec of the last spawn.
	Used command.Used
}

// Session is one run of an interactive tool.
type Session struct {
	spec      command.Spec
	cfg       Config
	logger    *log.Logger
	publisher events.Publisher
	machine   *state.Machine
	latch     progress.Latch

	requests   chan request
	cancelCh   chan struct{}
	cancelOnce sync.Once
	finished   chan struct{}
	ran        atomic.Bool
	respawned  bool
}

type request struct {
	response *run.PromptResponse
	keys     string
	reply    chan error
}

// New prepares a session for spec. Nothing is spawned until Run.
func New(spec command.Spec, cfg Config) *Session {
	if cfg.Spawner == nil {
		cfg.Spawner = PTYSpawner{}
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard
	}
	s := &Session{
		spec:      spec,
		cfg:       cfg,
		logger:    logging.OrDiscard(cfg.Logger).With("tool", spec.Tool),
		publisher: publisher,
		requests:  make(chan request),
		cancelCh:  make(chan struct{}),
		finished:  make(chan struct{}),
	}
	s.machine = state.NewMachine(cfg.RunID, state.WithObserver(func(record state.TransitionRecord) {
		s.publish(events.EventTypeStateTransition, events.SeverityInfo, events.StateChange{
			From:   string(record.FromState),
			To:     string(record.ToState),
			Reason: record.Reason,
		})
	}))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() state.State {
	return s.machine.Current()
}

// History returns every transition taken so far.
func (s *Session) History() []state.TransitionRecord {
	return s.machine.History()
}

// Cancel asks the session to stop. It is safe to call any number of times
// from any goroutine, before or during Run.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Respond answers the pending prompt.
func (s *Session) Respond(ctx context.Context, response run.PromptResponse) error {
	return s.submit(ctx, request{response: &response})
}

// SendKeys forwards raw keystrokes to the tool. Escape, backspace and q
// cancel the session instead of being forwarded.
func (s *Session) SendKeys(ctx context.Context, keys string) error {
	if _, ok := cancelKeys[keys]; ok {
		s.Cancel()
		return nil
	}
	return s.submit(ctx, request{keys: keys})
}

func (s *Session) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.finished:
		return errors.New("session has finished")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run spawns the tool and supervises it until it exits.
func (s *Session) Run(ctx context.Context) Outcome {
	if !s.ran.CompareAndSwap(false, true) {
		return Outcome{State: s.machine.Current(), ExitCode: run.ExitCodeNotStarted, Err: errors.New("session already ran")}
	}
	defer close(s.finished)

	ctx, span := tracer.Start(ctx, "session.run")
	span.SetAttributes(
		attribute.String("run_id", s.cfg.RunID),
		attribute.String("tool_name", s.spec.Tool),
	)
	defer span.End()

	outcome := s.run(ctx)
	outcome.Used = s.spec.Used
	span.SetAttributes(
		attribute.String("state", string(outcome.State)),
		attribute.Int("exit_code", outcome.ExitCode),
		attribute.Int("retries", outcome.Retries),
	)
	if outcome.Err != nil && outcome.State == state.Failed {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return outcome
}

func (s *Session) run(ctx context.Context) Outcome {
	readerEvents := make(chan readerEvent, 64)
	stop := make(chan struct{})
	defer close(stop)

	onLine := func(line string) {
		s.publish(events.EventTypeOutputLine, events.SeverityInfo, line)
	}
	rd, err := newReader(s.spec.Tool, s.cfg.Encoding, s.cfg.Transcript, s.logger, onLine, readerEvents, stop)
	if err != nil {
		return s.notStarted(ctx, &runerr.ConfigurationError{Path: "output_encoding", Reason: err.Error(), Err: err})
	}

	for {
		select {
		case <-s.cancelCh:
			return s.cancelledBeforeStart(ctx)
		case <-ctx.Done():
			return s.cancelledBeforeStart(ctx)
		default:
		}

		s.logger.Info("starting tool", "command", s.spec.String())
		conn, err := s.cfg.Spawner.Spawn(ctx, s.spec)
		if err != nil {
			return s.notStarted(ctx, &runerr.FatalSubprocessError{Tool: s.spec.Tool, ExitCode: run.ExitCodeNotStarted, Reason: err.Error()})
		}

		sv := &supervisor{
			session: s,
			conn:    conn,
			reader:  rd,
			exited:  make(chan struct{}),
		}
		outcome := sv.loop(ctx, readerEvents)
		if sv.respawn == nil {
			return outcome
		}

		s.spec = *sv.respawn
		s.respawned = true
		rd, err = newReader(s.spec.Tool, s.cfg.Encoding, s.cfg.Transcript, s.logger, onLine, readerEvents, stop)
		if err != nil {
			return s.notStarted(ctx, &runerr.ConfigurationError{Path: "output_encoding", Reason: err.Error(), Err: err})
		}
	}
}

func (s *Session) notStarted(ctx context.Context, err error) Outcome {
	s.transition(ctx, state.Failed, "tool did not start")
	s.logger.Error("tool did not start", "error", err)
	return Outcome{State: state.Failed, ExitCode: run.ExitCodeNotStarted, Err: err}
}

func (s *Session) cancelledBeforeStart(ctx context.Context) Outcome {
	s.transition(ctx, state.Cancelled, "cancelled before start")
	return Outcome{State: state.Cancelled, ExitCode: run.ExitCodeCancelled, Err: runerr.ErrCancelled}
}

func (s *Session) transition(ctx context.Context, to state.State, reason string) {
	if s.machine.Current() == to {
		return
	}
	if err := s.machine.Transition(ctx, to, reason); err != nil {
		s.logger.Warn("state transition rejected", "to", to, "error", err)
	}
}

func (s *Session) publish(eventType, severity string, payload any) {
	s.publisher.Publish(events.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     s.cfg.RunID,
		Source:    eventSource,
		Payload:   payload,
		Severity:  severity,
	})
}

type promptClass int

const (
	promptAction promptClass = iota
	promptPlacement
	promptCalibration
	promptAutoContinue
	promptRetry
)

func classifyPrompt(text string) promptClass {
	switch {
	case output.ContainsAny(text, []string{retryMarker}):
		return promptRetry
	case output.ContainsAny(text, []string{placementMarker}):
		return promptPlacement
	case output.ContainsAny(text, output.InstrumentCalibrationMessages):
		return promptCalibration
	case strings.Contains(text, calibrationCompleteMarker):
		return promptAutoContinue
	default:
		return promptAction
	}
}

// promptMessage picks the line of a prompt that tells the user what to do.
func promptMessage(text string) string {
	lines := splitLines(text)
	var action []string
	for _, line := range lines {
		if output.ContainsAny(line, output.InstrumentCalibrationMessages) || output.ContainsAny(line, []string{placementMarker}) {
			action = append(action, line)
		}
	}
	if len(action) > 0 {
		return strings.Join(action, "\n")
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.Contains(lines[i], promptMarker) {
			return lines[i]
		}
	}
	if len(lines) > 0 {
		return lines[len(lines)-1]
	}
	return ""
}

func misreadMessage(text string) string {
	for _, line := range splitLines(text) {
		if output.ContainsAny(line, misreadMarkers) {
			return line
		}
	}
	return ""
}

func splitLines(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' })
	lines := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

type waitResult struct {
	code int
	err  error
}

// supervisor is the single writer of a running session's state.
type supervisor struct {
	session *Session
	conn    Conn
	reader  *reader
	exited  chan struct{}

	pending          *run.PromptRequest
	pendingPlacement bool
	promptSeq        int

	retries      int
	totalRetries int
	lastNumeric  run.ProgressEvent
	retryFrom    run.ProgressEvent

	cancelling bool
	failure    error
	stopping   bool
	stopWG     sync.WaitGroup

	respawn *command.Spec
}

func (sv *supervisor) loop(ctx context.Context, readerEvents <-chan readerEvent) Outcome {
	s := sv.session
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := sv.conn.Wait()
		waitCh <- waitResult{code: code, err: err}
		close(sv.exited)
	}()
	readerDone := make(chan struct{})
	go sv.reader.run(sv.conn, readerDone)

	startTimer := time.NewTimer(s.cfg.StartTimeout)
	defer startTimer.Stop()
	var drain *time.Timer
	var drainC <-chan time.Time
	defer func() {
		if drain != nil {
			drain.Stop()
		}
	}()

	cancelCh := (<-chan struct{})(s.cancelCh)
	ctxDone := ctx.Done()
	var exit *waitResult
	readerFinished := false

	for exit == nil || !readerFinished {
		select {
		case ev := <-readerEvents:
			sv.handle(ctx, ev)
		case req := <-s.requests:
			req.reply <- sv.serve(ctx, req)
		case <-cancelCh:
			cancelCh = nil
			sv.beginCancel("cancel requested")
		case <-ctxDone:
			ctxDone = nil
			sv.beginCancel("context done")
		case <-startTimer.C:
			if s.machine.Current() == state.Starting {
				sv.fail(&runerr.FatalSubprocessError{
					Tool:     s.spec.Tool,
					ExitCode: run.ExitCodeNotStarted,
					Reason:   fmt.Sprintf("no instrument prompt or progress within %s", s.cfg.StartTimeout),
				})
			}
		case result := <-waitCh:
			exit = &result
			// Background children can hold the terminal open after the tool
			// itself exits. Close it after a grace period to release the reader.
			drain = time.NewTimer(drainTimeout)
			drainC = drain.C
		case <-readerDone:
			readerDone = nil
			readerFinished = true
		case <-drainC:
			drainC = nil
			_ = sv.conn.Close()
		}
	}

	// Prompts left over after exit have nobody to answer them.
	for drained := false; !drained; {
		select {
		case ev := <-readerEvents:
			if ev.kind == readerProgress {
				sv.handle(ctx, ev)
			}
		default:
			drained = true
		}
	}
	_ = sv.conn.Close()
	sv.stopWG.Wait()
	return sv.finish(ctx, *exit)
}

func (sv *supervisor) finish(ctx context.Context, exit waitResult) Outcome {
	s := sv.session
	aborted, fatal := sv.reader.verdict()
	if next, ok := sv.retrySpec(exit, aborted, fatal); ok {
		s.logger.Warn("tool rejected option, respawning without it", "exit_code", exit.code, "command", next.String())
		sv.respawn = &next
		return Outcome{ExitCode: exit.code, Tail: sv.reader.tail.Lines()}
	}
	outcome := Outcome{
		ExitCode: exit.code,
		Retries:  sv.totalRetries,
		Tail:     sv.reader.tail.Lines(),
	}

	switch {
	case sv.failure != nil:
		outcome.State = state.Failed
		outcome.Err = withTail(sv.failure, outcome)
	case sv.cancelling || aborted:
		outcome.State = state.Cancelled
		outcome.ExitCode = run.ExitCodeCancelled
		outcome.Err = runerr.ErrCancelled
	case exit.err != nil:
		outcome.State = state.Failed
		outcome.Err = &runerr.FatalSubprocessError{Tool: s.spec.Tool, ExitCode: exit.code, Reason: exit.err.Error(), Tail: outcome.Tail}
	case exit.code == 0 && fatal == "":
		outcome.State = state.Completed
	default:
		outcome.State = state.Failed
		outcome.Err = &runerr.FatalSubprocessError{Tool: s.spec.Tool, ExitCode: exit.code, Reason: fatal, Tail: outcome.Tail}
	}

	reason := "tool exited"
	if outcome.Err != nil {
		reason = outcome.Err.Error()
	}
	s.transition(ctx, outcome.State, reason)
	s.logger.Info("tool finished", "state", outcome.State, "exit_code", outcome.ExitCode, "retries", outcome.Retries)
	return outcome
}

// retrySpec asks Config.Retry for a reduced spec when the tool failed on its
// own while still starting.
func (sv *supervisor) retrySpec(exit waitResult, aborted bool, fatal string) (command.Spec, bool) {
	s := sv.session
	if s.cfg.Retry == nil || s.respawned || sv.failure != nil || sv.cancelling || aborted {
		return command.Spec{}, false
	}
	if exit.err != nil || (exit.code == 0 && fatal == "") || s.machine.Current() != state.Starting {
		return command.Spec{}, false
	}
	return s.cfg.Retry(s.spec, sv.reader.tail.Lines())
}

func withTail(err error, outcome Outcome) error {
	var fatal *runerr.FatalSubprocessError
	if errors.As(err, &fatal) && len(fatal.Tail) == 0 {
		copied := *fatal
		copied.Tail = outcome.Tail
		if copied.ExitCode == run.ExitCodeNotStarted || copied.ExitCode == 0 {
			copied.ExitCode = outcome.ExitCode
		}
		return &copied
	}
	return err
}

func (sv *supervisor) handle(ctx context.Context, ev readerEvent) {
	switch ev.kind {
	case readerPrompt:
		sv.onPrompt(ctx, ev.prompt)
	case readerProgress:
		sv.onProgress(ctx, ev.progress)
	}
}

func (sv *supervisor) onPrompt(ctx context.Context, text string) {
	s := sv.session
	if sv.cancelling || sv.failure != nil {
		// The tool is still asking; keep answering "give up".
		sv.key(keyEscape)
		return
	}

	switch classifyPrompt(text) {
	case promptRetry:
		switch {
		case strings.Contains(text, abortMarker):
			sv.beginCancel("measurement stopped at the instrument")
		case output.ContainsAny(text, misreadMarkers):
			sv.retry(ctx, text)
		default:
			sv.fail(&runerr.FatalSubprocessError{Tool: s.spec.Tool, Reason: promptMessage(text)})
		}
	case promptAutoContinue:
		s.logger.Debug("acknowledging calibration complete")
		sv.key(keyContinue)
	case promptPlacement:
		sv.ask(ctx, text, true)
	default:
		sv.ask(ctx, text, false)
	}
}

func (sv *supervisor) ask(ctx context.Context, text string, placement bool) {
	s := sv.session
	if s.machine.Current() == state.Starting {
		s.transition(ctx, state.AwaitingInstrumentAction, "instrument action required")
	}
	sv.promptSeq++
	request := run.PromptRequest{
		ID:             fmt.Sprintf("%s-prompt-%d", s.cfg.RunID, sv.promptSeq),
		Kind:           run.PromptInstrumentAction,
		Message:        promptMessage(text),
		ValidResponses: []string{run.ResponseContinue, run.ResponseCancel},
	}
	sv.pending = &request
	sv.pendingPlacement = placement
	s.logger.Info("waiting for instrument action", "prompt_id", request.ID, "message", request.Message)
	s.publish(events.EventTypePromptRequested, events.SeverityInfo, request)
}

func (sv *supervisor) retry(ctx context.Context, text string) {
	s := sv.session
	if current := s.machine.Current(); current != state.Measuring && current != state.RetryingMisread {
		s.transition(ctx, state.Measuring, "measurement started")
	}
	sv.retries++
	sv.totalRetries++
	sv.retryFrom = sv.lastNumeric

	misread := &runerr.TransientMeasurementError{
		Patch:   sv.lastNumeric.Current,
		Count:   sv.retries,
		Message: misreadMessage(text),
	}
	s.transition(ctx, state.RetryingMisread, misread.Error())
	s.logger.Warn("retrying measurement", "error", misread)
	s.publish(events.EventTypeMisreadRetry, events.SeverityWarn, events.Retry{
		Patch:   misread.Patch,
		Count:   misread.Count,
		Message: misread.Message,
	})
	sv.key(keyContinue)
	s.transition(ctx, state.Measuring, "retrying measurement")
}

func (sv *supervisor) onProgress(ctx context.Context, ev run.ProgressEvent) {
	s := sv.session
	s.publish(events.EventTypeProgressUpdate, events.SeverityInfo, ev)
	if s.latch.Observe(ev, true) {
		s.publish(events.EventTypeDisplayModeChanged, events.SeverityInfo, events.DisplayMode{Passive: true})
	}
	if ev.Percentage == nil {
		return
	}

	switch s.machine.Current() {
	case state.Starting, state.AwaitingInstrumentAction:
		if !sv.cancelling && sv.failure == nil {
			sv.pending = nil
			s.transition(ctx, state.Measuring, "measurement started")
		}
	}

	if sv.retries > 0 && advanced(sv.retryFrom, ev) {
		previous := sv.retries
		sv.retries = 0
		s.logger.Info("measurement recovered after misreads", "retries", previous)
		s.publish(events.EventTypeRetryCounterReset, events.SeverityInfo, events.RetryReset{Patch: ev.Current, Previous: previous})
	}
	sv.lastNumeric = ev
}

// advanced reports whether next is numeric progress beyond from.
func advanced(from, next run.ProgressEvent) bool {
	if next.Percentage == nil {
		return false
	}
	if from.Percentage == nil {
		return true
	}
	return next.Current != from.Current || *next.Percentage > *from.Percentage
}

func (sv *supervisor) serve(ctx context.Context, req request) error {
	s := sv.session
	if req.response == nil {
		if sv.cancelling {
			return errors.New("session is cancelling")
		}
		return sv.write(req.keys)
	}

	if sv.pending == nil {
		return errors.New("no prompt is pending")
	}
	if err := run.ValidateResponse(*sv.pending, *req.response); err != nil {
		return err
	}
	placement := sv.pendingPlacement
	sv.pending = nil
	if req.response.Response == run.ResponseCancel {
		sv.beginCancel("cancelled at prompt")
		return nil
	}
	if err := sv.write(keyContinue); err != nil {
		return err
	}
	if placement {
		switch s.machine.Current() {
		case state.Starting, state.AwaitingInstrumentAction:
			s.transition(ctx, state.Measuring, "instrument placed")
		}
	}
	return nil
}

func (sv *supervisor) key(keys string) {
	if err := sv.write(keys); err != nil {
		sv.session.logger.Debug("keystroke not delivered", "error", err)
	}
}

func (sv *supervisor) write(keys string) error {
	if _, err := io.WriteString(sv.conn, keys); err != nil {
		return fmt.Errorf("send keys to %s: %w", sv.session.spec.Tool, err)
	}
	return nil
}

func (sv *supervisor) beginCancel(reason string) {
	if sv.cancelling {
		return
	}
	sv.cancelling = true
	sv.pending = nil
	sv.session.logger.Info("cancelling tool", "reason", reason)
	sv.stop()
}

func (sv *supervisor) fail(err error) {
	if sv.failure == nil {
		sv.failure = err
		sv.pending = nil
		sv.session.logger.Error("tool failed", "error", err)
	}
	sv.stop()
}

// stop escalates against the tool's process group in the background so the
// supervisor keeps draining output while the tool winds down.
func (sv *supervisor) stop() {
	if sv.stopping {
		return
	}
	sv.stopping = true
	s := sv.session
	escalation := process.Escalation{
		Interrupt: func() error {
			return sv.write(keyEscape)
		},
		InterruptGrace: s.cfg.InterruptGrace,
		TerminateGrace: s.cfg.TerminateGrace,
		Signaler:       s.cfg.Signaler,
		Logger:         s.logger,
	}
	pgid := sv.conn.Pid()
	sv.stopWG.Add(1)
	go func() {
		defer sv.stopWG.Done()
		step, err := escalation.Stop(pgid, sv.exited)
		if err != nil {
			s.logger.Error("stop tool", "pgid", pgid, "step", step, "error", err)
			return
		}
		s.logger.Debug("tool stopped", "pgid", pgid, "step", step)
	}()
}
