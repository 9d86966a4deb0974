package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/document"
	"github.com/colorkit/calrun/internal/elevate"
	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/process"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/runner"
	"github.com/colorkit/calrun/internal/session"
	"github.com/colorkit/calrun/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	fakePid         = 4242
	placementPrompt = "Place instrument on test window.\r\nHit Esc or Q to give up, any other key to continue:"
	misreadPrompt   = "\r\nSample read failed due to misread\r\nHit Esc or Q to give up, any other key to retry:"

	calDocument = `CAL

DESCRIPTOR "Argyll Device Calibration State"
ORIGINATOR "Argyll dispcal"
KEYWORD "DEVICE_CLASS"
DEVICE_CLASS "DISPLAY"
COLOR_REP "RGB"

NUMBER_OF_FIELDS 4
BEGIN_DATA_FORMAT
RGB_I RGB_R RGB_G RGB_B
END_DATA_FORMAT

NUMBER_OF_SETS 2
BEGIN_DATA
0.0 0.0 0.0 0.0
1.0 1.0 1.0 1.0
END_DATA
`
)

// toolScript plays an interactive tool against the session and returns its exit code.
type toolScript func(term *scriptTerm) int

// scriptTerm is a fake terminal whose tool side is a toolScript.
type scriptTerm struct {
	dir      string
	args     []string
	out      *io.PipeReader
	in       *io.PipeWriter
	keys     chan string
	killed   chan struct{}
	killOnce sync.Once
	exit     chan int
}

func newScriptTerm(dir string) *scriptTerm {
	out, in := io.Pipe()
	return &scriptTerm{
		dir:    dir,
		out:    out,
		in:     in,
		keys:   make(chan string, 64),
		killed: make(chan struct{}),
		exit:   make(chan int, 1),
	}
}

func (s *scriptTerm) play(script toolScript) {
	code := script(s)
	_ = s.in.Close()
	s.exit <- code
}

func (s *scriptTerm) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *scriptTerm) Write(p []byte) (int, error) {
	select {
	case s.keys <- string(p):
	default:
	}
	return len(p), nil
}

func (s *scriptTerm) Pid() int { return fakePid }

func (s *scriptTerm) Wait() (int, error) { return <-s.exit, nil }

func (s *scriptTerm) Close() error { return s.in.Close() }

func (s *scriptTerm) kill() { s.killOnce.Do(func() { close(s.killed) }) }

func (s *scriptTerm) say(text string) {
	_, _ = s.in.Write([]byte(text))
}

// key waits for the next keystroke. It reports false once the tool is killed.
func (s *scriptTerm) key() (string, bool) {
	select {
	case k := <-s.keys:
		return k, true
	case <-s.killed:
		return "", false
	case <-time.After(10 * time.Second):
		return "", false
	}
}

func (s *scriptTerm) writeFile(name, content string) {
	_ = os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o600)
}

// scriptSpawner starts every interactive tool as script and plays the
// signal side of the fake process group.
type scriptSpawner struct {
	script toolScript

	mu      sync.Mutex
	calls   int
	argv    [][]string
	current *scriptTerm
	signals []syscall.Signal
}

func (s *scriptSpawner) Spawn(_ context.Context, spec command.Spec) (session.Conn, error) {
	term := newScriptTerm(spec.WorkDir)
	term.args = append([]string(nil), spec.Args...)
	s.mu.Lock()
	s.calls++
	s.argv = append(s.argv, term.args)
	s.current = term
	s.mu.Unlock()
	go term.play(s.script)
	return term, nil
}

func (s *scriptSpawner) Signal(pid int, sig syscall.Signal) error {
	if pid != fakePid && pid != -fakePid {
		return process.SystemSignaler.Signal(pid, sig)
	}
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	term := s.current
	s.mu.Unlock()
	if sig == syscall.SIGKILL && term != nil {
		term.kill()
	}
	return nil
}

func (s *scriptSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptSpawner) args() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.argv...)
}

func (s *scriptSpawner) sent() []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syscall.Signal(nil), s.signals...)
}

type fakeFinder map[string]string

func (f fakeFinder) Find(name string) (string, error) {
	if path, ok := f[name]; ok {
		return path, nil
	}
	return "", &runerr.ConfigurationError{Path: name, Reason: "executable not found", Err: exec.ErrNotFound}
}

// writeTool installs an executable shell script named tool.
func writeTool(t *testing.T, dir, tool, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh unavailable")
	}
	path := filepath.Join(dir, tool)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type harness struct {
	orch     *Orchestrator
	spawner  *scriptSpawner
	cfg      config.Config
	finder   fakeFinder
	binDir   string
	wsRoot   string
	dest     string
	elevator runner.Elevator
	observer events.Publisher
}

func newHarness(t *testing.T, script toolScript, tune func(*harness)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		spawner: &scriptSpawner{script: script},
		cfg:     config.Default(),
		binDir:  filepath.Join(root, "bin"),
		wsRoot:  filepath.Join(root, "workspaces"),
		dest:    filepath.Join(root, "out"),
		finder: fakeFinder{
			"dispcal":  "/opt/argyll/bin/dispcal",
			"dispread": "/opt/argyll/bin/dispread",
		},
	}
	require.NoError(t, os.MkdirAll(h.binDir, 0o750))
	require.NoError(t, os.MkdirAll(h.dest, 0o750))
	h.cfg.WorkspaceRoot = h.wsRoot
	h.cfg.InterruptGrace = 50 * time.Millisecond
	h.cfg.TerminateGrace = 50 * time.Millisecond
	if tune != nil {
		tune(h)
	}
	options := []Option{
		WithBuilder(command.NewBuilder(h.finder, nil)),
		WithFinder(h.finder),
		WithSpawner(h.spawner),
		WithSignaler(h.spawner),
	}
	if h.elevator != nil {
		options = append(options, WithElevator(h.elevator))
	}
	if h.observer != nil {
		options = append(options, WithObserver(h.observer))
	}
	h.orch = New(h.cfg, options...)
	return h
}

func (h *harness) request(mode run.Mode) run.Request {
	return run.Request{
		Mode:        mode,
		Options:     config.DefaultOptions(),
		Name:        "display",
		Destination: h.dest,
	}
}

func (h *harness) requireNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.wsRoot)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	require.Empty(t, entries, "workspace residue")
}

// collector records callbacks.
type collector struct {
	mu       sync.Mutex
	events   []events.Event
	progress []run.ProgressEvent
	prompts  chan run.PromptRequest
	onEvent  func(events.Event)
}

func newCollector() *collector {
	return &collector{prompts: make(chan run.PromptRequest, 16)}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p run.ProgressEvent) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.progress = append(c.progress, p)
		},
		OnPrompt: func(p run.PromptRequest) {
			c.prompts <- p
		},
		OnEvent: func(e events.Event) {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
			if c.onEvent != nil {
				c.onEvent(e)
			}
		},
	}
}

func (c *collector) nextPrompt(t *testing.T) run.PromptRequest {
	t.Helper()
	select {
	case p := <-c.prompts:
		return p
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no prompt delivered")
		return run.PromptRequest{}
	}
}

func (c *collector) ofType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) last() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func await(t *testing.T, handle *Handle) run.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := handle.Await(ctx)
	require.NoError(t, err, "run did not finish")
	return result
}

func continuePrompt(t *testing.T, handle *Handle, prompt run.PromptRequest) {
	t.Helper()
	require.NoError(t, handle.Respond(context.Background(), run.PromptResponse{ID: prompt.ID, Response: run.ResponseContinue}))
}

// placeThenWrite asks for instrument placement, then writes name and exits cleanly.
func placeThenWrite(name, content string) toolScript {
	return func(term *scriptTerm) int {
		term.say("Setting up the instrument\r\n")
		term.say(placementPrompt)
		if k, ok := term.key(); !ok || k == "\x1b" {
			return 1
		}
		term.writeFile(name, content)
		return 0
	}
}

func TestStartRejectsConfigurationErrorsBeforeAnyWorkspace(t *testing.T) {
	h := newHarness(t, placeThenWrite("display.cal", calDocument), nil)

	_, err := h.orch.Start(context.Background(), h.request(run.ModeVerify), Callbacks{})
	var cfgErr *runerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "calibration")

	bad := h.request(run.ModeCalibrate)
	bad.Name = "../escape"
	_, err = h.orch.Start(context.Background(), bad, Callbacks{})
	require.ErrorAs(t, err, &cfgErr)

	require.Zero(t, h.spawner.spawned())
	_, statErr := os.Stat(h.wsRoot)
	require.True(t, errors.Is(statErr, os.ErrNotExist), "workspace root was created")
}

func TestReadPatchesRetriesMisreadsAndCommitsMeasurements(t *testing.T) {
	script := func(term *scriptTerm) int {
		term.say("Setting up the instrument\r\n")
		term.say(placementPrompt)
		if _, ok := term.key(); !ok {
			return 1
		}
		term.say("\r\npatch 1 of 3\r\n")
		for i := 0; i < 2; i++ {
			term.say(misreadPrompt)
			if _, ok := term.key(); !ok {
				return 1
			}
		}
		term.say("\r\npatch 2 of 3\r\n")
		term.say("patch 3 of 3\r\n")
		term.writeFile("display.ti3", "CTI3\n")
		return 0
	}
	h := newHarness(t, script, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti1"), []byte("CTI1\n"), 0o600))

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeReadPatches), c.callbacks())
	require.NoError(t, err)

	prompt := c.nextPrompt(t)
	require.Equal(t, run.PromptInstrumentAction, prompt.Kind)
	require.Equal(t, "Place instrument on test window.", prompt.Message)
	continuePrompt(t, handle, prompt)

	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)
	require.NoError(t, result.Err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, 2, result.Retries)
	require.Equal(t, []string{
		filepath.Join(h.dest, "display.read.run.yaml"),
		filepath.Join(h.dest, "display.ti3"),
	}, result.Artifacts)

	require.Len(t, c.ofType(events.EventTypeMisreadRetry), 2)
	require.Len(t, c.ofType(events.EventTypeRetryCounterReset), 1)
	require.Len(t, c.ofType(events.EventTypeDisplayModeChanged), 1)
	require.GreaterOrEqual(t, len(c.progress), 3)
	require.Equal(t, events.EventTypeRunFinished, c.last().Type)
	require.Len(t, c.ofType(events.EventTypeRunFinished), 1)

	data, err := os.ReadFile(filepath.Join(h.dest, "display.read.run.yaml"))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, yaml.Unmarshal(data, &manifest))
	require.Equal(t, handle.RunID, manifest.RunID)
	require.Equal(t, "dispread", manifest.Tool)
	require.Equal(t, 2, manifest.Retries)
	require.Contains(t, manifest.Inputs, "display.ti1")
	require.Equal(t, []string{"display.ti3"}, manifest.Outputs)

	h.requireNoWorkspaces(t)
}

func TestRejectedInstrumentFlagIsDroppedForOneRespawn(t *testing.T) {
	script := func(term *scriptTerm) int {
		for _, arg := range term.args {
			if arg == "-N" {
				term.say("dispread: Error - new_disprd failed with 'Instrument Access Failed'\r\n")
				return 1
			}
		}
		return placeThenWrite("display.ti3", "CTI3\n")(term)
	}
	h := newHarness(t, script, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti1"), []byte("CTI1\n"), 0o600))
	req := h.request(run.ModeReadPatches)
	req.Options.ExtraArgs = map[string]string{"dispread": "-N"}

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), req, c.callbacks())
	require.NoError(t, err)
	continuePrompt(t, handle, c.nextPrompt(t))

	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)
	require.Equal(t, 2, h.spawner.spawned())
	argv := h.spawner.args()
	require.Contains(t, argv[0], "-N")
	require.NotContains(t, argv[1], "-N")
	for _, change := range c.ofType(events.EventTypeStateTransition) {
		require.NotEqual(t, string(state.Failed), change.Payload.(events.StateChange).To)
	}

	data, err := os.ReadFile(filepath.Join(h.dest, "display.read.run.yaml"))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, yaml.Unmarshal(data, &manifest))
	require.Contains(t, manifest.Suppressed, "-N")
	h.requireNoWorkspaces(t)
}

func TestRejectedFlagIsRespawnedOnlyOnce(t *testing.T) {
	script := func(term *scriptTerm) int {
		term.say("dispread: Error - new_disprd failed with 'Instrument Access Failed'\r\n")
		return 1
	}
	h := newHarness(t, script, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti1"), []byte("CTI1\n"), 0o600))
	req := h.request(run.ModeReadPatches)
	req.Options.ExtraArgs = map[string]string{"dispread": "-N"}

	handle, err := h.orch.Start(context.Background(), req, Callbacks{})
	require.NoError(t, err)
	result := await(t, handle)

	require.Equal(t, state.Failed, result.State)
	require.Equal(t, 1, result.ExitCode)
	require.Equal(t, 2, h.spawner.spawned())
	var fatal *runerr.FatalSubprocessError
	require.ErrorAs(t, result.Err, &fatal)
	require.Contains(t, fatal.Reason, "Instrument Access Failed")
	h.requireNoWorkspaces(t)
}

func TestCalibrateRecordsFlagsInCalibration(t *testing.T) {
	h := newHarness(t, placeThenWrite("display.cal", calDocument), nil)
	req := h.request(run.ModeCalibrate)
	spec, err := command.NewBuilder(h.finder, nil).Build(req)
	require.NoError(t, err)

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), req, c.callbacks())
	require.NoError(t, err)
	continuePrompt(t, handle, c.nextPrompt(t))

	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)

	doc, err := document.FileReader{}.Open(filepath.Join(h.dest, "display.cal"))
	require.NoError(t, err)
	got, ok := doc.QueryField(document.DispcalArgsField)
	require.True(t, ok)
	require.Equal(t, strings.Join(spec.Used.Flags, " "), got)
	h.requireNoWorkspaces(t)
}

func TestObserverSeesTheCallbackSequence(t *testing.T) {
	var mu sync.Mutex
	var observed []string
	h := newHarness(t, placeThenWrite("display.cal", calDocument), func(h *harness) {
		h.observer = events.PublisherFunc(func(e events.Event) {
			mu.Lock()
			observed = append(observed, e.Type)
			mu.Unlock()
		})
	})

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeCalibrate), c.callbacks())
	require.NoError(t, err)
	continuePrompt(t, handle, c.nextPrompt(t))
	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)

	c.mu.Lock()
	delivered := make([]string, 0, len(c.events))
	for _, e := range c.events {
		delivered = append(delivered, e.Type)
	}
	c.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, delivered, observed)
	require.Equal(t, events.EventTypeRunFinished, observed[len(observed)-1])
}

func TestCompletedWithoutExpectedOutputFails(t *testing.T) {
	h := newHarness(t, placeThenWrite("unrelated.txt", "x"), nil)

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeCalibrate), c.callbacks())
	require.NoError(t, err)
	continuePrompt(t, handle, c.nextPrompt(t))

	result := await(t, handle)
	require.Equal(t, state.Failed, result.State)
	var fatal *runerr.FatalSubprocessError
	require.ErrorAs(t, result.Err, &fatal)
	require.Contains(t, fatal.Reason, "display.cal")
	require.Empty(t, result.Artifacts)

	entries, err := os.ReadDir(h.dest)
	require.NoError(t, err)
	require.Empty(t, entries)
	h.requireNoWorkspaces(t)
}

func TestCancelEscalatesWhenToolIgnoresEscape(t *testing.T) {
	stubborn := func(term *scriptTerm) int {
		term.say("Setting up the instrument\r\n")
		for {
			if _, ok := term.key(); !ok {
				return 137
			}
		}
	}
	h := newHarness(t, stubborn, nil)

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeCalibrate), c.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.ofType(events.EventTypeOutputLine)) > 0 },
		5*time.Second, 5*time.Millisecond)

	started := time.Now()
	handle.Cancel()
	handle.Cancel()
	result := await(t, handle)

	require.Equal(t, state.Cancelled, result.State)
	require.Equal(t, run.ExitCodeCancelled, result.ExitCode)
	require.True(t, runerr.IsCancelled(result.Err))
	require.True(t, result.Cancelled())
	require.Less(t, time.Since(started), 5*time.Second)
	require.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, h.spawner.sent())
	require.Empty(t, result.Artifacts)
	require.Equal(t, events.EventTypeRunFinished, c.last().Type)
	h.requireNoWorkspaces(t)

	handle.Cancel()
}

func TestRunsAreSerialized(t *testing.T) {
	h := newHarness(t, placeThenWrite("display.cal", calDocument), nil)

	first := newCollector()
	a, err := h.orch.Start(context.Background(), h.request(run.ModeCalibrate), first.callbacks())
	require.NoError(t, err)
	promptA := first.nextPrompt(t)

	second := newCollector()
	b, err := h.orch.Start(context.Background(), h.request(run.ModeCalibrate), second.callbacks())
	require.NoError(t, err)
	require.NotEqual(t, a.RunID, b.RunID)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.spawner.spawned(), "second run started while the first was active")

	continuePrompt(t, a, promptA)
	require.Equal(t, state.Completed, await(t, a).State)

	continuePrompt(t, b, second.nextPrompt(t))
	require.Equal(t, state.Completed, await(t, b).State)
	require.Equal(t, 2, h.spawner.spawned())
	h.requireNoWorkspaces(t)
}

func TestNoWorkspaceResidueInAnyMode(t *testing.T) {
	h := newHarness(t, placeThenWrite("display.cal", calDocument), func(h *harness) {
		h.finder["targen"] = writeTool(t, h.binDir, "targen", `for a; do last=$a; done; printf 'CTI1\n' > "$last.ti1"`)
		h.finder["colprof"] = writeTool(t, h.binDir, "colprof", `echo "colprof: Error - not enough patches" >&2; exit 1`)
		h.finder["dispwin"] = writeTool(t, h.binDir, "dispwin", `echo installed`)
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti3"), []byte("CTI3\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.icc"), []byte("icc"), 0o600))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name      string
		ctx       context.Context
		mode      run.Mode
		want      state.State
		artifacts []string
	}{
		{name: "chart", ctx: context.Background(), mode: run.ModeGenerateChart, want: state.Completed,
			artifacts: []string{"display.chart.run.yaml", "display.ti1"}},
		{name: "profile failure", ctx: context.Background(), mode: run.ModeBuildProfile, want: state.Failed},
		{name: "install for user", ctx: context.Background(), mode: run.ModeInstallProfile, want: state.Completed,
			artifacts: []string{"display.install.run.yaml"}},
		{name: "calibrate cancelled before start", ctx: cancelled, mode: run.ModeCalibrate, want: state.Cancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := h.request(tc.mode)
			req.Options.InstallScope = "u"
			handle, err := h.orch.Start(tc.ctx, req, Callbacks{})
			require.NoError(t, err)
			result := await(t, handle)
			require.Equal(t, tc.want, result.State, "err: %v", result.Err)

			var names []string
			for _, path := range result.Artifacts {
				names = append(names, filepath.Base(path))
			}
			if tc.artifacts == nil {
				require.Empty(t, names)
			} else {
				require.Equal(t, tc.artifacts, names)
			}
			h.requireNoWorkspaces(t)
		})
	}

	require.Zero(t, h.spawner.spawned())
}

func TestBuiltProfileCarriesGamut(t *testing.T) {
	refDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "sRGB.gam"), []byte("GAM sRGB"), 0o600))

	h := newHarness(t, nil, func(h *harness) {
		h.cfg.ReferenceDir = refDir
		h.finder["colprof"] = writeTool(t, h.binDir, "colprof", `for a; do last=$a; done; printf 'icc' > "$last.icc"`)
		h.finder["iccgamut"] = writeTool(t, h.binDir, "iccgamut", `for a; do last=$a; done
base=${last%.*}
printf 'GAM' > "$base.gam"
[ "$1" = -v ] || exit 0
printf 'VRML' > "$base.wrl"
echo "Total volume of gamut is 1000000.000000 cubic colorspace units"`)
		h.finder["viewgam"] = writeTool(t, h.binDir, "viewgam", `for a; do last=$a; done
printf 'VIEW' > "$last"
echo "'$4' volume = 833675.4 cubic units, intersect = 95.50%"`)
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti3"), []byte("CTI3\n"), 0o600))

	handle, err := h.orch.Start(context.Background(), h.request(run.ModeBuildProfile), Callbacks{})
	require.NoError(t, err)
	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)

	require.NotNil(t, result.Gamut)
	require.InDelta(t, 1000000/833675.435316, result.Gamut.Volume, 1e-9)
	require.InDelta(t, 0.955, result.Gamut.Coverage["srgb"], 1e-9)

	var names []string
	for _, path := range result.Artifacts {
		names = append(names, filepath.Base(path))
	}
	require.Subset(t, names, []string{
		"display vs sRGB.wrz", "display.gam.gz", "display.icc", "display.profile.run.yaml", "display.wrz",
	})
	for _, name := range names {
		require.False(t, strings.HasSuffix(name, ".gam") || strings.HasSuffix(name, ".wrl"), "uncompressed %s", name)
	}

	data, err := os.ReadFile(filepath.Join(h.dest, ManifestName("display", run.ModeBuildProfile)))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, yaml.Unmarshal(data, &manifest))
	require.NotNil(t, manifest.Gamut)
	require.InDelta(t, 0.955, manifest.Gamut.Coverage["srgb"], 1e-9)
	h.requireNoWorkspaces(t)
}

func TestFailedToolReportsTail(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.finder["colprof"] = writeTool(t, h.binDir, "colprof", `echo reading; echo "colprof: Error - not enough patches" >&2; exit 1`)
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti3"), []byte("CTI3\n"), 0o600))

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeBuildProfile), c.callbacks())
	require.NoError(t, err)
	result := await(t, handle)

	require.Equal(t, state.Failed, result.State)
	require.Equal(t, 1, result.ExitCode)
	require.Contains(t, result.Tail, "reading")
	var fatal *runerr.FatalSubprocessError
	require.ErrorAs(t, result.Err, &fatal)
	require.Equal(t, "colprof: Error - not enough patches", fatal.Reason)

	transitions := c.ofType(events.EventTypeStateTransition)
	require.Len(t, transitions, 1)
	require.Equal(t, string(state.Failed), transitions[0].Payload.(events.StateChange).To)
	finished := c.last()
	require.Equal(t, events.EventTypeRunFinished, finished.Type)
	require.Equal(t, events.SeverityError, finished.Severity)
}

type passthroughElevator struct {
	*elevate.Elevator
}

func (passthroughElevator) Wrap(spec command.Spec, _ elevate.Credential) command.Spec {
	return spec
}

func TestInstallForAllUsersAsksForPassword(t *testing.T) {
	sudo := elevate.CommandRunnerFunc(func(_ context.Context, argv []string, stdin []byte) (int, error) {
		if string(stdin) == "pw\n" {
			return 0, nil
		}
		return 1, nil
	})
	h := newHarness(t, nil, func(h *harness) {
		h.finder["dispwin"] = writeTool(t, h.binDir, "dispwin", `read secret; [ "$secret" = pw ] || exit 1; echo installed`)
		h.elevator = passthroughElevator{Elevator: elevate.New(elevate.WithCommandRunner(sudo))}
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.icc"), []byte("icc"), 0o600))
	req := h.request(run.ModeInstallProfile)
	req.Options.InstallScope = "l"

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), req, c.callbacks())
	require.NoError(t, err)

	first := c.nextPrompt(t)
	require.Equal(t, run.PromptCredential, first.Kind)
	require.Error(t, handle.Respond(context.Background(), run.PromptResponse{ID: "unknown", Response: run.ResponseContinue}))
	require.NoError(t, handle.Respond(context.Background(), run.PromptResponse{ID: first.ID, Response: run.ResponseContinue, Secret: []byte("wrong")}))

	second := c.nextPrompt(t)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "Password not accepted, try again", second.Message)
	require.NoError(t, handle.Respond(context.Background(), run.PromptResponse{ID: second.ID, Response: run.ResponseContinue, Secret: []byte("pw")}))

	result := await(t, handle)
	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)
	require.Equal(t, []string{filepath.Join(h.dest, "display.install.run.yaml")}, result.Artifacts)
	for _, e := range c.ofType(events.EventTypeOutputLine) {
		require.NotContains(t, e.Payload.(string), "pw")
	}
	h.requireNoWorkspaces(t)
}

func TestCancelledPasswordPromptCancelsInstall(t *testing.T) {
	sudo := elevate.CommandRunnerFunc(func(context.Context, []string, []byte) (int, error) { return 1, nil })
	h := newHarness(t, nil, func(h *harness) {
		h.finder["dispwin"] = writeTool(t, h.binDir, "dispwin", `echo installed`)
		h.elevator = passthroughElevator{Elevator: elevate.New(elevate.WithCommandRunner(sudo))}
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.icc"), []byte("icc"), 0o600))
	req := h.request(run.ModeInstallProfile)
	req.Options.InstallScope = "n"

	c := newCollector()
	handle, err := h.orch.Start(context.Background(), req, c.callbacks())
	require.NoError(t, err)
	prompt := c.nextPrompt(t)
	require.NoError(t, handle.Respond(context.Background(), run.PromptResponse{ID: prompt.ID, Response: run.ResponseCancel}))

	result := await(t, handle)
	require.Equal(t, state.Cancelled, result.State)
	require.Equal(t, run.ExitCodeCancelled, result.ExitCode)
	var privilege *runerr.PrivilegeError
	require.ErrorAs(t, result.Err, &privilege)
	require.True(t, privilege.Cancelled)
}

func TestSlowCallbackIsReported(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.cfg.CallbackWarnAfter = 20 * time.Millisecond
		h.finder["targen"] = writeTool(t, h.binDir, "targen", `echo generating; sleep 0.3; for a; do last=$a; done; printf 'CTI1\n' > "$last.ti1"`)
	})

	c := newCollector()
	var once sync.Once
	c.onEvent = func(events.Event) {
		once.Do(func() { time.Sleep(100 * time.Millisecond) })
	}
	handle, err := h.orch.Start(context.Background(), h.request(run.ModeGenerateChart), c.callbacks())
	require.NoError(t, err)
	result := await(t, handle)

	require.Equal(t, state.Completed, result.State, "err: %v", result.Err)
	slow := c.ofType(events.EventTypeCallbackSlow)
	require.NotEmpty(t, slow)
	require.Equal(t, events.SeverityWarn, slow[0].Severity)
	require.Equal(t, events.EventTypeRunFinished, c.last().Type)
}

func TestSendKeysToNonInteractiveToolOnlyCancels(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.finder["colprof"] = writeTool(t, h.binDir, "colprof", `echo started; sleep 30`)
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "display.ti3"), []byte("CTI3\n"), 0o600))

	handle, err := h.orch.Start(context.Background(), h.request(run.ModeBuildProfile), Callbacks{})
	require.NoError(t, err)
	require.Error(t, handle.SendKeys(context.Background(), " "))
	require.NoError(t, handle.SendKeys(context.Background(), "q"))

	result := await(t, handle)
	require.Equal(t, state.Cancelled, result.State)
	h.requireNoWorkspaces(t)
}
