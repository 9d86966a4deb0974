package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/orchestrator"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/state"
	"github.com/colorkit/calrun/internal/ui"
)

const defaultSummaryWidth = 80

var (
	newOrchestratorFn = func(cfg config.Config, logger *log.Logger, observer events.Publisher) *orchestrator.Orchestrator {
		return orchestrator.New(cfg, orchestrator.WithLogger(logger), orchestrator.WithObserver(observer))
	}
	isTerminalFn = func(in io.Reader, out io.Writer) bool {
		inFile, ok := in.(*os.File)
		if !ok || !term.IsTerminal(int(inFile.Fd())) {
			return false
		}
		outFile, ok := out.(*os.File)
		return ok && term.IsTerminal(int(outFile.Fd()))
	}
	terminalWidthFn = func(out io.Writer) int {
		if f, ok := out.(*os.File); ok {
			if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
				return width
			}
		}
		return defaultSummaryWidth
	}
)

type modeFlags struct {
	dest           string
	source         string
	display        int
	instrument     int
	instrumentName string
	yes            bool
	verbose        bool
	options        config.Options
}

func newModeCommand(cfg *config.Config, logger *log.Logger, mode run.Mode, short string) *cobra.Command {
	flags := &modeFlags{}
	if cfg != nil {
		flags.options = cfg.Options.Clone()
	}

	cmd := &cobra.Command{
		Use:   string(mode) + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(mode, args[0])
			if err != nil {
				return err
			}
			return executeRun(cmd, *cfg, logger, req, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.dest, "dest", "", "directory receiving the artifacts (default: current directory)")
	f.StringVar(&flags.source, "source", "", "directory holding input documents (default: --dest)")
	f.IntVarP(&flags.display, "display", "d", 0, "display number, 0 lets the tool choose")
	f.IntVarP(&flags.instrument, "instrument", "c", 0, "instrument port number, 0 lets the tool choose")
	f.StringVar(&flags.instrumentName, "instrument-name", "", "instrument model, used to pick correction defaults")
	f.BoolVarP(&flags.yes, "yes", "y", false, "continue instrument prompts automatically when not attached to a terminal")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "print tool output lines")
	bindOptionFlags(cmd, &flags.options)
	return cmd
}

// bindOptionFlags exposes config.Options. Defaults are the loaded config,
// so an option only changes when its flag is given.
func bindOptionFlags(cmd *cobra.Command, opts *config.Options) {
	f := cmd.Flags()
	f.StringVarP(&opts.Quality, "quality", "q", opts.Quality, "speed/quality: v, l, m, h or u")
	f.StringVar(&opts.MeasurementMode, "measurement-mode", opts.MeasurementMode, "instrument display type")
	f.BoolVar(&opts.Projector, "projector", opts.Projector, "use projector measurement mode")
	f.BoolVar(&opts.AdaptiveMode, "adaptive", opts.AdaptiveMode, "use adaptive integration time")
	f.BoolVar(&opts.HighResolution, "high-res", opts.HighResolution, "use high resolution spectral mode")
	f.StringVar(&opts.DriftCompensation, "drift", opts.DriftCompensation, "drift compensation: b, w or bw")
	f.StringVar(&opts.CorrectionMatrix, "ccmx", opts.CorrectionMatrix, "colorimeter correction file")
	f.StringVar(&opts.Whitepoint, "whitepoint", opts.Whitepoint, "target whitepoint: a temperature, x,y or a daylight/blackbody preset")
	f.Float64Var(&opts.Luminance, "luminance", opts.Luminance, "target white luminance in cd/m²")
	f.Float64Var(&opts.BlackLuminance, "black-luminance", opts.BlackLuminance, "target black luminance in cd/m²")
	f.StringVar(&opts.TRC, "trc", opts.TRC, "tone curve: a gamma value or l, s, 709, 240")
	f.StringVar(&opts.TRCType, "trc-type", opts.TRCType, "gamma type: g (relative) or G (technical)")
	f.Float64Var(&opts.AmbientLux, "ambient", opts.AmbientLux, "ambient light in lux")
	f.BoolVar(&opts.SkipAdjustment, "skip-adjustment", opts.SkipAdjustment, "skip the interactive display adjustment")
	f.StringVar(&opts.ProfileType, "profile-type", opts.ProfileType, "profile type passed to colprof -a")
	f.StringVar(&opts.Copyright, "copyright", opts.Copyright, "profile copyright string")
	f.StringVar(&opts.Description, "description", opts.Description, "profile description")
	f.IntVar(&opts.ChartPatches, "patches", opts.ChartPatches, "total chart patches")
	f.StringVar(&opts.InstallScope, "scope", opts.InstallScope, "install scope: u (user), l (all users), n, p")
	f.StringToStringVar(&opts.ExtraArgs, "extra-arg", opts.ExtraArgs, "extra tool arguments as tool=args, repeatable")
}

func (f *modeFlags) request(mode run.Mode, name string) (run.Request, error) {
	dest := strings.TrimSpace(f.dest)
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return run.Request{}, fmt.Errorf("resolve current directory: %w", err)
		}
		dest = wd
	}
	return run.Request{
		Mode:           mode,
		Options:        f.options.Clone(),
		Display:        f.display,
		Instrument:     f.instrument,
		InstrumentName: strings.TrimSpace(f.instrumentName),
		Name:           strings.TrimSpace(name),
		Source:         strings.TrimSpace(f.source),
		Destination:    dest,
	}, nil
}

func executeRun(cmd *cobra.Command, cfg config.Config, logger *log.Logger, req run.Request, flags *modeFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	journal := events.NewBus(events.WithDropLogger(logger))
	journal.Subscribe("log", logging.Journal(logger))
	defer journal.Close()

	orch := newOrchestratorFn(cfg, logger, journal)
	out := cmd.OutOrStdout()

	var (
		result run.Result
		err    error
	)
	if isTerminalFn(cmd.InOrStdin(), out) {
		result, err = runLive(ctx, orch, req, cmd.InOrStdin(), out)
	} else {
		result, err = runPlain(ctx, orch, req, out, flags, logger)
	}
	if err != nil {
		return err
	}
	return resultError(result)
}

func resultError(result run.Result) error {
	switch result.State {
	case state.Completed:
		return nil
	case state.Cancelled:
		return runerr.ErrCancelled
	}
	if result.Err != nil {
		return result.Err
	}
	return fmt.Errorf("%s run ended %s", result.Mode, result.State)
}

func runLive(ctx context.Context, orch *orchestrator.Orchestrator, req run.Request, in io.Reader, out io.Writer) (run.Result, error) {
	ref := newHandleRef()
	view := ui.NewRunView(fmt.Sprintf("%s %s", req.Mode, req.Name), ref)
	program := tea.NewProgram(view, tea.WithInput(in), tea.WithOutput(out))

	handle, err := orch.Start(ctx, req, orchestrator.Callbacks{
		OnEvent: func(event events.Event) {
			program.Send(ui.EventMsg{Event: event})
		},
	})
	if err != nil {
		ref.fail()
		return run.Result{}, err
	}
	ref.set(handle)

	if _, err := program.Run(); err != nil {
		handle.Cancel()
	}
	result, err := handle.Await(context.Background())
	if err != nil {
		return run.Result{}, err
	}
	fmt.Fprint(out, ui.RenderSummary(result, terminalWidthFn(out)))
	return result, nil
}

func runPlain(
	ctx context.Context,
	orch *orchestrator.Orchestrator,
	req run.Request,
	out io.Writer,
	flags *modeFlags,
	logger *log.Logger,
) (run.Result, error) {
	ref := newHandleRef()
	printer := ui.NewPrinter(out, flags.verbose)

	handle, err := orch.Start(ctx, req, orchestrator.Callbacks{
		OnPrompt: func(request run.PromptRequest) {
			response := run.PromptResponse{ID: request.ID, Response: run.ResponseCancel}
			switch {
			case request.Kind == run.PromptCredential:
				fmt.Fprintln(out, "password prompts need a terminal, cancelling")
			case flags.yes:
				response.Response = run.ResponseContinue
			default:
				fmt.Fprintln(out, "no terminal attached, cancelling (use --yes to continue prompts automatically)")
			}
			go func() {
				if err := ref.Respond(ctx, response); err != nil {
					logger.Warn("prompt response rejected", "prompt_id", response.ID, "error", err)
				}
			}()
		},
		OnEvent: printer.Handle,
	})
	if err != nil {
		ref.fail()
		return run.Result{}, err
	}
	ref.set(handle)

	result, err := handle.Await(context.Background())
	if err != nil {
		return run.Result{}, err
	}
	printer.Summary(result)
	return result, nil
}

// handleRef lets callbacks and the view reach a Handle that Start has not
// returned yet.
type handleRef struct {
	ready  chan struct{}
	once   sync.Once
	handle *orchestrator.Handle
}

func newHandleRef() *handleRef {
	return &handleRef{ready: make(chan struct{})}
}

func (r *handleRef) set(handle *orchestrator.Handle) {
	r.once.Do(func() {
		r.handle = handle
		close(r.ready)
	})
}

func (r *handleRef) fail() {
	r.set(nil)
}

func (r *handleRef) Respond(ctx context.Context, response run.PromptResponse) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.handle == nil {
		return errors.New("run did not start")
	}
	return r.handle.Respond(ctx, response)
}

func (r *handleRef) Cancel() {
	select {
	case <-r.ready:
		if r.handle != nil {
			r.handle.Cancel()
		}
	default:
		go func() {
			<-r.ready
			if r.handle != nil {
				r.handle.Cancel()
			}
		}()
	}
}
