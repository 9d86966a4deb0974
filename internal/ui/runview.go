package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/state"
)

const (
	outputLinesKept = 6
	noticesKept     = 3
	formWidth       = 60
)

// Controller is the part of a running orchestration the view talks back to.
type Controller interface {
	Respond(ctx context.Context, response run.PromptResponse) error
	Cancel()
}

// EventMsg carries one orchestrator event into the program.
type EventMsg struct {
	Event events.Event
}

type frameMsg time.Time

type respondedMsg struct {
	id  string
	err error
}

// RunView is the bubbletea model for one run.
type RunView struct {
	title      string
	controller Controller
	width      int

	current  state.State
	progress run.ProgressEvent
	smoother *Smoother
	animate  bool
	passive  bool

	output  []string
	notices []string
	retries int

	prompt   *run.PromptRequest
	form     *huh.Form
	proceed  bool
	secret   string
	stopping bool

	result *run.Result
}

// NewRunView returns a view titled with the run description.
func NewRunView(title string, controller Controller) *RunView {
	return &RunView{
		title:      strings.TrimSpace(title),
		controller: controller,
		current:    state.Starting,
		smoother:   NewSmoother(),
	}
}

// Result is the run outcome, once RunFinished has been seen.
func (m *RunView) Result() (run.Result, bool) {
	if m.result == nil {
		return run.Result{}, false
	}
	return *m.result, true
}

// Init implements tea.Model.
func (m *RunView) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *RunView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if m.form != nil {
			m.form = m.form.WithWidth(min(formWidth, max(20, msg.Width-4)))
		}
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, m.cancel()
		}
		if m.form == nil {
			switch msg.String() {
			case "esc", "q":
				return m, m.cancel()
			}
			return m, nil
		}
		return m.updateForm(msg)
	case EventMsg:
		return m.handleEvent(msg.Event)
	case frameMsg:
		m.smoother.Step()
		if m.smoother.Settled() {
			m.animate = false
			return m, nil
		}
		return m, frame()
	case respondedMsg:
		if msg.err != nil {
			m.note(ErrorStyle.Render(IconFailed) + " " + msg.err.Error())
		}
		return m, nil
	}

	if m.form != nil {
		return m.updateForm(msg)
	}
	return m, nil
}

func (m *RunView) handleEvent(event events.Event) (tea.Model, tea.Cmd) {
	switch event.Type {
	case events.EventTypeStateTransition:
		if change, ok := event.Payload.(events.StateChange); ok {
			m.current = state.State(change.To)
		}
	case events.EventTypeProgressUpdate:
		ev, ok := event.Payload.(run.ProgressEvent)
		if !ok {
			return m, nil
		}
		m.progress = ev
		if ev.Indeterminate() {
			return m, nil
		}
		m.smoother.SetTarget(*ev.Percentage / 100)
		if !m.animate {
			m.animate = true
			return m, frame()
		}
	case events.EventTypePromptRequested:
		if request, ok := event.Payload.(run.PromptRequest); ok {
			return m, m.ask(request)
		}
	case events.EventTypeMisreadRetry:
		if retry, ok := event.Payload.(events.Retry); ok {
			m.retries++
			m.note(WarningStyle.Render(IconRetry) + " " + fmt.Sprintf("patch %d misread (attempt %d): %s", retry.Patch, retry.Count, retry.Message))
		}
	case events.EventTypeRetryCounterReset:
		if reset, ok := event.Payload.(events.RetryReset); ok {
			m.note(SuccessStyle.Render(IconDone) + " " + fmt.Sprintf("patch %d read after %d retries", reset.Patch, reset.Previous))
		}
	case events.EventTypeDisplayModeChanged:
		if mode, ok := event.Payload.(events.DisplayMode); ok && mode.Passive {
			m.passive = true
			m.output = nil
		}
	case events.EventTypeOutputLine:
		if line, ok := event.Payload.(string); ok && !m.passive {
			m.output = appendCapped(m.output, line, outputLinesKept)
		}
	case events.EventTypeCallbackSlow:
		m.note(MutedStyle.Render("display fell behind"))
	case events.EventTypeRunFinished:
		if result, ok := event.Payload.(run.Result); ok {
			m.result = &result
			m.current = result.State
		}
		m.clearPrompt()
		if m.current == state.Completed {
			m.smoother.SetTarget(1)
		}
		m.smoother.Snap()
		return m, tea.Quit
	}
	return m, nil
}

func (m *RunView) ask(request run.PromptRequest) tea.Cmd {
	m.prompt = &request
	m.proceed = true
	m.secret = ""

	var field huh.Field
	switch request.Kind {
	case run.PromptCredential:
		field = huh.NewInput().
			Title(request.Message).
			EchoMode(huh.EchoModePassword).
			Value(&m.secret)
	default:
		field = huh.NewConfirm().
			Title(request.Message).
			Affirmative("Continue").
			Negative("Cancel").
			Value(&m.proceed)
	}
	width := formWidth
	if m.width > 0 {
		width = min(formWidth, max(20, m.width-4))
	}
	m.form = huh.NewForm(huh.NewGroup(field)).
		WithShowHelp(false).
		WithShowErrors(false).
		WithWidth(width)
	return m.form.Init()
}

func (m *RunView) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	model, cmd := m.form.Update(msg)
	if form, ok := model.(*huh.Form); ok {
		m.form = form
	}
	switch m.form.State {
	case huh.StateCompleted:
		response := PromptAnswer(*m.prompt, m.proceed, m.secret)
		m.clearPrompt()
		return m, m.respond(response)
	case huh.StateAborted:
		response := PromptAnswer(*m.prompt, false, "")
		m.clearPrompt()
		return m, m.respond(response)
	}
	return m, cmd
}

// PromptAnswer turns a form result into the response for request.
func PromptAnswer(request run.PromptRequest, proceed bool, secret string) run.PromptResponse {
	response := run.PromptResponse{ID: request.ID, Response: run.ResponseCancel}
	if !proceed {
		return response
	}
	response.Response = run.ResponseContinue
	if request.Kind == run.PromptCredential {
		response.Secret = []byte(secret)
	}
	return response
}

func (m *RunView) respond(response run.PromptResponse) tea.Cmd {
	controller := m.controller
	return func() tea.Msg {
		if controller == nil {
			return respondedMsg{id: response.ID}
		}
		return respondedMsg{id: response.ID, err: controller.Respond(context.Background(), response)}
	}
}

func (m *RunView) cancel() tea.Cmd {
	if m.stopping || m.result != nil {
		return nil
	}
	m.stopping = true
	m.clearPrompt()
	if m.controller != nil {
		m.controller.Cancel()
	}
	return nil
}

func (m *RunView) clearPrompt() {
	m.prompt = nil
	m.form = nil
	m.secret = ""
}

func (m *RunView) note(text string) {
	m.notices = appendCapped(m.notices, text, noticesKept)
}

// View implements tea.Model.
func (m *RunView) View() string {
	var sections []string

	header := TitleStyle.Render(m.title)
	if header != "" {
		header += "  "
	}
	sections = append(sections, header+RenderStateBadge(m.current))

	barWidth := defaultBarWidth
	if m.width > 0 {
		barWidth = min(60, max(10, m.width-30))
	}
	if bar := RenderProgressBar(BarConfig{
		Event: m.progress,
		Fill:  m.smoother.Position(),
		Width: barWidth,
		Done:  m.current == state.Completed,
	}); bar != "" {
		sections = append(sections, bar)
	}
	if m.retries > 0 {
		sections = append(sections, WarningStyle.Render(fmt.Sprintf("misread retries: %d", m.retries)))
	}
	sections = append(sections, m.notices...)

	if m.form != nil {
		sections = append(sections, PromptBorder.Render(strings.TrimSpace(m.form.View())))
	}

	for _, line := range m.output {
		sections = append(sections, faint(line))
	}

	switch {
	case m.result != nil:
	case m.stopping:
		sections = append(sections, MutedStyle.Render("stopping..."))
	default:
		sections = append(sections, MutedStyle.Render("ctrl+c cancel"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func frame() tea.Cmd {
	return tea.Tick(FrameInterval, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func appendCapped(lines []string, line string, limit int) []string {
	lines = append(lines, line)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}
