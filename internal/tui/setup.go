package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned by Run when the user leaves the form.
var ErrCancelled = errors.New("tui: setup cancelled")

// SubmitFunc sends the form values to the running flow and returns its next result.
type SubmitFunc func(ctx context.Context, input map[string]string) (*flow.Result, error)

type submitDoneMsg struct {
	result *flow.Result
	err    error
}

type setupModel struct {
	ctx    context.Context
	submit SubmitFunc
	hook   *LogHook

	// cancelSubmit cancels the submission in flight, if any.
	cancelSubmit context.CancelFunc

	fields  []flow.Field
	inputs  []textinput.Model
	focus   int
	spinner spinner.Model

	errText   string
	busy      bool
	done      bool
	cancelled bool
	final     *flow.Result
	err       error
	width     int
}

func newSetupModel(ctx context.Context, first *flow.Result, submit SubmitFunc, hook *LogHook) setupModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	m := setupModel{
		ctx:     ctx,
		submit:  submit,
		hook:    hook,
		spinner: sp,
		width:   80,
	}
	m.applyForm(first)
	return m
}

// applyForm rebuilds the inputs from a form result, keeping the pre-filled
// values and translating the base error.
func (m *setupModel) applyForm(res *flow.Result) {
	m.fields = append([]flow.Field(nil), res.Schema...)
	m.inputs = make([]textinput.Model, len(m.fields))
	for i, field := range m.fields {
		ti := textinput.New()
		ti.Placeholder = T("field_" + field.Name)
		ti.CharLimit = 512
		if field.Type == flow.FieldTypePassword {
			ti.EchoMode = textinput.EchoPassword
			ti.EchoCharacter = '*'
		}
		ti.SetValue(field.Default)
		m.inputs[i] = ti
	}
	m.focus = 0
	if len(m.inputs) > 0 {
		m.inputs[0].Focus()
	}

	m.errText = ""
	if code := res.Errors["base"]; code != "" {
		m.errText = T("error_" + code)
	}
}

func (m setupModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case submitDoneMsg:
		m.busy = false
		if m.cancelSubmit != nil {
			m.cancelSubmit()
			m.cancelSubmit = nil
		}
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		switch msg.result.Type {
		case flow.ResultTypeForm:
			m.applyForm(msg.result)
			return m, textinput.Blink
		default:
			m.final = msg.result
			m.done = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.cancelSubmit != nil {
				m.cancelSubmit()
				m.cancelSubmit = nil
			}
			m.cancelled = true
			return m, tea.Quit
		}
		if m.busy {
			return m, nil
		}
		switch msg.String() {
		case "ctrl+l":
			ToggleLocale()
			for i := range m.inputs {
				m.inputs[i].Placeholder = T("field_" + m.fields[i].Name)
			}
			return m, nil
		case "tab", "down":
			m.moveFocus(1)
			return m, nil
		case "shift+tab", "up":
			m.moveFocus(-1)
			return m, nil
		case "enter":
			return m.trySubmit()
		}
	}

	if len(m.inputs) == 0 {
		return m, nil
	}
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m *setupModel) moveFocus(delta int) {
	if len(m.inputs) < 2 {
		return
	}
	m.inputs[m.focus].Blur()
	m.focus = (m.focus + delta + len(m.inputs)) % len(m.inputs)
	m.inputs[m.focus].Focus()
}

func (m setupModel) trySubmit() (tea.Model, tea.Cmd) {
	values := make(map[string]string, len(m.inputs))
	for i, field := range m.fields {
		value := strings.TrimSpace(m.inputs[i].Value())
		if field.Required && value == "" {
			m.errText = T("token_required")
			return m, nil
		}
		values[field.Name] = value
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelSubmit = cancel
	m.busy = true
	m.errText = ""
	return m, tea.Batch(m.spinner.Tick, m.doSubmit(ctx, values))
}

func (m setupModel) doSubmit(ctx context.Context, values map[string]string) tea.Cmd {
	submit := m.submit
	return func() tea.Msg {
		res, err := submit(ctx, values)
		return submitDoneMsg{result: res, err: err}
	}
}

func (m setupModel) View() string {
	if m.done {
		return m.finalView()
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(T("setup_title")))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render(T("setup_subtitle")))
	sb.WriteString("\n\n")

	var form strings.Builder
	for i, field := range m.fields {
		form.WriteString(labelStyle.Render(T("field_" + field.Name)))
		form.WriteString("\n")
		form.WriteString(m.inputs[i].View())
		if i < len(m.fields)-1 {
			form.WriteString("\n\n")
		}
	}
	boxWidth := m.width - 4
	if boxWidth < 40 {
		boxWidth = 40
	}
	sb.WriteString(sectionStyle.Width(boxWidth).Render(form.String()))
	sb.WriteString("\n")

	switch {
	case m.busy:
		sb.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), T("validating")))
	case m.errText != "":
		sb.WriteString(errorStyle.Render("✗ "+m.errText) + "\n")
	}

	if m.hook != nil {
		if lines := m.hook.Lines(); len(lines) > 0 {
			sb.WriteString("\n" + helpStyle.Render(T("recent_logs")) + "\n")
			for _, line := range lines {
				sb.WriteString(logLevelStyle(line.Level).Render(fmt.Sprintf("[%s] %s", line.Level, line.Message)))
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n" + helpStyle.Render(T("setup_help")) + "\n")
	return sb.String()
}

func (m setupModel) finalView() string {
	switch {
	case m.err != nil:
		return errorStyle.Render("✗ "+m.err.Error()) + "\n"
	case m.final == nil:
		return ""
	case m.final.Type == flow.ResultTypeCreateEntry:
		lines := []string{successStyle.Render(fmt.Sprintf(T("entry_created"), m.final.Title))}
		if m.final.Entry != nil {
			lines = append(lines, helpStyle.Render(fmt.Sprintf(T("entry_saved"), m.final.Entry.EntryID)))
		}
		return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
	default:
		return warningStyle.Render(abortMessage(m.final.Reason)) + "\n"
	}
}

func abortMessage(reason string) string {
	if msg := T("abort_" + reason); msg != "abort_"+reason {
		return msg
	}
	return reason
}

// Run shows first and keeps submitting the form until the flow finishes. It
// returns the terminal create_entry or abort result, or ErrCancelled when the
// user leaves the form. Leaving the form cancels the context of a submission
// still in flight.
func Run(ctx context.Context, first *flow.Result, submit SubmitFunc, hook *LogHook, output io.Writer) (*flow.Result, error) {
	if first == nil || first.Type != flow.ResultTypeForm {
		return first, nil
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if output != nil {
		opts = append(opts, tea.WithOutput(output))
	}
	p := tea.NewProgram(newSetupModel(ctx, first, submit, hook), opts...)
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("tui: %w", err)
	}
	m, ok := final.(setupModel)
	if !ok {
		return nil, fmt.Errorf("tui: unexpected model %T", final)
	}
	if m.cancelSubmit != nil {
		m.cancelSubmit()
	}
	if m.cancelled {
		return nil, ErrCancelled
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.final, nil
}

// Print writes a terminal result the way the form renders it, for
// non-interactive setup.
func Print(w io.Writer, res *flow.Result) {
	m := setupModel{done: true, final: res}
	_, _ = io.WriteString(w, m.finalView())
}

// FormError returns the translated base error of a form result, or "".
func FormError(res *flow.Result) string {
	if res == nil {
		return ""
	}
	if code := res.Errors["base"]; code != "" {
		return T("error_" + code)
	}
	return ""
}
