// Package ui is the terminal chat view. It renders store snapshots and turns
// key presses into session operations; it never writes to the store itself.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/rs/zerolog/log"
)

// Actions are the session operations the view can trigger.
type Actions interface {
	Submit(ctx context.Context, text string) bool
	Upload(ctx context.Context, path string) (*session.ModelContext, error)
	Reset(ctx context.Context) error
}

var copyToClipboard = clipboard.WriteAll

type uploadDoneMsg struct {
	path string
	mc   *session.ModelContext
	err  error
}

type resetDoneMsg struct{ err error }

type submitDoneMsg struct{ sent bool }

// renderedTurn caches glamour output. Ordinals restart after a reset, so the
// source text is kept to detect a stale entry.
type renderedTurn struct {
	source string
	out    string
}

type Model struct {
	ctx     context.Context
	actions Actions

	snapshot session.Snapshot
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width, height int
	md            *glamour.TermRenderer
	rendered      map[int]renderedTurn
	status        string
	statusErr     bool
}

func NewModel(ctx context.Context, actions Actions, initial session.Snapshot) Model {
	in := textinput.New()
	in.Placeholder = "Ask about the model, /upload <file.ifc>, /reset, /quit"
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	return Model{
		ctx:      ctx,
		actions:  actions,
		snapshot: initial,
		viewport: viewport.New(80, 20),
		input:    in,
		spinner:  sp,
		width:    80,
		height:   24,
		rendered: map[int]renderedTurn{},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.md = nil
		m.rendered = map[int]renderedTurn{}
		m.layout()
		m.refreshContent()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlY:
			m.copyLastAnswer()
			return m, nil
		case tea.KeyEnter:
			cmd := m.handleInput(strings.TrimSpace(m.input.Value()))
			m.input.Reset()
			return m, cmd
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case StoreEventMsg:
		if msg.Event.Type == session.EventReset {
			m.rendered = map[int]renderedTurn{}
		}
		m.snapshot = msg.Event.Snapshot
		m.refreshContent()
		return m, nil

	case uploadDoneMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("upload of %s failed: %v", msg.path, msg.err), true)
		} else {
			m.setStatus(fmt.Sprintf("loaded %s", msg.mc.Filename), false)
		}
		return m, nil

	case resetDoneMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("reset: %v", msg.err), true)
		} else {
			m.setStatus("session reset", false)
		}
		return m, nil

	case submitDoneMsg:
		if msg.sent && !m.snapshot.IsConnected {
			m.setStatus("not connected, message kept locally", true)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m *Model) handleInput(text string) tea.Cmd {
	if text == "" {
		return nil
	}
	ctx, actions := m.ctx, m.actions

	switch {
	case text == "/quit":
		return tea.Quit
	case text == "/reset":
		m.setStatus("resetting...", false)
		return func() tea.Msg { return resetDoneMsg{err: actions.Reset(ctx)} }
	case strings.HasPrefix(text, "/upload"):
		path := strings.TrimSpace(strings.TrimPrefix(text, "/upload"))
		if path == "" {
			m.setStatus("usage: /upload <file.ifc>", true)
			return nil
		}
		if err := session.ValidateSelection(path); err != nil {
			m.setStatus(err.Error(), true)
			return nil
		}
		m.setStatus("uploading "+path+"...", false)
		return func() tea.Msg {
			mc, err := actions.Upload(ctx, path)
			return uploadDoneMsg{path: path, mc: mc, err: err}
		}
	default:
		m.setStatus("", false)
		return func() tea.Msg { return submitDoneMsg{sent: actions.Submit(ctx, text)} }
	}
}

func (m *Model) copyLastAnswer() {
	turns := m.snapshot.Turns
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != session.RoleAssistant {
			continue
		}
		if err := copyToClipboard(turns[i].Text); err != nil {
			m.setStatus("copy failed: "+err.Error(), true)
			return
		}
		m.setStatus("copied last answer", false)
		return
	}
	m.setStatus("nothing to copy yet", true)
}

func (m *Model) layout() {
	// header, spinner line, input, status
	chrome := 4
	h := m.height - chrome
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = m.width - 4
}

func (m *Model) markdown(text string) string {
	if m.md == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(m.width-4),
		)
		if err != nil {
			log.Debug().Err(err).Str("component", "ui").Msg("markdown renderer unavailable")
			return text
		}
		m.md = r
	}
	out, err := m.md.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m *Model) refreshContent() {
	if len(m.snapshot.Turns) == 0 {
		m.viewport.SetContent(emptyStyle.Render("No messages yet."))
		return
	}
	var sb strings.Builder
	for i, t := range m.snapshot.Turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch t.Role {
		case session.RoleUser:
			sb.WriteString(userLabelStyle.Render("You: "))
			sb.WriteString(t.Text)
		default:
			sb.WriteString(assistantLabelStyle.Render("Assistant:"))
			sb.WriteString("\n")
			r, ok := m.rendered[t.Ordinal]
			if !ok || r.source != t.Text {
				r = renderedTurn{source: t.Text, out: m.markdown(t.Text)}
				m.rendered[t.Ordinal] = r
			}
			sb.WriteString(r.out)
		}
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m Model) header() string {
	state := m.snapshot.ConnectionState.String()
	style, ok := stateStyles[state]
	if !ok {
		style = statusStyle
	}
	line := headerStyle.Render("sapcad") + " " + style.Render("● "+state)
	if mc := m.snapshot.ModelContext; mc != nil {
		desc := "Working with: " + mc.Filename
		if mc.ProjectName != "" {
			desc += " (" + mc.ProjectName + ")"
		}
		line += modelStyle.Render(desc)
	} else {
		line += modelStyle.Render("No model loaded")
	}
	return line
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(m.header())
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	if m.snapshot.AwaitingResponse {
		sb.WriteString(m.spinner.View() + statusStyle.Render(" waiting for the assistant..."))
	}
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	sb.WriteString("\n")
	if m.status != "" {
		if m.statusErr {
			sb.WriteString(errorStyle.Render(m.status))
		} else {
			sb.WriteString(statusStyle.Render(m.status))
		}
	} else {
		sb.WriteString(statusStyle.Render("enter: send · ctrl+y: copy answer · pgup/pgdn: scroll · esc: quit"))
	}
	return sb.String()
}
