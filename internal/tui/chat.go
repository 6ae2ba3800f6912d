// Package tui provides the interactive chat screen: a scrollback viewport,
// a single-line prompt, and citations rendered under each answer.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"corpora/internal/chat"
	"corpora/internal/retriever"
)

type chatState int

const (
	chatIdle chatState = iota
	chatThinking
)

// Config wires the chat screen to the retrieval and generation layers.
type Config struct {
	Retriever *retriever.Retriever
	Chat      *chat.Client
	TopK      int
}

// Model is the Bubble Tea model for the chat session.
type Model struct {
	cfg      Config
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	messages    []chatMessage
	history     []chat.Message
	state       chatState
	width       int
	height      int
	initialized bool
}

type chatMessage struct {
	role      string
	content   string
	citations []retriever.Result
}

// answerMsg is sent when a retrieval + generation round completes.
type answerMsg struct {
	answer   string
	contexts []retriever.Result
	err      error
}

// New creates the chat model.
func New(cfg Config) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	ti := textinput.New()
	ti.Placeholder = "Ask about the writings, or disagree with them..."
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		cfg:     cfg,
		spinner: sp,
		input:   ti,
		state:   chatIdle,
	}
}

// Run starts the interactive session.
func Run(cfg Config) error {
	_, err := tea.NewProgram(New(cfg), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) initViewport(width, height int) {
	m.width = width
	m.height = height

	// Layout: viewport + status bar (1 line) + input (1 line) + gap.
	vpHeight := height - 3
	if vpHeight < 5 {
		vpHeight = 5
	}
	m.viewport = viewport.New(width, vpHeight)
	m.viewport.SetContent(dimStyle.Render("Type your questions or disagreements to explore Ambedkar's ideas.\n\nCommands: /help, /clear, /exit"))

	m.input.Width = width - 4

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-2),
	)
	if err == nil {
		m.renderer = r
	}

	m.initialized = true
}

func askQuestion(cfg Config, question string, history []chat.Message) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		contexts, err := cfg.Retriever.Retrieve(ctx, question, cfg.TopK)
		if err != nil {
			return answerMsg{err: fmt.Errorf("retrieval error: %w", err)}
		}
		answer, err := cfg.Chat.Answer(ctx, question, contexts, history)
		if err != nil {
			return answerMsg{err: fmt.Errorf("generation error: %w", err)}
		}
		return answerMsg{answer: answer, contexts: contexts}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.initViewport(msg.Width, msg.Height)
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, nil

	case answerMsg:
		m.state = chatIdle
		if msg.err != nil {
			m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		} else {
			m.messages = append(m.messages, chatMessage{role: "assistant", content: msg.answer, citations: msg.contexts})
			m.history = append(m.history, chat.Message{Role: "assistant", Content: msg.answer})
			if len(m.history) > 20 {
				m.history = m.history[len(m.history)-20:]
			}
		}
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		if m.state != chatIdle {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			m.viewport.SetContent(m.renderMessages())
			m.viewport.GotoBottom()
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.state != chatIdle {
			return m, nil
		}
		if msg.Type == tea.KeyEnter {
			question := strings.TrimSpace(m.input.Value())
			if question == "" {
				return m, nil
			}
			m.input.Reset()

			switch question {
			case "/exit", "/quit":
				return m, tea.Quit
			case "/clear":
				m.messages = nil
				m.history = nil
				m.viewport.SetContent(dimStyle.Render("Conversation cleared."))
				return m, nil
			case "/help":
				helpText := "Commands:\n  /clear  - clear conversation history\n  /exit   - quit\n  /help   - show this help"
				m.messages = append(m.messages, chatMessage{role: "system", content: helpText})
				m.viewport.SetContent(m.renderMessages())
				m.viewport.GotoBottom()
				return m, nil
			}

			m.messages = append(m.messages, chatMessage{role: "user", content: question})
			m.history = append(m.history, chat.Message{Role: "user", Content: question})
			m.state = chatThinking
			m.viewport.SetContent(m.renderMessages())
			m.viewport.GotoBottom()

			return m, tea.Batch(
				m.spinner.Tick,
				askQuestion(m.cfg, question, m.history[:len(m.history)-1]),
			)
		}
	}

	if m.state == chatIdle {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return assistantMsgStyle.Render(content)
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return assistantMsgStyle.Render(content)
	}
	return strings.TrimRight(rendered, "\n")
}

func (m Model) renderMessages() string {
	var sb strings.Builder
	for _, msg := range m.messages {
		switch msg.role {
		case "user":
			sb.WriteString(userMsgStyle.Render("You: ") + msg.content + "\n\n")
		case "assistant":
			sb.WriteString(m.renderMarkdown(msg.content) + "\n")
			if len(msg.citations) > 0 {
				sb.WriteString(citationStyle.Render("Supporting references:") + "\n")
				for _, c := range msg.citations {
					sb.WriteString(citationStyle.Render(fmt.Sprintf("  • %s – page %d (score %.2f)", c.Volume, c.Page, c.Score)) + "\n")
				}
			}
			sb.WriteString("\n")
		case "error":
			sb.WriteString(errorStyle.Render("Error: "+msg.content) + "\n\n")
		case "system":
			sb.WriteString(dimStyle.Render(msg.content) + "\n\n")
		}
	}

	if m.state != chatIdle {
		sb.WriteString(m.spinner.View() + " " + dimStyle.Render("Consulting the writings...") + "\n")
	}

	return sb.String()
}

func (m Model) View() string {
	if !m.initialized {
		return titleStyle.Render("corpora") + "\n"
	}

	statusText := "idle"
	if m.state == chatThinking {
		statusText = "thinking..."
	}
	statusBar := statusBarStyle.
		Width(m.width).
		Render(fmt.Sprintf(" corpora chat • %s", statusText))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.viewport.View(),
		statusBar,
		m.input.View(),
	)
}
