// Package tui is an interactive console for grounded questions over the
// ingested corpus.
package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"handbook/internal/domain"
	"handbook/internal/prompt"
	"handbook/internal/service"
)

// Port is the TUI-facing subset of the question answering service.
type Port interface {
	Answer(ctx context.Context, question string, k int) (service.Answer, error)
	Query(ctx context.Context, query string, k int) ([]domain.Match, error)
}

type mode int

const (
	modeAsk mode = iota
	modeSearch
)

func (m mode) String() string {
	if m == modeSearch {
		return "search"
	}
	return "ask"
}

// answerMsg carries the outcome of a background call back into Update.
type answerMsg struct {
	question string
	answer   service.Answer
	err      error
}

// Model is the Bubble Tea model for the question console.
type Model struct {
	ctx       context.Context
	port      Port
	topK      int
	input     textinput.Model
	viewport  viewport.Model
	mode      mode
	answer    string
	refused   bool
	matches   []domain.Match
	summary   string
	status    string
	cursor    int
	busy      bool
	ready     bool
	lastQuery string
}

// New creates a console bound to port. summary is shown under the header.
func New(ctx context.Context, port Port, topK int, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter (Tab switches to search)"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		port:     port,
		topK:     topK,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready.",
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, summary, status, spacer
		vh := max(3, msg.Height-reserved)
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.answer, m.matches, m.refused = "", nil, false
		} else {
			m.answer = msg.answer.Text
			m.refused = msg.answer.Refused
			m.matches = msg.answer.Matches
			m.cursor = 0
			m.lastQuery = msg.question
			m.status = fmt.Sprintf("%d passages for %q", len(m.matches), msg.question)
		}
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Searching..."
			if m.mode == modeAsk {
				m.status = "Answering..."
			}
			return m, m.submit(q)
		case "tab":
			m.mode = (m.mode + 1) % 2
			m.status = "Mode: " + m.mode.String()
			return m, nil
		case "down":
			if len(m.matches) > 0 {
				m.cursor = (m.cursor + 1) % len(m.matches)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "up":
			if len(m.matches) > 0 {
				m.cursor = (m.cursor - 1 + len(m.matches)) % len(m.matches)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "pgdown", "pgup":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(q string) tea.Cmd {
	ctx, port, k, md := m.ctx, m.port, m.topK, m.mode
	return func() tea.Msg {
		if md == modeSearch {
			matches, err := port.Query(ctx, q, k)
			return answerMsg{question: q, answer: service.Answer{Matches: matches}, err: err}
		}
		ans, err := port.Answer(ctx, q, k)
		return answerMsg{question: q, answer: ans, err: err}
	}
}

// View renders the layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Handbook Q&A  [" + m.mode.String() + "]")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	var b strings.Builder
	if m.answer != "" {
		style := answerStyle
		if m.refused {
			style = refusedStyle
		}
		b.WriteString(style.Render(m.answer))
		b.WriteString("\n\n")
	}
	if len(m.matches) == 0 {
		if b.Len() == 0 {
			return "No results yet."
		}
		return b.String()
	}
	r := m.matches[m.cursor]
	fmt.Fprintf(&b, "Passage %d/%d  score=%.3f  %s\n\n", m.cursor+1, len(m.matches), r.Score,
		labelStyle.Render(prompt.Label(r)))
	b.WriteString(highlightBestSentence(r.Content, m.lastQuery))
	if r.SourcePath != "" {
		b.WriteString("\n\n" + lipgloss.NewStyle().Faint(true).Render(filepath.ToSlash(r.SourcePath)))
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	answerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	refusedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Italic(true)
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
