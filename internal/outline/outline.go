// Package outline plans the sections of a handbook.
package outline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"handbook/internal/domain"
	"handbook/internal/logger"
	"handbook/internal/prompt"
	"handbook/internal/retry"
	"handbook/internal/tokens"
)

const (
	DefaultTopK      = 12
	DefaultMaxTokens = 2048
	WordsPerSection  = 2000
	MinSections      = 3
	MaxSections      = 30
)

var (
	fencePattern    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	topLevelPattern = regexp.MustCompile(`(?i)^(?:#+\s*)?(?:section\s+)?(\d+)[.)]?\s+(.+)$`)
	subLevelPattern = regexp.MustCompile(`^(?:#+\s*)?\d+\.\d+(?:\.\d+)*[.)]?\s+(.+)$`)
	bulletPattern   = regexp.MustCompile(`^(?:[-*•]|[a-z][.)])\s+(.+)$`)
)

var _ domain.OutlineGenerator = (*Generator)(nil)

type Options struct {
	TopK          int
	MaxTokens     int
	ContextBudget int
	Temperature   float32
	Retry         retry.Policy
}

// Generator asks the completion model for an outline grounded on a broad
// sample of the corpus.
type Generator struct {
	retriever domain.Retriever
	completer domain.Completer
	counter   tokens.Counter
	options   Options
}

func NewGenerator(r domain.Retriever, c domain.Completer, counter tokens.Counter, opts Options) *Generator {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if counter == nil {
		counter = tokens.Estimator{}
	}
	return &Generator{retriever: r, completer: c, counter: counter, options: opts}
}

// SectionCount is the number of sections requested for targetWords.
func SectionCount(targetWords int) int {
	n := (targetWords + WordsPerSection/2) / WordsPerSection
	return max(MinSections, min(MaxSections, n))
}

// Generate returns a validated outline. An unparseable reply is retried once
// with a stricter instruction before ErrOutlineParse is returned.
func (g *Generator) Generate(ctx context.Context, topic string, targetWords int) (domain.Outline, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.Outline{}, domain.Configf("outline: topic is required")
	}
	log := logger.FromContext(ctx)
	sample, err := g.retriever.Retrieve(ctx, topic, g.options.TopK, nil)
	if err != nil {
		return domain.Outline{}, fmt.Errorf("outline: %w", err)
	}
	evidence, _ := prompt.Evidence(sample.Matches, g.counter, g.options.ContextBudget)
	count := SectionCount(targetWords)

	var parseErr error
	for attempt, strict := range []bool{false, true} {
		reply, err := g.complete(ctx, prompt.Outline(topic, evidence, count, strict))
		if err != nil {
			return domain.Outline{}, fmt.Errorf("outline: %w", err)
		}
		sections, err := Parse(reply)
		if err == nil {
			log.Info("Outline accepted", "sections", len(sections), "attempt", attempt+1)
			return domain.Outline{Topic: topic, Sections: sections}, nil
		}
		parseErr = err
		log.Warn("Outline reply rejected", "attempt", attempt+1, "error", err)
	}
	return domain.Outline{}, parseErr
}

func (g *Generator) complete(ctx context.Context, msgs []domain.Message) (string, error) {
	var reply string
	err := retry.Do(ctx, g.options.Retry, "outline", func(ctx context.Context) error {
		var err error
		reply, err = g.completer.Complete(ctx, domain.CompletionRequest{
			Messages:    msgs,
			MaxTokens:   g.options.MaxTokens,
			Temperature: g.options.Temperature,
		})
		return err
	})
	return reply, err
}

type jsonOutline struct {
	Sections []domain.Section `json:"sections"`
}

// Parse reads a section list from a model reply. It accepts a JSON object
// with a sections array, a bare JSON array of sections or titles, either
// optionally fenced, and a numbered table of contents.
func Parse(reply string) ([]domain.Section, error) {
	text := strings.TrimSpace(reply)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	sections, jsonErr := parseJSON(text)
	if jsonErr != nil {
		sections = parseTOC(text)
	}
	if len(sections) == 0 {
		if jsonErr != nil {
			return nil, fmt.Errorf("%w: no sections found: %v", domain.ErrOutlineParse, jsonErr)
		}
		return nil, fmt.Errorf("%w: no sections found", domain.ErrOutlineParse)
	}
	for i := range sections {
		sections[i].Title = cleanTitle(sections[i].Title)
		sections[i].Guidance = strings.TrimSpace(sections[i].Guidance)
		if sections[i].Title == "" {
			return nil, fmt.Errorf("%w: section %d has no title", domain.ErrOutlineParse, i+1)
		}
	}
	return sections, nil
}

func parseJSON(text string) ([]domain.Section, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, errors.New("no json value")
	}
	text = text[start:]
	if text[0] == '{' {
		var obj jsonOutline
		if err := json.Unmarshal([]byte(lastBalanced(text, '{', '}')), &obj); err != nil {
			return nil, err
		}
		return obj.Sections, nil
	}
	raw := []byte(lastBalanced(text, '[', ']'))
	var sections []domain.Section
	if err := json.Unmarshal(raw, &sections); err == nil {
		return sections, nil
	}
	var titles []string
	if err := json.Unmarshal(raw, &titles); err != nil {
		return nil, err
	}
	sections = make([]domain.Section, len(titles))
	for i, t := range titles {
		sections[i] = domain.Section{Title: t}
	}
	return sections, nil
}

// lastBalanced trims trailing prose after the closing bracket.
func lastBalanced(text string, open, closing byte) string {
	if end := strings.LastIndexByte(text, closing); end >= 0 && text[0] == open {
		return text[:end+1]
	}
	return text
}

// parseTOC takes numbered top-level lines as sections. Subsection and bullet
// lines beneath a section become its guidance.
func parseTOC(text string) []domain.Section {
	var sections []domain.Section
	var guidance []string
	flush := func() {
		if len(sections) > 0 && len(guidance) > 0 {
			sections[len(sections)-1].Guidance = strings.Join(guidance, "; ")
		}
		guidance = nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "**", ""))
		if line == "" {
			continue
		}
		if m := subLevelPattern.FindStringSubmatch(line); m != nil {
			if len(sections) > 0 {
				guidance = append(guidance, strings.TrimSpace(m[1]))
			}
			continue
		}
		if m := topLevelPattern.FindStringSubmatch(line); m != nil {
			flush()
			sections = append(sections, domain.Section{Title: m[2]})
			continue
		}
		if m := bulletPattern.FindStringSubmatch(line); m != nil && len(sections) > 0 {
			guidance = append(guidance, strings.TrimSpace(m[1]))
		}
	}
	flush()
	return sections
}

func cleanTitle(title string) string {
	title = strings.Join(strings.Fields(strings.ReplaceAll(title, "**", "")), " ")
	if m := topLevelPattern.FindStringSubmatch(title); m != nil {
		title = m[2]
	}
	return strings.TrimSpace(strings.TrimRight(title, ":"))
}
