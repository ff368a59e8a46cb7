package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"handbook/internal/domain"
	"handbook/internal/handbook"
	"handbook/internal/logger"
	"handbook/internal/prompt"
	"handbook/internal/retry"
	"handbook/internal/tokens"
)

const (
	DefaultSectionTopK      = 8
	DefaultSectionMaxTokens = 4096
	DefaultTargetWords      = 20000
	DefaultDigestSentences  = 3
)

// SkippedPlaceholder is written in place of a section that had no evidence
// under the skip policy.
const SkippedPlaceholder = "> **Section skipped.** No supporting passages were found in the ingested " +
	"documents for this section, so it was not generated."

type HandbookOptions struct {
	OutputDir          string
	SectionTopK        int
	SectionMaxTokens   int
	ContextTokenBudget int
	TargetWords        int
	Policy             domain.GroundingPolicy
	Temperature        float32
	DigestSentences    int
	Retry              retry.Policy
}

// Report describes a run after a controller call.
type Report struct {
	Path      string
	Topic     string
	State     domain.RunState
	Completed int
	Total     int
	Resumed   bool
	Failure   *handbook.Failure
}

// HandbookService drives a run section by section. The artifact on disk is
// the only progress record: every call re-derives its position from it.
type HandbookService struct {
	outliner   domain.OutlineGenerator
	retriever  domain.Retriever
	completer  domain.Completer
	summarizer domain.Summarizer
	counter    tokens.Counter
	options    HandbookOptions
}

func NewHandbookService(
	outliner domain.OutlineGenerator,
	r domain.Retriever,
	c domain.Completer,
	sum domain.Summarizer,
	counter tokens.Counter,
	opts HandbookOptions,
) (*HandbookService, error) {
	if outliner == nil || r == nil || c == nil {
		return nil, errors.New("service: outline generator, retriever and completer are required")
	}
	if _, err := domain.ParseGroundingPolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.SectionTopK <= 0 {
		opts.SectionTopK = DefaultSectionTopK
	}
	if opts.SectionMaxTokens <= 0 {
		opts.SectionMaxTokens = DefaultSectionMaxTokens
	}
	if opts.TargetWords <= 0 {
		opts.TargetWords = DefaultTargetWords
	}
	if opts.DigestSentences <= 0 {
		opts.DigestSentences = DefaultDigestSentences
	}
	if counter == nil {
		counter = tokens.Estimator{}
	}
	return &HandbookService{
		outliner:   outliner,
		retriever:  r,
		completer:  c,
		summarizer: sum,
		counter:    counter,
		options:    opts,
	}, nil
}

// PathFor is where the run for topic lives.
func (s *HandbookService) PathFor(topic string) string {
	return handbook.PathFor(s.options.OutputDir, topic)
}

// Start begins a run for topic. If its artifact already exists the run is
// resumed and the stored outline is kept.
func (s *HandbookService) Start(ctx context.Context, topic string, targetWords int) (Report, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Report{}, domain.Configf("service: topic is required")
	}
	path := s.PathFor(topic)
	if _, err := os.Stat(path); err == nil {
		existing, err := handbook.Load(path)
		if err != nil {
			return Report{Path: path, Topic: topic}, err
		}
		// distinct topics can share a slug
		if existing.Header.Topic != topic {
			return report(existing, false), domain.Configf("service: %s already holds a run for %q", path, existing.Header.Topic)
		}
		logger.FromContext(ctx).Info("Artifact exists, resuming", "run", path)
		return s.Resume(ctx, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Report{}, fmt.Errorf("service: stat %s: %w", path, err)
	}
	if targetWords <= 0 {
		targetWords = s.options.TargetWords
	}
	outline, err := s.outliner.Generate(ctx, topic, targetWords)
	if err != nil {
		return Report{Path: path, Topic: topic, State: domain.StateNotStarted}, err
	}
	art, err := handbook.Create(path, handbook.Header{
		Topic:       topic,
		TargetWords: targetWords,
		Sections:    outline.Sections,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return Report{Path: path, Topic: topic, State: domain.StateNotStarted}, err
	}
	defer closeArtifact(ctx, art)
	logger.FromContext(ctx).Info("Run outlined", "run", path, "sections", len(outline.Sections), "state", domain.StateOutlined)
	return s.run(ctx, art, false)
}

// Resume continues the run stored at path from its first missing section.
func (s *HandbookService) Resume(ctx context.Context, path string) (Report, error) {
	art, err := handbook.Open(path)
	if err != nil {
		return Report{Path: path}, err
	}
	defer closeArtifact(ctx, art)
	return s.run(ctx, art, true)
}

// Status reads the run stored at path without taking its lock.
func Status(path string) (Report, error) {
	run, err := handbook.Load(path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Report{Path: path, State: domain.StateNotStarted}, nil
		}
		return Report{Path: path}, err
	}
	return report(run, false), nil
}

func report(run *handbook.Run, resumed bool) Report {
	return Report{
		Path:      run.Path,
		Topic:     run.Header.Topic,
		State:     run.State(),
		Completed: run.Cursor(),
		Total:     run.Total(),
		Resumed:   resumed,
		Failure:   run.Failure,
	}
}

func closeArtifact(ctx context.Context, art *handbook.Artifact) {
	if err := art.Close(); err != nil {
		logger.FromContext(ctx).Warn("Failed to close artifact", "run", art.Path(), "error", err)
	}
}

func (s *HandbookService) run(ctx context.Context, art *handbook.Artifact, resumed bool) (Report, error) {
	run := art.Run()
	log := logger.FromContext(ctx).With("run", art.Path())
	if resumed {
		log.Info("Run resumed", "completed", run.Cursor(), "total", run.Total(), "state", run.State())
	}
	sections := run.Header.Sections
	for i := run.Cursor(); i < len(sections); i++ {
		// the only cancellation point: a section is never abandoned half way
		if err := ctx.Err(); err != nil {
			log.Info("Run interrupted", "completed", run.Cursor(), "total", run.Total())
			return report(run, resumed), err
		}
		start := time.Now()
		rec, err := s.writeSection(context.WithoutCancel(ctx), run, i)
		if err == nil {
			err = art.AppendSection(rec)
		}
		if err != nil {
			runErr := &domain.RunError{Index: i + 1, Title: sections[i].Title, Err: err}
			failure := handbook.Failure{Section: i + 1, Title: sections[i].Title, Reason: err.Error(), At: time.Now().UTC()}
			if ferr := art.AppendFailure(failure); ferr != nil {
				log.Error("Failed to record failure", "error", ferr)
			}
			log.Error("Run failed", "section", i+1, "error", err, "state", domain.StateFailed)
			return report(run, resumed), runErr
		}
		log.Info("Section written", "section", i+1, "total", len(sections), "status", rec.Status,
			"citations", len(rec.Citations), "duration", time.Since(start))
	}
	if !run.Bibliography {
		if err := art.AppendBibliography(run.Citations()); err != nil {
			return report(run, resumed), fmt.Errorf("service: bibliography: %w", err)
		}
		log.Info("Run complete", "sections", run.Cursor(), "sources", len(run.Citations()), "state", domain.StateComplete)
	}
	return report(run, resumed), nil
}

func (s *HandbookService) writeSection(ctx context.Context, run *handbook.Run, i int) (handbook.SectionRecord, error) {
	sec := run.Header.Sections[i]
	rec := handbook.SectionRecord{Index: i + 1, Title: sec.Title}
	query := run.Header.Topic + ": " + sec.Title
	if sec.Guidance != "" {
		query += ". " + sec.Guidance
	}
	var res domain.RetrievalResult
	err := retry.Do(ctx, s.options.Retry, "retrieve", func(ctx context.Context) error {
		var err error
		res, err = s.retriever.Retrieve(ctx, query, s.options.SectionTopK, nil)
		return err
	})
	if err != nil {
		return rec, err
	}

	in := prompt.SectionInput{
		Topic:       run.Header.Topic,
		Title:       sec.Title,
		Guidance:    sec.Guidance,
		Digest:      s.digest(run),
		TargetWords: wordsPerSection(run),
	}
	var used []domain.Match
	if res.Empty() {
		if s.options.Policy == domain.GroundingSkip {
			rec.Status = domain.Skipped
			rec.Body = SkippedPlaceholder
			return rec, nil
		}
		in.Disclaim = true
	} else {
		in.Evidence, used = prompt.Evidence(res.Matches, s.counter, s.options.ContextTokenBudget)
	}

	text, err := s.complete(ctx, prompt.Section(in))
	if err != nil {
		return rec, err
	}
	if in.Disclaim {
		rec.Status = domain.Disclaimed
		rec.Body = prompt.Disclaimer + "\n\n" + strings.TrimSpace(text)
		return rec, nil
	}
	rec.Status = domain.Grounded
	rec.Body = strings.TrimSpace(text)
	cited := prompt.CitedMatches(text, used)
	if len(cited) == 0 {
		cited = used
	}
	rec.Citations = citations(cited)
	return rec, nil
}

func (s *HandbookService) complete(ctx context.Context, msgs []domain.Message) (string, error) {
	var text string
	err := retry.Do(ctx, s.options.Retry, "complete", func(ctx context.Context) error {
		var err error
		text, err = s.completer.Complete(ctx, domain.CompletionRequest{
			Messages:    msgs,
			MaxTokens:   s.options.SectionMaxTokens,
			Temperature: s.options.Temperature,
		})
		return err
	})
	return text, err
}

// digest lists the finished titles and summarizes the latest section.
func (s *HandbookService) digest(run *handbook.Run) string {
	if len(run.Sections) == 0 {
		return ""
	}
	var b strings.Builder
	for _, sec := range run.Sections {
		fmt.Fprintf(&b, "%d. %s\n", sec.Index, sec.Title)
	}
	last := run.Sections[len(run.Sections)-1]
	if s.summarizer != nil && last.Status != domain.Skipped {
		if summary, err := s.summarizer.Summarize(last.Body, s.options.DigestSentences); err == nil && summary != "" {
			fmt.Fprintf(&b, "\nSummary of %q: %s\n", last.Title, summary)
		}
	}
	return strings.TrimSpace(b.String())
}

func wordsPerSection(run *handbook.Run) int {
	if run.Header.TargetWords <= 0 || run.Total() == 0 {
		return 0
	}
	return run.Header.TargetWords / run.Total()
}

func citations(matches []domain.Match) []handbook.Citation {
	seen := map[string]struct{}{}
	var out []handbook.Citation
	for _, m := range matches {
		if _, ok := seen[m.DocumentID]; ok {
			continue
		}
		seen[m.DocumentID] = struct{}{}
		out = append(out, handbook.Citation{DocumentID: m.DocumentID, Source: m.SourcePath})
	}
	return out
}
