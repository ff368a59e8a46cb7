package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
	"handbook/internal/embedding/hashing"
	"handbook/internal/handbook"
	"handbook/internal/prompt"
	"handbook/internal/retriever"
	"handbook/internal/retry"
	"handbook/internal/summarizer"
	"handbook/internal/vectorstore/faiss"
)

const dim = 256

type fakeOutliner struct {
	sections []domain.Section
	calls    int
}

func (f *fakeOutliner) Generate(_ context.Context, topic string, _ int) (domain.Outline, error) {
	f.calls++
	return domain.Outline{Topic: topic, Sections: f.sections}, nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests []domain.CompletionRequest
	reply    func(call int, req domain.CompletionRequest) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	if f.reply == nil {
		return fmt.Sprintf("Generated body number %d.", call), nil
	}
	return f.reply(call, req)
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func outlineOf(n int) *fakeOutliner {
	sections := make([]domain.Section, n)
	for i := range sections {
		sections[i] = domain.Section{Title: fmt.Sprintf("Part %d", i+1), Guidance: "Cover part " + fmt.Sprint(i+1)}
	}
	return &fakeOutliner{sections: sections}
}

func newRetriever(t *testing.T, docs map[string]string) *retriever.Service {
	t.Helper()
	emb, err := hashing.NewEmbedder(dim)
	require.NoError(t, err)
	store, err := faiss.NewStorage(faiss.Config{Dimension: dim})
	require.NoError(t, err)
	for path, text := range docs {
		doc, err := store.UpsertDocument(t.Context(), domain.Document{SourcePath: path})
		require.NoError(t, err)
		vec, err := emb.Embed(t.Context(), text)
		require.NoError(t, err)
		_, err = store.InsertChunks(t.Context(), doc.ID, []domain.ChunkInput{{
			Content: text, Metadata: map[string]any{"page": 1, "chunk_index": 0}, Embedding: vec,
		}})
		require.NoError(t, err)
	}
	r, err := retriever.NewService(emb, store, 4)
	require.NoError(t, err)
	return r
}

var corpus = map[string]string{
	"docs/pumps.txt":  "Hydraulic pumps convert mechanical power into fluid power.",
	"docs/valves.txt": "Relief valves protect the hydraulic circuit from overpressure.",
}

func newHandbookService(t *testing.T, outliner domain.OutlineGenerator, r domain.Retriever, c domain.Completer, policy domain.GroundingPolicy) *HandbookService {
	t.Helper()
	svc, err := NewHandbookService(outliner, r, c, summarizer.NewFrequencySummarizer(), nil, HandbookOptions{
		OutputDir:   t.TempDir(),
		TargetWords: 3000,
		Policy:      policy,
		Retry:       retry.Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond},
	})
	require.NoError(t, err)
	return svc
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestHandbookService_Start(t *testing.T) {
	t.Run("Should write every section and a bibliography", func(t *testing.T) {
		c := &fakeCompleter{}
		svc := newHandbookService(t, outlineOf(3), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Hydraulic Systems", 0)
		require.NoError(t, err)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.Equal(t, 3, rep.Completed)
		assert.Equal(t, 3, c.calls())

		content := readFile(t, rep.Path)
		assert.True(t, strings.HasSuffix(rep.Path, "handbook_hydraulic-systems.md"))
		assert.Contains(t, content, "## Part 3\n\nGenerated body number 3.")
		assert.Contains(t, content, "## Bibliography")
		assert.Contains(t, content, "docs/pumps.txt")

		run, err := handbook.Load(rep.Path)
		require.NoError(t, err)
		for _, sec := range run.Sections {
			assert.Equal(t, domain.Grounded, sec.Status)
			assert.NotEmpty(t, sec.Citations)
		}
	})
	t.Run("Should pass evidence and a digest of earlier sections", func(t *testing.T) {
		c := &fakeCompleter{}
		svc := newHandbookService(t, outlineOf(2), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		_, err := svc.Start(t.Context(), "Hydraulics", 0)
		require.NoError(t, err)
		require.Len(t, c.requests, 2)
		first := c.requests[0].Messages[1].Content
		assert.Contains(t, first, "EVIDENCE:\n[")
		assert.NotContains(t, first, "EARLIER SECTIONS")
		second := c.requests[1].Messages[1].Content
		assert.Contains(t, second, "EARLIER SECTIONS (do not repeat them):\n1. Part 1")
		assert.Contains(t, second, "Generated body number 1.")
		assert.Contains(t, second, "about 1500 words")
	})
	t.Run("Should cite only the documents named in the text", func(t *testing.T) {
		c := &fakeCompleter{reply: func(int, domain.CompletionRequest) (string, error) {
			return "Relief valves cap pressure [valves.txt | p.1 | c0].", nil
		}}
		svc := newHandbookService(t, outlineOf(1), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Valves", 0)
		require.NoError(t, err)
		run, err := handbook.Load(rep.Path)
		require.NoError(t, err)
		require.Len(t, run.Sections[0].Citations, 1)
		assert.Equal(t, "docs/valves.txt", run.Sections[0].Citations[0].Source)
	})
	t.Run("Should resume an existing artifact instead of planning again", func(t *testing.T) {
		outliner := outlineOf(2)
		svc := newHandbookService(t, outliner, newRetriever(t, corpus), &fakeCompleter{}, domain.GroundingDisclaim)
		_, err := svc.Start(t.Context(), "Hydraulics", 0)
		require.NoError(t, err)
		rep, err := svc.Start(t.Context(), "Hydraulics", 0)
		require.NoError(t, err)
		assert.True(t, rep.Resumed)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.Equal(t, 1, outliner.calls)
	})
	t.Run("Should refuse a topic whose slug belongs to another run", func(t *testing.T) {
		outliner := outlineOf(2)
		c := &fakeCompleter{}
		svc := newHandbookService(t, outliner, newRetriever(t, corpus), c, domain.GroundingDisclaim)
		first, err := svc.Start(t.Context(), "C", 0)
		require.NoError(t, err)
		before := readFile(t, first.Path)

		rep, err := svc.Start(t.Context(), "C++", 0)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Equal(t, first.Path, rep.Path)
		assert.Equal(t, "C", rep.Topic)
		assert.Equal(t, 1, outliner.calls)
		assert.Equal(t, 2, c.calls())
		assert.Equal(t, before, readFile(t, first.Path))
	})
	t.Run("Should retry transient completion failures", func(t *testing.T) {
		c := &fakeCompleter{reply: func(call int, _ domain.CompletionRequest) (string, error) {
			if call == 1 {
				return "", domain.NewCompletionError("complete", true, errors.New("429"))
			}
			return "Body.", nil
		}}
		svc := newHandbookService(t, outlineOf(2), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Hydraulics", 0)
		require.NoError(t, err)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.Equal(t, 3, c.calls())
	})
}

func TestHandbookService_GroundingPolicy(t *testing.T) {
	t.Run("Should skip sections without evidence and make no model call", func(t *testing.T) {
		c := &fakeCompleter{}
		svc := newHandbookService(t, outlineOf(2), newRetriever(t, nil), c, domain.GroundingSkip)
		rep, err := svc.Start(t.Context(), "Unknown topic", 0)
		require.NoError(t, err)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.Zero(t, c.calls())
		run, err := handbook.Load(rep.Path)
		require.NoError(t, err)
		for _, sec := range run.Sections {
			assert.Equal(t, domain.Skipped, sec.Status)
			assert.Equal(t, SkippedPlaceholder, sec.Body)
		}
		assert.Contains(t, readFile(t, rep.Path), "_No sources were cited._")
	})
	t.Run("Should write disclaimed sections without evidence", func(t *testing.T) {
		c := &fakeCompleter{}
		svc := newHandbookService(t, outlineOf(2), newRetriever(t, nil), c, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Unknown topic", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, c.calls())
		assert.Contains(t, c.requests[0].Messages[0].Content, "No supporting documents were found")
		assert.NotContains(t, c.requests[0].Messages[1].Content, "EVIDENCE")
		run, err := handbook.Load(rep.Path)
		require.NoError(t, err)
		for _, sec := range run.Sections {
			assert.Equal(t, domain.Disclaimed, sec.Status)
			assert.True(t, strings.HasPrefix(sec.Body, prompt.Disclaimer))
			assert.Empty(t, sec.Citations)
		}
	})
	t.Run("Should require an explicit policy", func(t *testing.T) {
		_, err := NewHandbookService(outlineOf(1), newRetriever(t, nil), &fakeCompleter{}, nil, nil, HandbookOptions{})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestHandbookService_Resume(t *testing.T) {
	t.Run("Should continue after an interruption without touching written sections", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		interrupting := &fakeCompleter{}
		interrupting.reply = func(call int, _ domain.CompletionRequest) (string, error) {
			if call == 3 {
				cancel()
			}
			return fmt.Sprintf("First pass body %d.", call), nil
		}
		r := newRetriever(t, corpus)
		svc := newHandbookService(t, outlineOf(5), r, interrupting, domain.GroundingDisclaim)
		rep, err := svc.Start(ctx, "Hydraulics", 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, domain.StateGenerating, rep.State)
		assert.Equal(t, 3, rep.Completed)
		before := readFile(t, rep.Path)

		status, err := Status(rep.Path)
		require.NoError(t, err)
		assert.Equal(t, 3, status.Completed)

		second := &fakeCompleter{}
		svc.completer = second
		rep, err = svc.Resume(t.Context(), rep.Path)
		require.NoError(t, err)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.Equal(t, 2, second.calls())
		after := readFile(t, rep.Path)
		assert.True(t, strings.HasPrefix(after, before))
		assert.Equal(t, domain.RoleSystem, second.requests[0].Messages[0].Role)
		assert.Contains(t, second.requests[0].Messages[1].Content, "SECTION TITLE:\nPart 4")
	})
	t.Run("Should regenerate a torn section", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		c := &fakeCompleter{}
		c.reply = func(call int, _ domain.CompletionRequest) (string, error) {
			if call == 3 {
				cancel()
			}
			return fmt.Sprintf("Body %d.", call), nil
		}
		svc := newHandbookService(t, outlineOf(5), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		rep, err := svc.Start(ctx, "Hydraulics", 0)
		require.ErrorIs(t, err, context.Canceled)
		intact := readFile(t, rep.Path)
		torn := intact + "\n<!-- handbook:begin 4 {\"title\":\"Part 4\",\"status\":\"grounded\"} -->\n\n---\n\n## Part 4\n\nhalf writ"
		require.NoError(t, os.WriteFile(rep.Path, []byte(torn), 0o644))

		status, err := Status(rep.Path)
		require.NoError(t, err)
		assert.Equal(t, 3, status.Completed)

		svc.completer = &fakeCompleter{}
		rep, err = svc.Resume(t.Context(), rep.Path)
		require.NoError(t, err)
		after := readFile(t, rep.Path)
		assert.True(t, strings.HasPrefix(after, intact))
		assert.NotContains(t, after, "half writ")
		assert.Equal(t, 1, strings.Count(after, "<!-- handbook:begin 4 "))
		assert.Equal(t, 5, rep.Completed)
	})
	t.Run("Should record a failure and recover from it", func(t *testing.T) {
		c := &fakeCompleter{reply: func(call int, _ domain.CompletionRequest) (string, error) {
			if call == 2 {
				return "", domain.NewCompletionError("complete", false, errors.New("401 unauthorized"))
			}
			return "Body.", nil
		}}
		svc := newHandbookService(t, outlineOf(3), newRetriever(t, corpus), c, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Hydraulics", 0)
		var runErr *domain.RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, 2, runErr.Index)
		assert.Equal(t, "Part 2", runErr.Title)
		assert.ErrorIs(t, err, domain.ErrCompletionService)
		assert.Equal(t, domain.StateFailed, rep.State)

		status, err := Status(rep.Path)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, status.State)
		require.NotNil(t, status.Failure)
		assert.Equal(t, 2, status.Failure.Section)

		svc.completer = &fakeCompleter{}
		rep, err = svc.Resume(t.Context(), rep.Path)
		require.NoError(t, err)
		assert.Equal(t, domain.StateComplete, rep.State)
		assert.NotContains(t, readFile(t, rep.Path), "handbook:failed")
	})
	t.Run("Should refuse a run that another controller holds", func(t *testing.T) {
		svc := newHandbookService(t, outlineOf(1), newRetriever(t, corpus), &fakeCompleter{}, domain.GroundingDisclaim)
		rep, err := svc.Start(t.Context(), "Hydraulics", 0)
		require.NoError(t, err)
		held, err := handbook.Open(rep.Path)
		require.NoError(t, err)
		defer held.Close()
		_, err = svc.Resume(t.Context(), rep.Path)
		assert.ErrorIs(t, err, domain.ErrRunLocked)
	})
}

func TestStatus(t *testing.T) {
	t.Run("Should report a missing artifact as not started", func(t *testing.T) {
		rep, err := Status(t.TempDir() + "/handbook_none.md")
		require.NoError(t, err)
		assert.Equal(t, domain.StateNotStarted, rep.State)
	})
}

func TestRAGService_Answer(t *testing.T) {
	t.Run("Should refuse without calling the model when nothing is retrieved", func(t *testing.T) {
		c := &fakeCompleter{}
		svc, err := NewRAGService(newRetriever(t, nil), c, nil, RAGOptions{})
		require.NoError(t, err)
		ans, err := svc.Answer(t.Context(), "What is the relief pressure?", 0)
		require.NoError(t, err)
		assert.True(t, ans.Refused)
		assert.Equal(t, prompt.Refusal, ans.Text)
		assert.Zero(t, c.calls())
	})
	t.Run("Should answer from labelled evidence", func(t *testing.T) {
		c := &fakeCompleter{reply: func(int, domain.CompletionRequest) (string, error) {
			return "  Relief valves protect the circuit [valves.txt | p.1 | c0].  ", nil
		}}
		svc, err := NewRAGService(newRetriever(t, corpus), c, nil, RAGOptions{TopK: 2})
		require.NoError(t, err)
		ans, err := svc.Answer(t.Context(), "relief valves overpressure", 0)
		require.NoError(t, err)
		assert.False(t, ans.Refused)
		assert.Equal(t, "Relief valves protect the circuit [valves.txt | p.1 | c0].", ans.Text)
		assert.Contains(t, ans.Context, "[valves.txt | p.1 | c0]")
		assert.Len(t, ans.Matches, 2)
		assert.Contains(t, c.requests[0].Messages[1].Content, "QUESTION:\nrelief valves overpressure")
	})
}
