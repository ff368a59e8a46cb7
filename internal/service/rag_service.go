package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"handbook/internal/domain"
	"handbook/internal/logger"
	"handbook/internal/prompt"
	"handbook/internal/retry"
	"handbook/internal/tokens"
)

const (
	DefaultAnswerTopK      = 6
	DefaultAnswerMaxTokens = 1024
)

type RAGOptions struct {
	TopK          int
	MaxTokens     int
	ContextBudget int
	Temperature   float32
	Retry         retry.Policy
}

// Answer is a grounded reply together with the evidence it was built from.
type Answer struct {
	Text    string
	Matches []domain.Match
	Context string
	// Refused is set when nothing was retrieved and no model call was made.
	Refused bool
}

// RAGService answers questions strictly from retrieved evidence.
type RAGService struct {
	retriever domain.Retriever
	completer domain.Completer
	counter   tokens.Counter
	options   RAGOptions
}

func NewRAGService(r domain.Retriever, c domain.Completer, counter tokens.Counter, opts RAGOptions) (*RAGService, error) {
	if r == nil {
		return nil, errors.New("service: retriever is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultAnswerTopK
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultAnswerMaxTokens
	}
	if counter == nil {
		counter = tokens.Estimator{}
	}
	return &RAGService{retriever: r, completer: c, counter: counter, options: opts}, nil
}

// Query returns the ranked evidence for query without calling the model.
func (s *RAGService) Query(ctx context.Context, query string, k int) ([]domain.Match, error) {
	if k <= 0 {
		k = s.options.TopK
	}
	res, err := s.retriever.Retrieve(ctx, query, k, nil)
	if err != nil {
		return nil, err
	}
	return res.Matches, nil
}

// Answer retrieves evidence for question and asks the model to answer from
// it alone. With no evidence the refusal is returned without a model call.
func (s *RAGService) Answer(ctx context.Context, question string, k int) (Answer, error) {
	question = strings.TrimSpace(question)
	matches, err := s.Query(ctx, question, k)
	if err != nil {
		return Answer{}, err
	}
	if len(matches) == 0 {
		logger.FromContext(ctx).Info("No evidence retrieved, refusing", "question", question)
		return Answer{Text: prompt.Refusal, Refused: true}, nil
	}
	if s.completer == nil {
		return Answer{}, domain.Configf("service: no completion model configured")
	}
	evidence, used := prompt.Evidence(matches, s.counter, s.options.ContextBudget)
	var text string
	err = retry.Do(ctx, s.options.Retry, "answer", func(ctx context.Context) error {
		var err error
		text, err = s.completer.Complete(ctx, domain.CompletionRequest{
			Messages:    prompt.Answer(question, evidence),
			MaxTokens:   s.options.MaxTokens,
			Temperature: s.options.Temperature,
		})
		return err
	})
	if err != nil {
		return Answer{}, fmt.Errorf("service: answer: %w", err)
	}
	return Answer{Text: strings.TrimSpace(text), Matches: used, Context: evidence}, nil
}
