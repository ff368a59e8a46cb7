// Package chunker splits page text into overlapping windows of whitespace
// tokens. An overlap of zero is allowed and yields adjacent windows.
package chunker

import (
	"strings"

	"handbook/internal/domain"
)

// WindowChunker splits text into overlapping windows of whitespace tokens.
type WindowChunker struct {
	size    int
	overlap int
}

// NewWindowChunker validates the window parameters.
func NewWindowChunker(size, overlap int) (*WindowChunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &WindowChunker{size: size, overlap: overlap}, nil
}

// Size returns the window size in tokens.
func (c *WindowChunker) Size() int { return c.size }

// Overlap returns the number of tokens shared by consecutive windows.
func (c *WindowChunker) Overlap() int { return c.overlap }

// ChunkPages chunks every page independently so each chunk keeps the page it
// came from. Pages without text are skipped. chunk_index restarts per page.
func (c *WindowChunker) ChunkPages(pages []domain.Page) ([]domain.ChunkDraft, error) {
	var drafts []domain.ChunkDraft
	for _, page := range pages {
		spans, err := Chunk(page.Text, c.size, c.overlap)
		if err != nil {
			return nil, err
		}
		for idx, span := range spans {
			drafts = append(drafts, domain.ChunkDraft{
				Content: span,
				Metadata: map[string]any{
					"page":        page.Number,
					"chunk_index": idx,
				},
			})
		}
	}
	return drafts, nil
}

// Chunk returns the windows of text, each holding at most size tokens, with
// overlap tokens repeated between neighbours. The last window may be shorter.
func Chunk(text string, size, overlap int) ([]string, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	chunks := make([]string, 0, Count(len(tokens), size, overlap))
	i := 0
	for i < len(tokens) {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[i:end], " "))
		if end == len(tokens) {
			break
		}
		i = end - overlap
	}
	return chunks, nil
}

// Count returns how many windows Chunk produces for n tokens.
func Count(n, size, overlap int) int {
	if n <= 0 || size <= 0 || overlap < 0 || overlap >= size {
		return 0
	}
	if n <= size {
		return 1
	}
	step := size - overlap
	return 1 + (n-size+step-1)/step
}

func validate(size, overlap int) error {
	if size <= 0 {
		return domain.Configf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return domain.Configf("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return domain.Configf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	return nil
}
