package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
)

func TestPages(t *testing.T) {
	t.Run("Should split plain text on form feeds", func(t *testing.T) {
		pages, mime, err := Pages("notes.txt", []byte("first page\r\nline two\fsecond page\f"))
		require.NoError(t, err)
		assert.Contains(t, mime, "text/plain")
		require.Len(t, pages, 3)
		assert.Equal(t, domain.Page{Number: 1, Text: "first page\nline two"}, pages[0])
		assert.Equal(t, 2, pages[1].Number)
		assert.Empty(t, pages[2].Text)
	})
	t.Run("Should treat markdown as text", func(t *testing.T) {
		pages, _, err := Pages("guide.md", []byte("# Title\n\nSome *markdown* body.\n"))
		require.NoError(t, err)
		require.Len(t, pages, 1)
		assert.Contains(t, pages[0].Text, "markdown")
	})
	t.Run("Should reject binary content", func(t *testing.T) {
		png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
		_, mime, err := Pages("image.png", png)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Equal(t, "image/png", mime)
	})
	t.Run("Should report malformed pdfs", func(t *testing.T) {
		_, mime, err := Pages("broken.pdf", []byte("%PDF-1.4\nthis is not really a pdf\n"))
		require.Error(t, err)
		assert.Equal(t, "application/pdf", mime)
	})
}
