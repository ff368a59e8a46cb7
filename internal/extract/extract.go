// Package extract turns raw source bytes into per-page text.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"handbook/internal/domain"
)

// FormFeed separates pages in plain-text sources.
const FormFeed = "\f"

// Pages detects the content type of data and returns its pages. PDFs are
// split on their page tree; text sources on form feeds. Pages are numbered
// from 1 and may be empty (scanned pages have no text layer).
func Pages(name string, data []byte) ([]domain.Page, string, error) {
	mtype := mimetype.Detect(data)
	switch {
	case mtype.Is("application/pdf"):
		pages, err := pdfPages(data)
		if err != nil {
			return nil, mtype.String(), fmt.Errorf("extract %s: %w", name, err)
		}
		return pages, mtype.String(), nil
	case isText(mtype, data):
		return textPages(string(data)), mtype.String(), nil
	default:
		return nil, mtype.String(), domain.Configf("extract %s: unsupported content type %s", name, mtype.String())
	}
}

func isText(mtype *mimetype.MIME, data []byte) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return len(data) == 0 || utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}

func textPages(text string) []domain.Page {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, FormFeed)
	pages := make([]domain.Page, len(parts))
	for i, part := range parts {
		pages[i] = domain.Page{Number: i + 1, Text: strings.TrimSpace(part)}
	}
	return pages
}

func pdfPages(data []byte) (pages []domain.Page, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	n := reader.NumPage()
	pages = make([]domain.Page, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, domain.Page{Number: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i, err)
		}
		pages = append(pages, domain.Page{Number: i, Text: strings.TrimSpace(strings.ReplaceAll(text, "\r", "\n"))})
	}
	return pages, nil
}
