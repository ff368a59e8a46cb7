// Package handbook persists a generation run as an append-only Markdown file.
//
// The file is both the rendered handbook and the only record of progress.
// Machine markers are HTML comments, so the document renders cleanly:
//
//	# Handbook: <topic>
//	## Table of Contents ...
//	<!-- handbook:outline {json} -->
//	<!-- handbook:begin 1 {json} -->  section 1  <!-- handbook:end 1 -->
//	<!-- handbook:failed {json} -->   (only when a run stopped)
//	... bibliography <!-- handbook:bibliography -->
//
// Every prefix of the file that ends on an end marker is a valid handbook.
package handbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"handbook/internal/domain"
)

const (
	markerPrefix       = "<!-- handbook:"
	markerSuffix       = " -->\n"
	outlineMarker      = "outline"
	beginMarker        = "begin"
	endMarker          = "end"
	failedMarker       = "failed"
	bibliographyMarker = "bibliography"
)

// ErrCorrupt reports an artifact whose header cannot be read.
var ErrCorrupt = errors.New("handbook: artifact is corrupt")

// Header is written once, before any section.
type Header struct {
	Topic       string           `json:"topic"`
	TargetWords int              `json:"target_words,omitempty"`
	Sections    []domain.Section `json:"sections"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (h Header) Outline() domain.Outline {
	return domain.Outline{Topic: h.Topic, Sections: h.Sections}
}

// Citation is a document a section drew on.
type Citation struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
}

// SectionRecord is one completed section. Index is 1-based.
type SectionRecord struct {
	Index     int
	Title     string
	Status    domain.GroundingStatus
	Citations []Citation
	Body      string
}

type sectionMeta struct {
	Title     string                 `json:"title"`
	Status    domain.GroundingStatus `json:"status"`
	Citations []Citation             `json:"citations,omitempty"`
}

// Failure records why a run stopped and where.
type Failure struct {
	Section int       `json:"section"`
	Title   string    `json:"title"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func marker(kind, arg string, payload any) (string, error) {
	var b strings.Builder
	b.WriteString(markerPrefix)
	b.WriteString(kind)
	if arg != "" {
		b.WriteString(" ")
		b.WriteString(arg)
	}
	if payload != nil {
		// json.Marshal escapes '>' so a payload can never close the comment.
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("handbook: encode %s marker: %w", kind, err)
		}
		b.WriteString(" ")
		b.Write(raw)
	}
	b.WriteString(markerSuffix)
	return b.String(), nil
}

func renderHeader(h Header) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handbook: %s\n\n## Table of Contents\n\n", h.Topic)
	for i, s := range h.Sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Title)
	}
	m, err := marker(outlineMarker, "", h)
	if err != nil {
		return "", err
	}
	b.WriteString("\n")
	b.WriteString(m)
	return b.String(), nil
}

func renderSection(rec SectionRecord) (string, error) {
	begin, err := marker(beginMarker, strconv.Itoa(rec.Index), sectionMeta{
		Title: rec.Title, Status: rec.Status, Citations: rec.Citations,
	})
	if err != nil {
		return "", err
	}
	end, _ := marker(endMarker, strconv.Itoa(rec.Index), nil)
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(begin)
	fmt.Fprintf(&b, "\n---\n\n## %s\n\n", rec.Title)
	b.WriteString(escapeBody(rec.Body))
	b.WriteString("\n\n")
	b.WriteString(end)
	return b.String(), nil
}

func renderFailure(f Failure) (string, error) {
	m, err := marker(failedMarker, "", f)
	if err != nil {
		return "", err
	}
	return "\n" + m, nil
}

func renderBibliography(entries []Citation) string {
	var b strings.Builder
	b.WriteString("\n---\n\n## Bibliography\n\n")
	if len(entries) == 0 {
		b.WriteString("_No sources were cited._\n")
	}
	for _, c := range entries {
		fmt.Fprintf(&b, "- %s (`%s`)\n", c.Source, c.DocumentID)
	}
	end, _ := marker(bibliographyMarker, "", nil)
	b.WriteString("\n")
	b.WriteString(end)
	return b.String()
}

// escapeBody keeps model output from forging markers.
func escapeBody(body string) string {
	return strings.ReplaceAll(strings.TrimSpace(body), markerPrefix, "&lt;!-- handbook:")
}

// parse reads an artifact. It never fails on a damaged tail: parsing stops
// at the first incomplete unit and clean marks where it ends.
func parse(data []byte) (*Run, error) {
	headerAt := bytes.Index(data, []byte(markerPrefix+outlineMarker+" "))
	if headerAt < 0 {
		return nil, fmt.Errorf("%w: missing outline marker", ErrCorrupt)
	}
	lineEnd := bytes.Index(data[headerAt:], []byte(markerSuffix))
	if lineEnd < 0 {
		return nil, fmt.Errorf("%w: unterminated outline marker", ErrCorrupt)
	}
	payload := data[headerAt+len(markerPrefix+outlineMarker+" ") : headerAt+lineEnd]
	run := &Run{}
	if err := json.Unmarshal(payload, &run.Header); err != nil {
		return nil, fmt.Errorf("%w: outline: %v", ErrCorrupt, err)
	}
	pos := headerAt + lineEnd + len(markerSuffix)
	run.clean = int64(pos)
	run.size = int64(len(data))

	for pos < len(data) {
		rest := data[pos:]
		at := bytes.Index(rest, []byte(markerPrefix))
		if at < 0 {
			break
		}
		gap := rest[:at]
		kind, arg, meta, next, ok := readMarker(rest[at:])
		if !ok {
			break
		}
		switch {
		case kind == beginMarker && len(bytes.TrimSpace(gap)) == 0:
			rec, consumed, ok := readSection(rest[at+next:], arg, meta)
			if !ok || rec.Index != len(run.Sections)+1 {
				return run, nil
			}
			run.Sections = append(run.Sections, rec)
			run.Failure = nil
			pos += at + next + consumed
			run.clean = int64(pos)
		case kind == failedMarker && len(bytes.TrimSpace(gap)) == 0:
			var f Failure
			if err := json.Unmarshal(meta, &f); err != nil {
				return run, nil
			}
			run.Failure = &f
			pos += at + next
		case kind == bibliographyMarker:
			run.Bibliography = true
			run.Failure = nil
			pos += at + next
			run.clean = int64(pos)
		default:
			return run, nil
		}
	}
	return run, nil
}

// readMarker parses one marker line at the start of b.
func readMarker(b []byte) (kind, arg string, payload []byte, n int, ok bool) {
	end := bytes.Index(b, []byte(markerSuffix))
	if end < 0 {
		return "", "", nil, 0, false
	}
	line := string(b[len(markerPrefix):end])
	kind, rest, _ := strings.Cut(line, " ")
	switch kind {
	case beginMarker, endMarker:
		arg, rest, _ = strings.Cut(rest, " ")
	}
	return kind, arg, []byte(rest), end + len(markerSuffix), true
}

// readSection reads a section body and its end marker. b starts right after
// the begin marker line.
func readSection(b []byte, arg string, meta []byte) (SectionRecord, int, bool) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return SectionRecord{}, 0, false
	}
	var m sectionMeta
	if err := json.Unmarshal(meta, &m); err != nil {
		return SectionRecord{}, 0, false
	}
	endLine := []byte(markerPrefix + endMarker + " " + arg + markerSuffix)
	at := bytes.Index(b, endLine)
	if at < 0 {
		return SectionRecord{}, 0, false
	}
	body := string(b[:at])
	body = strings.TrimPrefix(body, fmt.Sprintf("\n---\n\n## %s\n\n", m.Title))
	return SectionRecord{
		Index:     index,
		Title:     m.Title,
		Status:    m.Status,
		Citations: m.Citations,
		Body:      strings.TrimSpace(body),
	}, at + len(endLine), true
}
