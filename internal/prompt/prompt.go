// Package prompt builds the chat messages sent to the completion model and
// formats retrieved evidence with citation labels.
package prompt

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"handbook/internal/domain"
	"handbook/internal/tokens"
)

const (
	// MaxCharsPerChunk bounds how much of one chunk goes into a prompt.
	MaxCharsPerChunk = 1200
	// Refusal is returned instead of an answer when retrieval finds nothing.
	Refusal = "I don't have enough information in the ingested documents."
	// Disclaimer opens sections written without supporting evidence.
	Disclaimer = "> No specific source found in the ingested documents for this section. " +
		"The text below is general guidance and carries no citations."
)

var labelPattern = regexp.MustCompile(`\[([^\[\]|]+?)\s*\|\s*p\.(\d+)\s*\|\s*c(\d+)\]`)

// Label is the inline citation for a match, e.g. [manual.pdf | p.12 | c3].
func Label(m domain.Match) string {
	return fmt.Sprintf("[%s | p.%d | c%d]", sourceName(m.SourcePath), m.Page(), m.ChunkIndex())
}

func sourceName(p string) string {
	if p == "" {
		return "unknown"
	}
	return path.Base(strings.ReplaceAll(p, "\\", "/"))
}

// Evidence renders matches one per line, each prefixed by its label, until
// budget tokens are used. It returns the block and the matches it includes.
// A budget <= 0 disables the limit.
func Evidence(matches []domain.Match, counter tokens.Counter, budget int) (string, []domain.Match) {
	if counter == nil {
		counter = tokens.Estimator{}
	}
	var b strings.Builder
	used := make([]domain.Match, 0, len(matches))
	spent := 0
	for _, m := range matches {
		text := strings.Join(strings.Fields(m.Content), " ")
		if r := []rune(text); len(r) > MaxCharsPerChunk {
			text = string(r[:MaxCharsPerChunk])
		}
		line := Label(m) + " " + text
		cost := counter.Count(line) + 1
		if budget > 0 && spent+cost > budget {
			if len(used) > 0 {
				break
			}
			line = tokens.Truncate(counter, line, budget)
			if line == "" {
				break
			}
			cost = budget
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		spent += cost
		used = append(used, m)
	}
	return b.String(), used
}

// Citation is a parsed inline label.
type Citation struct {
	Source string
	Page   int
	Chunk  int
}

// Citations returns the distinct labels found in text in order of first use.
func Citations(text string) []Citation {
	found := labelPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[Citation]struct{}, len(found))
	out := make([]Citation, 0, len(found))
	for _, f := range found {
		page, _ := strconv.Atoi(f[2])
		chunk, _ := strconv.Atoi(f[3])
		c := Citation{Source: strings.TrimSpace(f[1]), Page: page, Chunk: chunk}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// CitedMatches keeps the evidence matches whose source name appears in a
// citation label of text.
func CitedMatches(text string, evidence []domain.Match) []domain.Match {
	sources := map[string]struct{}{}
	for _, c := range Citations(text) {
		sources[c.Source] = struct{}{}
	}
	var out []domain.Match
	for _, m := range evidence {
		if _, ok := sources[sourceName(m.SourcePath)]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Answer builds the strict grounded Q&A prompt.
func Answer(question, evidence string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleSystem, Content: "You are a strict retrieval assistant. Use ONLY the provided document context. " +
			"If the answer is not explicitly supported by the context, say: \"" + Refusal + "\" " +
			"Every factual claim must include an inline citation using the exact bracket label from the context, " +
			"e.g. [file.pdf | p.12 | c3]. Do not invent sources, pages, or citations."},
		{Role: domain.RoleUser, Content: "DOCUMENT CONTEXT:\n" + evidence + "\n\nQUESTION:\n" + question +
			"\n\nAnswer clearly and include citations for claims."},
	}
}

// Outline asks for a JSON section plan of about sections entries. strict is
// used for the second attempt after an unparseable reply.
func Outline(topic, evidence string, sections int, strict bool) []domain.Message {
	system := "You are an expert technical author planning a long handbook. " +
		"Return the outline as JSON: {\"sections\": [{\"title\": \"...\", \"guidance\": \"...\"}]}. " +
		"Each guidance lists in one or two sentences what the section must cover."
	if strict {
		system += " Your previous reply could not be parsed. Reply with the JSON object only: " +
			"no prose, no markdown fences, every section must have a non-empty title."
	}
	user := fmt.Sprintf("Create a handbook outline on: %s\n\nAim for about %d sections.", topic, sections)
	if strings.TrimSpace(evidence) != "" {
		user += "\n\nThe handbook must be supported by these documents. SAMPLE EVIDENCE:\n" + evidence
	}
	return []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user},
	}
}

// SectionInput carries everything needed to write one section.
type SectionInput struct {
	Topic    string
	Title    string
	Guidance string
	Evidence string
	// Digest summarizes the sections already written.
	Digest      string
	TargetWords int
	// Disclaim requests a section without evidence, prefaced by Disclaimer.
	Disclaim bool
}

// Section builds the prompt for one handbook section.
func Section(in SectionInput) []domain.Message {
	system := "You are writing one section of a long technical handbook. " +
		"Use ONLY the provided evidence. If evidence is insufficient, state that clearly. " +
		"Cite claims inline using the exact bracket labels from the evidence. " +
		"Do not repeat the section title as a heading; start with the body."
	if in.Disclaim {
		system = "You are writing one section of a long technical handbook. " +
			"No supporting documents were found for this section. Write cautious, general guidance, " +
			"state clearly that no specific source was found, and do not include any citations."
	}
	var user strings.Builder
	fmt.Fprintf(&user, "HANDBOOK TOPIC:\n%s\n\nSECTION TITLE:\n%s\n\n", in.Topic, in.Title)
	goals := in.Guidance
	if strings.TrimSpace(goals) == "" {
		goals = "Cover this topic thoroughly: " + in.Title
	}
	fmt.Fprintf(&user, "SECTION GOALS:\n%s\n\n", goals)
	if in.Digest != "" {
		fmt.Fprintf(&user, "EARLIER SECTIONS (do not repeat them):\n%s\n\n", in.Digest)
	}
	if !in.Disclaim {
		fmt.Fprintf(&user, "EVIDENCE:\n%s\n\n", in.Evidence)
	}
	if in.TargetWords > 0 {
		fmt.Fprintf(&user, "Write about %d words. ", in.TargetWords)
	}
	user.WriteString("Write this section in a clear handbook style with subheadings, bullet lists where useful")
	if in.Disclaim {
		user.WriteString(".")
	} else {
		user.WriteString(", and citations for claims.")
	}
	return []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user.String()},
	}
}
