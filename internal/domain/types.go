package domain

import (
	"fmt"
	"time"
)

// Document is an ingested source. Its identity is the source path.
type Document struct {
	ID         string
	SourcePath string
	Title      string
	CreatedAt  time.Time
}

// Page is the extracted text of one page of a source. Numbers start at 1.
type Page struct {
	Number int
	Text   string
}

// ChunkDraft is a chunk of text before it has been embedded.
type ChunkDraft struct {
	Content  string
	Metadata map[string]any
}

// ChunkInput is a single item written to a VectorStore.
type ChunkInput struct {
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// Filter narrows a similarity query. Empty fields do not filter.
type Filter struct {
	DocumentIDs []string
	Metadata    map[string]string
}

// Match is a chunk returned by a similarity query.
type Match struct {
	ChunkID    string
	DocumentID string
	SourcePath string
	Content    string
	Metadata   map[string]any
	Score      float64
	Seq        int64
}

// Page returns the page number recorded in the chunk metadata, or 0.
func (m Match) Page() int { return metaInt(m.Metadata, "page") }

// ChunkIndex returns the chunk index within its page, or the zero value.
func (m Match) ChunkIndex() int { return metaInt(m.Metadata, "chunk_index") }

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// RetrievalResult is an ordered list of matches, highest score first.
// An empty result signals that no grounding evidence is available.
type RetrievalResult struct {
	Query   string
	Matches []Match
}

// Empty reports whether the retrieval produced no evidence.
func (r RetrievalResult) Empty() bool { return len(r.Matches) == 0 }

// Section is one planned unit of a handbook.
type Section struct {
	Title    string `json:"title"`
	Guidance string `json:"guidance,omitempty"`
}

// Outline is the ordered section plan for a topic.
type Outline struct {
	Topic    string    `json:"topic"`
	Sections []Section `json:"sections"`
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to a Completer.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest bundles the messages and budget for one completion.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Model       string
	Temperature float32
}

// GroundingPolicy decides what happens when a section has no evidence.
type GroundingPolicy string

const (
	GroundingDisclaim GroundingPolicy = "disclaim"
	GroundingSkip     GroundingPolicy = "skip"
)

// ParseGroundingPolicy validates a configured policy value.
func ParseGroundingPolicy(s string) (GroundingPolicy, error) {
	switch p := GroundingPolicy(s); p {
	case GroundingDisclaim, GroundingSkip:
		return p, nil
	case "":
		return "", Configf("grounding policy must be set to %q or %q", GroundingDisclaim, GroundingSkip)
	default:
		return "", Configf("unknown grounding policy %q", s)
	}
}

// GroundingStatus records how a written section was grounded.
type GroundingStatus string

const (
	Grounded   GroundingStatus = "grounded"
	Disclaimed GroundingStatus = "disclaimed"
	Skipped    GroundingStatus = "skipped"
)

// RunState is the lifecycle state of a handbook run.
type RunState string

const (
	StateNotStarted RunState = "NOT_STARTED"
	StateOutlined   RunState = "OUTLINED"
	StateGenerating RunState = "GENERATING"
	StateComplete   RunState = "COMPLETE"
	StateFailed     RunState = "FAILED"
)
