// Package vectorstore holds the ranking and identity rules shared by every
// VectorStore backend, so that identical data yields identical results
// regardless of where it is stored.
package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"handbook/internal/domain"
)

// DefaultBatchSize is the number of chunk rows written per transaction.
const DefaultBatchSize = 200

var namespace = uuid.MustParse("6f1c7a4e-1f0b-4c5e-9d8a-2b7e3c9a5d10")

// DocumentID derives the stable document id for a source path.
func DocumentID(sourcePath string) string {
	return uuid.NewSHA1(namespace, []byte("document:"+sourcePath)).String()
}

// ChunkID derives the stable id of the chunk at position within a document.
func ChunkID(documentID string, position int) string {
	return uuid.NewSHA1(namespace, []byte(documentID+":"+strconv.Itoa(position))).String()
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortMatches orders matches by descending score, then by insertion order.
func SortMatches(ms []domain.Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].Seq < ms[j].Seq
	})
}

// Top sorts matches and keeps the best k.
func Top(ms []domain.Match, k int) []domain.Match {
	SortMatches(ms)
	if k < len(ms) {
		ms = ms[:k]
	}
	return ms
}

// ValidateQuery checks the query vector and k against the store dimension.
func ValidateQuery(embedding []float32, k, dimension int) error {
	if k < 0 {
		return domain.Configf("k must not be negative, got %d", k)
	}
	if len(embedding) != dimension {
		return domain.Configf("query dimension %d does not match store dimension %d", len(embedding), dimension)
	}
	return nil
}

// ValidateItems checks every item before anything is written, so a single
// mismatched vector rejects the whole insert.
func ValidateItems(items []domain.ChunkInput, dimension int) error {
	for i, item := range items {
		if len(item.Embedding) != dimension {
			return domain.Configf("chunk %d has embedding dimension %d, store expects %d", i, len(item.Embedding), dimension)
		}
	}
	return nil
}

// MatchesFilter reports whether a chunk passes the filter.
func MatchesFilter(f *domain.Filter, documentID string, metadata map[string]any) bool {
	if f == nil {
		return true
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if id == documentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range f.Metadata {
		got, ok := metadata[key]
		if !ok || MetadataString(got) != want {
			return false
		}
	}
	return true
}

// MetadataString renders a metadata value the way Postgres ->> does for
// scalars, so filters behave alike across backends.
func MetadataString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

// CloneMetadata returns a shallow copy of m.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
