// Package tokens counts model tokens for prompt budgeting.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no model-specific encoding is known.
const DefaultEncoding = "cl100k_base"

// Counter reports how many tokens a text occupies.
type Counter interface {
	Count(text string) int
}

// Estimator approximates four characters per token. It never needs the
// network, so it backs the tiktoken counter when encodings cannot load.
type Estimator struct{}

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

type tiktokenCounter struct {
	encoder *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.encoder.Encode(text, nil, nil))
}

var (
	mu       sync.Mutex
	counters = map[string]Counter{}
)

// ForModel returns a counter for model or encoding name. Counters are cached.
// When tiktoken cannot resolve an encoding (offline, unknown model) the
// Estimator is returned instead along with false.
func ForModel(name string) (Counter, bool) {
	key := strings.TrimSpace(name)
	if key == "" || strings.EqualFold(key, "estimate") {
		return Estimator{}, true
	}
	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[key]; ok {
		_, exact := c.(*tiktokenCounter)
		return c, exact
	}
	enc, err := tiktoken.GetEncoding(key)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(key)
	}
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
	}
	if err != nil {
		counters[key] = Estimator{}
		return Estimator{}, false
	}
	c := &tiktokenCounter{encoder: enc}
	counters[key] = c
	return c, true
}

// Truncate cuts text to at most budget tokens using c, on a word boundary.
func Truncate(c Counter, text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if c.Count(text) <= budget {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}
