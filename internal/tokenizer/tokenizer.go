// Package tokenizer provides approximate token counting for usage
// accounting in SSE message_start/message_delta frames.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	log "github.com/sirupsen/logrus"
)

// Tokenizer counts tokens using the cl100k_base encoding. The zero value is
// usable: the encoding is loaded lazily on first use and CountTokens falls
// back to 0 if that load ever fails, rather than panicking or blocking
// startup on a broken encoding table.
type Tokenizer struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// New returns a ready-to-use Tokenizer. Loading the encoding is deferred to
// the first CountTokens call.
func New() *Tokenizer {
	return &Tokenizer{}
}

func (t *Tokenizer) load() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warnf("tokenizer: failed to load cl100k_base encoding, token counts will be 0: %v", err)
			return
		}
		t.encoding = enc
	})
}

// CountTokens returns the number of cl100k_base tokens in text, or 0 if text
// is empty or the encoding failed to load.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t.load()
	if t.encoding == nil {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}
