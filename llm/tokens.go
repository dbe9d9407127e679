package llm

import (
	"fmt"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and truncates text by the same token accounting the LLM
// endpoint bills by, so the Batcher (C5) can pack files up to a byte/token
// budget without either under-filling batches or overflowing the model's
// context window.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the BPE encoding for modelName (e.g. "gpt-4",
// "gpt-3.5-turbo"), falling back to "cl100k_base" for non-OpenAI-branded
// models the catalog doesn't recognize.
func NewTokenizer(modelName string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer encoding: %w", err)
		}
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the number of tokens text would occupy in the prompt.
func (t *Tokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// TruncateMiddle shortens text to fit within maxTokens by keeping the head
// and tail and replacing the dropped middle with truncationMarker, the
// least-destructive truncation for source files: signatures and imports near
// the top, the file's tail context, both usually matter more than whatever
// sits in between. The marker's own tokens count against maxTokens.
func (t *Tokenizer) TruncateMiddle(text string, maxTokens int) (string, error) {
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, nil
	}
	budget := maxTokens - len(t.enc.Encode(truncationMarker, nil, nil))
	if budget < 2 {
		return "", cerrors.Policyf(nil, "llm: maxTokens %d too small to truncate", maxTokens)
	}
	head := budget / 2
	tail := budget - head
	return t.enc.Decode(tokens[:head]) + truncationMarker + t.enc.Decode(tokens[len(tokens)-tail:]), nil
}

// truncationMarker stands in for the middle TruncateMiddle drops.
const truncationMarker = "\n... [truncated] ...\n"
