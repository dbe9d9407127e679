package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// Sanitize strips the common non-JSON wrapping an LLM adds around a
// requested JSON object — markdown code fences, a leading "Here is the
// JSON:" sentence, trailing commas — so json.Unmarshal gets a clean payload
// on the first try. No library in the retrieved example corpus offers a
// JSON-repair routine, so this is hand-rolled; see the grounding ledger for
// why no third-party dependency covers this.
func Sanitize(raw string) string {
	text := strings.TrimSpace(raw)
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if start := strings.IndexAny(text, "{["); start > 0 {
		text = text[start:]
	}
	text = trailingCommaRe.ReplaceAllString(text, "$1")
	return text
}

// Repair attempts Sanitize then json.Unmarshal into out, reporting whether
// the result parsed. Workers treat a false return as Data-kind: feed the
// original raw text back to the model with a correction prompt rather than
// failing the job outright (spec.md §7's self-correction loop).
func Repair(raw string, out interface{}) (bool, error) {
	clean := Sanitize(raw)
	if err := json.Unmarshal([]byte(clean), out); err != nil {
		return false, err
	}
	return true, nil
}
