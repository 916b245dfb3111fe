// Package tokenizer estimates token counts for the rate limiter and
// response accounting. It is a best-effort approximation, not a
// model-accurate BPE tokenizer: callers treat a failed estimate as
// non-fatal, so a cheap and deterministic heuristic is the right fit.
package tokenizer

import "unicode/utf8"

// avgCharsPerToken is the rough English-text ratio most BPE tokenizers
// land near; Count applies it to every model.
const avgCharsPerToken = 4.0

// Count estimates the token count of text for model. The model parameter
// is accepted to keep the signature open to per-model estimators later;
// the current implementation is model-agnostic.
func Count(_ string, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := utf8.RuneCountInString(text)
	tokens := int(float64(n)/avgCharsPerToken + 0.5)
	if tokens < 1 {
		tokens = 1
	}
	return tokens, nil
}
