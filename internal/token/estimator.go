// Package token provides pluggable token estimation.
//
// Estimates decide when to compress; they never alter correctness, so a
// crude heuristic is an acceptable default and exact tokenizer fidelity is
// explicitly not a goal.
package token

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates the model-token cost of a piece of text.
type Estimator interface {
	Estimate(text string) int
}

// DefaultBytesPerToken is the heuristic divisor: roughly four bytes of
// English text per token.
const DefaultBytesPerToken = 4

// Heuristic is the default size-based estimator: ceil(len/BytesPerToken).
type Heuristic struct {
	// BytesPerToken overrides the divisor; zero means DefaultBytesPerToken.
	BytesPerToken int
}

// Estimate returns the heuristic token count for text.
func (h Heuristic) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	bpt := h.BytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return (len(text) + bpt - 1) / bpt
}

// Tiktoken is an exact estimator backed by a real tokenizer. Optional: the
// substrate works with Heuristic alone.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken builds an estimator for the given model name, falling back to
// the cl100k_base encoding for unknown models.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Estimate returns the exact token count under the selected encoding.
func (t *Tiktoken) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
